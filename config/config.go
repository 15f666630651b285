// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// Room sizes, history caps, and cooldowns are fixed constants in chatroom, not configuration.
package config

import (
	"fmt"
	"os"
)

type Config struct {
	// HTTP
	HTTPAddr string

	// Database (grant ledger). Empty disables the ledger entirely.
	DBDsn string

	// Payment collaborator webhook
	WebhookSecret string
}

// Load reads environment variables and applies defaults. It doesn't fail if the
// webhook secret is missing; use ValidateWebhookReady() when you require the tip
// webhook. An empty DB_DSN disables the grant ledger rather than erroring.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	cfg.DBDsn = os.Getenv("DB_DSN")

	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")

	return cfg, nil
}

// ValidateWebhookReady checks required fields for accepting tip webhooks.
func (c *Config) ValidateWebhookReady() error {
	if c.WebhookSecret == "" {
		return fmt.Errorf("missing webhook env: require WEBHOOK_SECRET")
	}
	return nil
}
