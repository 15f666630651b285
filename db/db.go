// Package db provides the optional Postgres grant ledger. The in-memory
// allow-list stays authoritative for room access; the ledger records
// supporter grants durably and reseeds the allow-list at startup. The whole
// package is inert unless DB_DSN is configured.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres connection for the given DSN.
func Connect(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for the grant ledger.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS supporter_grants (
			id SERIAL PRIMARY KEY,
			address TEXT UNIQUE NOT NULL,
			proof TEXT NOT NULL,
			amount_usd DOUBLE PRECISION NOT NULL,
			granted_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_supporter_grants_address ON supporter_grants(address)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}
