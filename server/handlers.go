// Package server exposes the service's network surface: the chat WebSocket
// at /ws, the wallet authentication handshake, the payment collaborator's
// tip webhook, and the health/status/metrics endpoints. It includes
// permissive CORS for development and injects correlation IDs into request
// contexts for consistent logging.
package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/onnwee/tipchat/backend/chatroom"
	"github.com/onnwee/tipchat/backend/config"
	"github.com/onnwee/tipchat/backend/session"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	manager   *chatroom.Manager
	sessions  *session.Store
	cfg       *config.Config
	db        *sql.DB // nil when the grant ledger is disabled
	startedAt time.Time
}

// NewHandlers creates a Handlers instance with the given dependencies.
// db may be nil.
func NewHandlers(manager *chatroom.Manager, sessions *session.Store, cfg *config.Config, db *sql.DB) *Handlers {
	return &Handlers{
		manager:   manager,
		sessions:  sessions,
		cfg:       cfg,
		db:        db,
		startedAt: time.Now(),
	}
}

// writeJSON encodes v with the given status. Encoding errors after the
// header is written can only be logged by the caller's middleware.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError sends the uniform JSON error body used by the HTTP endpoints.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
