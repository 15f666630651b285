package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// HandleHealthz responds to liveness probe requests.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests. Readiness means the
// room manager's event loop answers within a short deadline, plus a
// database ping when the grant ledger is configured.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"event_loop", func(ctx context.Context) error {
			_, err := h.manager.Snapshot(ctx)
			return err
		}},
	}
	if h.db != nil {
		checks = append(checks, struct {
			name string
			fn   func(ctx context.Context) error
		}{"database", func(ctx context.Context) error {
			return h.db.PingContext(ctx)
		}})
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, check := range checks {
		if err := check.fn(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

type statusResponse struct {
	Rooms          map[string]int `json:"rooms"`
	Supporters     int            `json:"supporters"`
	ActiveSessions int            `json:"activeSessions"`
	UptimeSeconds  int64          `json:"uptimeSeconds"`
}

// HandleStatus reports room occupancy, supporter count, session count, and
// uptime.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	snap, err := h.manager.Snapshot(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "room manager unavailable")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Rooms:          snap.Rooms,
		Supporters:     snap.Supporters,
		ActiveSessions: h.sessions.ActiveSessions(),
		UptimeSeconds:  int64(time.Since(h.startedAt).Seconds()),
	})
}
