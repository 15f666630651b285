package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/tipchat/backend/identity"
	"github.com/onnwee/tipchat/backend/telemetry"
)

type nonceRequest struct {
	Address     string `json:"address"`
	DelegateKey string `json:"delegateKey,omitempty"`
}

type nonceResponse struct {
	Nonce     string    `json:"nonce"`
	Statement string    `json:"statement"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HandleAuthNonce issues a single-use sign-in challenge for a wallet
// address. The returned statement is exactly what the wallet must
// personal_sign.
func (h *Handlers) HandleAuthNonce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req nonceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if !identity.ValidAddress(req.Address) {
		writeError(w, http.StatusBadRequest, "invalid wallet address")
		return
	}
	if req.DelegateKey != "" && !identity.ValidAddress(req.DelegateKey) {
		writeError(w, http.StatusBadRequest, "invalid delegate key address")
		return
	}

	n := h.sessions.IssueNonce(req.Address, req.DelegateKey)
	statement := identity.SignInStatement(req.Address, n.Value, n.IssuedAt, n.ExpiresAt, n.DelegateKey)
	telemetry.LoggerWithCorr(r.Context()).Debug("nonce issued",
		slog.String("address", req.Address),
		slog.Bool("delegated", req.DelegateKey != ""))
	writeJSON(w, http.StatusOK, nonceResponse{Nonce: n.Value, Statement: statement, ExpiresAt: n.ExpiresAt})
}

type verifyRequest struct {
	Address   string `json:"address"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

type verifyResponse struct {
	Token             string     `json:"token"`
	Address           string     `json:"address"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	DelegateKey       string     `json:"delegateKey,omitempty"`
	DelegateExpiresAt *time.Time `json:"delegateExpiresAt,omitempty"`
}

// HandleAuthVerify completes the challenge-response handshake: it consumes
// the nonce, verifies the wallet's signature over the reconstructed
// statement, and mints a session.
func (h *Handlers) HandleAuthVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if !identity.ValidAddress(req.Address) || req.Nonce == "" || req.Signature == "" {
		writeError(w, http.StatusBadRequest, "address, nonce and signature are required")
		return
	}

	log := telemetry.LoggerWithCorr(r.Context())
	n, err := h.sessions.ConsumeNonce(req.Nonce, req.Address)
	if err != nil {
		telemetry.IncAuthResult(false)
		log.Warn("auth verify rejected", slog.String("address", req.Address), slog.Any("err", err))
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	statement := identity.SignInStatement(req.Address, n.Value, n.IssuedAt, n.ExpiresAt, n.DelegateKey)
	var verr error
	telemetry.TimeFunc(telemetry.VerifyDuration, func() {
		verr = identity.VerifyDirect(statement, req.Signature, req.Address)
	})
	if verr != nil {
		telemetry.IncAuthResult(false)
		log.Warn("auth verify rejected", slog.String("address", req.Address), slog.Any("err", verr))
		writeError(w, http.StatusUnauthorized, verr.Error())
		return
	}

	sess := h.sessions.CreateSession(req.Address, req.Signature, n)
	telemetry.IncAuthResult(true)
	telemetry.SetActiveSessions(h.sessions.ActiveSessions())
	log.Info("session created",
		slog.String("address", req.Address),
		slog.Bool("delegated", sess.DelegateAddress != ""))

	resp := verifyResponse{Token: sess.Token, Address: sess.Address, ExpiresAt: sess.ExpiresAt}
	if sess.DelegateAddress != "" {
		resp.DelegateKey = sess.DelegateAddress
		t := sess.DelegateExpiresAt
		resp.DelegateExpiresAt = &t
	}
	writeJSON(w, http.StatusOK, resp)
}

type sessionResponse struct {
	Validated        bool      `json:"validated"`
	Address          string    `json:"address,omitempty"`
	ExpiresAt        time.Time `json:"expiresAt,omitempty"`
	ExpiresSoon      bool      `json:"expiresSoon"`
	RemainingSeconds int       `json:"remainingSeconds"`
}

// HandleAuthSession reports the state of the bearer session. Unknown and
// expired tokens yield validated=false with HTTP 200, not an error.
func (h *Handlers) HandleAuthSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	st := h.sessions.SessionStatus(token)
	writeJSON(w, http.StatusOK, sessionResponse{
		Validated:        st.Validated,
		Address:          st.Address,
		ExpiresAt:        st.ExpiresAt,
		ExpiresSoon:      st.ExpiresSoon,
		RemainingSeconds: st.RemainingSeconds,
	})
}

// HandleAuthLogout revokes the bearer session. Revoking an unknown token
// still returns 200.
func (h *Handlers) HandleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	if h.sessions.Revoke(token) {
		telemetry.SetActiveSessions(h.sessions.ActiveSessions())
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}
