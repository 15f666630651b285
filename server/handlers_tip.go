package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/tipchat/backend/telemetry"
)

// maxWebhookBody bounds the tip webhook payload.
const maxWebhookBody = 64 * 1024

type tipWebhookRequest struct {
	Address   string  `json:"address"`
	Signature string  `json:"signature"`
	AmountUSD float64 `json:"amountUsd"`
	PaymentID string  `json:"paymentId"`
}

// HandleTipWebhook is the payment collaborator's callback for a settled
// tip. The body is authenticated with an HMAC-SHA256 over the raw bytes in
// X-Webhook-Signature. Below-threshold tips are acknowledged with 200 and
// ignored; the webhook is at-least-once and grants are idempotent.
func (h *Handlers) HandleTipWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.cfg.WebhookSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "webhook not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil || len(body) > maxWebhookBody {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	log := telemetry.LoggerWithCorr(r.Context())
	if !verifyWebhookSignature(body, r.Header.Get("X-Webhook-Signature"), h.cfg.WebhookSecret) {
		log.Warn("tip webhook signature rejected", slog.String("remote_addr", r.RemoteAddr))
		writeError(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	var req tipWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Address == "" || req.Signature == "" {
		writeError(w, http.StatusBadRequest, "address and signature are required")
		return
	}

	res, err := h.manager.GrantSupporter(r.Context(), req.Address, req.Signature, req.AmountUSD)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "grant not processed")
		return
	}
	telemetry.IncTipWebhooks()
	log.Info("tip webhook processed",
		slog.String("address", req.Address),
		slog.String("payment_id", req.PaymentID),
		slog.Float64("amount_usd", req.AmountUSD),
		slog.Bool("granted", res.Granted),
		slog.Bool("new", res.New))

	writeJSON(w, http.StatusOK, map[string]any{
		"granted": res.Granted,
		"new":     res.New,
	})
}

// verifyWebhookSignature checks a hex HMAC-SHA256 of body. The header may
// carry an optional "sha256=" prefix.
func verifyWebhookSignature(body []byte, header, secret string) bool {
	header = strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	got, err := hex.DecodeString(header)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
