package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, h *Handlers, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/tip", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}
	rec := httptest.NewRecorder()
	h.HandleTipWebhook(rec, req)
	return rec
}

func TestTipWebhookGrant(t *testing.T) {
	h := newTestHandlers(t)
	body, _ := json.Marshal(tipWebhookRequest{
		Address:   "0xAbC0000000000000000000000000000000000001",
		Signature: "0xtipsig",
		AmountUSD: 2.5,
		PaymentID: "pay_123",
	})

	rec := postWebhook(t, h, body, signBody("test-secret", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var res struct {
		Granted bool `json:"granted"`
		New     bool `json:"new"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Granted || !res.New {
		t.Fatalf("result = %+v, want granted new", res)
	}

	// Redelivery is idempotent.
	rec = postWebhook(t, h, body, signBody("test-secret", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Granted || res.New {
		t.Fatalf("redelivery result = %+v, want granted but not new", res)
	}

	snap, err := h.manager.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Supporters != 1 {
		t.Errorf("supporters = %d, want 1", snap.Supporters)
	}
}

func TestTipWebhookBelowThreshold(t *testing.T) {
	h := newTestHandlers(t)
	body, _ := json.Marshal(tipWebhookRequest{
		Address:   "0xAbC0000000000000000000000000000000000002",
		Signature: "0xtipsig",
		AmountUSD: 0.001,
	})
	rec := postWebhook(t, h, body, signBody("test-secret", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even below threshold", rec.Code)
	}
	var res struct {
		Granted bool `json:"granted"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Granted {
		t.Error("sub-threshold tip reported as granted")
	}
}

func TestTipWebhookSignatureRejections(t *testing.T) {
	h := newTestHandlers(t)
	body, _ := json.Marshal(tipWebhookRequest{Address: "0xAbC0000000000000000000000000000000000003", Signature: "0xsig", AmountUSD: 1})

	cases := []struct {
		name      string
		signature string
	}{
		{"missing", ""},
		{"wrong secret", signBody("other-secret", body)},
		{"not hex", "zzzz"},
		{"signature of different body", signBody("test-secret", []byte("{}"))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postWebhook(t, h, body, tc.signature)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestTipWebhookSignaturePrefix(t *testing.T) {
	h := newTestHandlers(t)
	body, _ := json.Marshal(tipWebhookRequest{Address: "0xAbC0000000000000000000000000000000000004", Signature: "0xsig", AmountUSD: 1})
	rec := postWebhook(t, h, body, "sha256="+signBody("test-secret", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("prefixed signature status = %d: %s", rec.Code, rec.Body)
	}
}

func TestTipWebhookUnconfigured(t *testing.T) {
	h := newTestHandlers(t)
	h.cfg.WebhookSecret = ""
	body := []byte(`{}`)
	rec := postWebhook(t, h, body, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
