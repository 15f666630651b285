package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/onnwee/tipchat/backend/chatroom"
	"github.com/onnwee/tipchat/backend/config"
	"github.com/onnwee/tipchat/backend/session"
)

// newTestHandlers builds a Handlers over a running manager loop and an
// in-memory session store.
func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sessions := session.NewStore()
	manager := chatroom.NewManager(sessions, nil)
	go manager.Run(ctx)
	return NewHandlers(manager, sessions, &config.Config{HTTPAddr: ":0", WebhookSecret: "test-secret"}, nil)
}

// personalSign produces an EIP-191 personal_sign signature over statement.
func personalSign(t *testing.T, key *ecdsa.PrivateKey, statement string) string {
	t.Helper()
	prefixed := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(statement)) + statement
	sig, err := crypto.Sign(crypto.Keccak256([]byte(prefixed)), key)
	if err != nil {
		t.Fatal(err)
	}
	return hexutil.Encode(sig)
}

func postJSON(t *testing.T, h http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestAuthHandshake(t *testing.T) {
	h := newTestHandlers(t)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	rec := postJSON(t, h.HandleAuthNonce, "/auth/nonce", nonceRequest{Address: address})
	if rec.Code != http.StatusOK {
		t.Fatalf("nonce status = %d: %s", rec.Code, rec.Body)
	}
	var nr nonceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &nr); err != nil {
		t.Fatal(err)
	}
	if nr.Nonce == "" || nr.Statement == "" {
		t.Fatalf("nonce response incomplete: %+v", nr)
	}

	rec = postJSON(t, h.HandleAuthVerify, "/auth/verify", verifyRequest{
		Address:   address,
		Nonce:     nr.Nonce,
		Signature: personalSign(t, key, nr.Statement),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d: %s", rec.Code, rec.Body)
	}
	var vr verifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &vr); err != nil {
		t.Fatal(err)
	}
	if vr.Token == "" {
		t.Fatal("verify returned no token")
	}
	if vr.DelegateKey != "" {
		t.Errorf("non-delegated handshake returned delegate key %q", vr.DelegateKey)
	}

	// Session endpoint sees a validated session.
	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	req.Header.Set("Authorization", "Bearer "+vr.Token)
	srec := httptest.NewRecorder()
	h.HandleAuthSession(srec, req)
	if srec.Code != http.StatusOK {
		t.Fatalf("session status = %d", srec.Code)
	}
	var sr sessionResponse
	if err := json.Unmarshal(srec.Body.Bytes(), &sr); err != nil {
		t.Fatal(err)
	}
	if !sr.Validated || sr.Address != address {
		t.Errorf("session = %+v, want validated for %s", sr, address)
	}

	// Logout revokes the session.
	lreq := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	lreq.Header.Set("Authorization", "Bearer "+vr.Token)
	lrec := httptest.NewRecorder()
	h.HandleAuthLogout(lrec, lreq)
	if lrec.Code != http.StatusOK {
		t.Fatalf("logout status = %d", lrec.Code)
	}

	srec = httptest.NewRecorder()
	h.HandleAuthSession(srec, req)
	sr = sessionResponse{}
	if err := json.Unmarshal(srec.Body.Bytes(), &sr); err != nil {
		t.Fatal(err)
	}
	if sr.Validated {
		t.Error("session still validated after logout")
	}
}

func TestAuthHandshakeDelegated(t *testing.T) {
	h := newTestHandlers(t)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	delegateKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	delegateAddr := crypto.PubkeyToAddress(delegateKey.PublicKey).Hex()

	rec := postJSON(t, h.HandleAuthNonce, "/auth/nonce", nonceRequest{Address: address, DelegateKey: delegateAddr})
	var nr nonceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &nr); err != nil {
		t.Fatal(err)
	}

	rec = postJSON(t, h.HandleAuthVerify, "/auth/verify", verifyRequest{
		Address:   address,
		Nonce:     nr.Nonce,
		Signature: personalSign(t, key, nr.Statement),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d: %s", rec.Code, rec.Body)
	}
	var vr verifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &vr); err != nil {
		t.Fatal(err)
	}
	if vr.DelegateKey != delegateAddr {
		t.Errorf("delegate key = %q, want %q", vr.DelegateKey, delegateAddr)
	}
	if vr.DelegateExpiresAt == nil {
		t.Error("delegated handshake missing delegateExpiresAt")
	}
}

func TestAuthVerifyRejections(t *testing.T) {
	h := newTestHandlers(t)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	otherKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	rec := postJSON(t, h.HandleAuthNonce, "/auth/nonce", nonceRequest{Address: address})
	var nr nonceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &nr); err != nil {
		t.Fatal(err)
	}

	// Signature from the wrong key.
	rec = postJSON(t, h.HandleAuthVerify, "/auth/verify", verifyRequest{
		Address:   address,
		Nonce:     nr.Nonce,
		Signature: personalSign(t, otherKey, nr.Statement),
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong-key verify status = %d, want 401", rec.Code)
	}

	// The nonce was consumed by the failed attempt; a correct signature no
	// longer passes.
	rec = postJSON(t, h.HandleAuthVerify, "/auth/verify", verifyRequest{
		Address:   address,
		Nonce:     nr.Nonce,
		Signature: personalSign(t, key, nr.Statement),
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("reused nonce verify status = %d, want 401", rec.Code)
	}

	// Unknown nonce.
	rec = postJSON(t, h.HandleAuthVerify, "/auth/verify", verifyRequest{
		Address:   address,
		Nonce:     "no-such-nonce",
		Signature: personalSign(t, key, "whatever"),
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown nonce verify status = %d, want 401", rec.Code)
	}
}

func TestAuthNonceValidation(t *testing.T) {
	h := newTestHandlers(t)
	cases := []struct {
		name string
		body nonceRequest
	}{
		{"missing address", nonceRequest{}},
		{"malformed address", nonceRequest{Address: "not-an-address"}},
		{"malformed delegate key", nonceRequest{Address: "0x1111111111111111111111111111111111111111", DelegateKey: "bogus"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(t, h.HandleAuthNonce, "/auth/nonce", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer abc123", "abc123"},
		{"Basic abc123", ""},
		{"", ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		if got := bearerToken(req); got != tc.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}
