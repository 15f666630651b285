package session

import (
	"errors"
	"testing"
	"time"

	"github.com/onnwee/tipchat/backend/identity"
)

const addr = "0x00000000000000000000000000000000000000A1"

// fixedClock lets tests move time forward deterministically.
type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore() (*Store, *fixedClock) {
	s := NewStore()
	c := &fixedClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	s.now = c.now
	return s, c
}

func TestNonceLifecycle(t *testing.T) {
	s, clock := newTestStore()
	n := s.IssueNonce(addr, "")
	if n.Value == "" || !n.ExpiresAt.Equal(clock.t.Add(NonceTTL)) {
		t.Fatalf("unexpected nonce: %+v", n)
	}

	// Wrong address looks like an unknown nonce.
	if _, err := s.ConsumeNonce(n.Value, "0x00000000000000000000000000000000000000B2"); !errors.Is(err, ErrNoSuchNonce) {
		t.Fatalf("ConsumeNonce(wrong addr) = %v, want ErrNoSuchNonce", err)
	}

	got, err := s.ConsumeNonce(n.Value, addr)
	if err != nil || got.Value != n.Value {
		t.Fatalf("ConsumeNonce() = %v, %v", got, err)
	}

	// Single use.
	if _, err := s.ConsumeNonce(n.Value, addr); !errors.Is(err, ErrNoSuchNonce) {
		t.Fatalf("second ConsumeNonce() = %v, want ErrNoSuchNonce", err)
	}
}

func TestNonceExpiry(t *testing.T) {
	s, clock := newTestStore()
	n := s.IssueNonce(addr, "")
	clock.advance(NonceTTL + time.Second)
	if _, err := s.ConsumeNonce(n.Value, addr); !errors.Is(err, identity.ErrNonceExpired) {
		t.Fatalf("ConsumeNonce(expired) = %v, want ErrNonceExpired", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s, clock := newTestStore()
	n := s.IssueNonce(addr, "0x00000000000000000000000000000000000000E9")
	consumed, err := s.ConsumeNonce(n.Value, addr)
	if err != nil {
		t.Fatal(err)
	}
	sess := s.CreateSession(addr, "0xsig", consumed)
	if sess.DelegateAddress != "0x00000000000000000000000000000000000000E9" {
		t.Fatalf("delegation not carried from nonce: %+v", sess)
	}

	got, err := s.Lookup(sess.Token)
	if err != nil || got.Address != addr {
		t.Fatalf("Lookup() = %+v, %v", got, err)
	}

	st := s.SessionStatus(sess.Token)
	if !st.Validated || st.ExpiresSoon || st.RemainingSeconds != int(SessionTTL.Seconds()) {
		t.Fatalf("SessionStatus() = %+v", st)
	}

	clock.advance(SessionTTL - 10*time.Minute)
	st = s.SessionStatus(sess.Token)
	if !st.Validated || !st.ExpiresSoon {
		t.Fatalf("SessionStatus(near expiry) = %+v", st)
	}

	clock.advance(20 * time.Minute)
	if _, err := s.Lookup(sess.Token); !errors.Is(err, ErrNoSuchSession) {
		t.Fatalf("Lookup(expired) = %v, want ErrNoSuchSession", err)
	}
	if st := s.SessionStatus(sess.Token); st.Validated {
		t.Fatalf("SessionStatus(expired) = %+v, want not validated", st)
	}
}

func TestDelegationAndCounter(t *testing.T) {
	s, _ := newTestStore()
	n := s.IssueNonce(addr, "0x00000000000000000000000000000000000000E9")
	consumed, _ := s.ConsumeNonce(n.Value, addr)
	sess := s.CreateSession(addr, "0xsig", consumed)

	del, ok := s.Delegation(sess.Token)
	if !ok || del.LastCounter != 0 {
		t.Fatalf("Delegation() = %+v, %v", del, ok)
	}

	s.AdvanceCounter(sess.Token, 5)
	if del, _ := s.Delegation(sess.Token); del.LastCounter != 5 {
		t.Fatalf("LastCounter = %d, want 5", del.LastCounter)
	}

	// Counters never move backwards.
	s.AdvanceCounter(sess.Token, 3)
	if del, _ := s.Delegation(sess.Token); del.LastCounter != 5 {
		t.Fatalf("LastCounter = %d after backwards advance, want 5", del.LastCounter)
	}
}

func TestDelegationAbsent(t *testing.T) {
	s, _ := newTestStore()
	sess := s.CreateSession(addr, "0xsig", &Nonce{})
	if _, ok := s.Delegation(sess.Token); ok {
		t.Fatal("Delegation() ok for session without delegate key")
	}
}

func TestRevoke(t *testing.T) {
	s, _ := newTestStore()
	sess := s.CreateSession(addr, "0xsig", nil)
	if !s.Revoke(sess.Token) {
		t.Fatal("Revoke() = false for live session")
	}
	if s.Revoke(sess.Token) {
		t.Fatal("Revoke() = true for already revoked session")
	}
	if _, err := s.Lookup(sess.Token); !errors.Is(err, ErrNoSuchSession) {
		t.Fatalf("Lookup(revoked) = %v, want ErrNoSuchSession", err)
	}
}

func TestSweep(t *testing.T) {
	s, clock := newTestStore()
	s.IssueNonce(addr, "")
	sess := s.CreateSession(addr, "0xsig", nil)

	if n := s.Sweep(); n != 0 {
		t.Fatalf("Sweep() = %d before expiry, want 0", n)
	}
	if got := s.ActiveSessions(); got != 1 {
		t.Fatalf("ActiveSessions() = %d, want 1", got)
	}

	clock.advance(SessionTTL + time.Minute)
	if n := s.Sweep(); n != 2 {
		t.Fatalf("Sweep() = %d, want 2 (one nonce, one session)", n)
	}
	if _, err := s.Lookup(sess.Token); !errors.Is(err, ErrNoSuchSession) {
		t.Fatalf("Lookup after sweep = %v, want ErrNoSuchSession", err)
	}
}
