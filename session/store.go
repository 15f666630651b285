// Package session holds the in-memory registry of authentication state:
// single-use sign-in nonces and validated sessions with their optional
// delegation records. The store is the owner of this state; other
// components hold only tokens. A periodic sweep evicts expired entries.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/tipchat/backend/identity"
)

const (
	// NonceTTL bounds how long a sign-in challenge stays valid.
	NonceTTL = 5 * time.Minute
	// SessionTTL bounds a validated session's lifetime.
	SessionTTL = 24 * time.Hour
	// DelegationTTL bounds how long an ephemeral key may sign messages.
	DelegationTTL = 24 * time.Hour
	// SweepInterval is how often expired entries are evicted.
	SweepInterval = time.Minute
	// ExpiresSoonWindow is the remaining lifetime below which session-status
	// responses flag the session as expiring soon.
	ExpiresSoonWindow = 15 * time.Minute
)

var (
	ErrNoSuchNonce   = errors.New("unknown or already used nonce")
	ErrNoSuchSession = errors.New("unknown or expired session")
)

// Nonce is one outstanding sign-in challenge.
type Nonce struct {
	Value       string
	Address     string
	DelegateKey string // ephemeral key address the delegation will bind, optional
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Session is one validated authentication session. The token doubles as the
// session id in delegated-signature payloads.
type Session struct {
	Token             string
	Address           string
	Proof             string // main-address signature over the sign-in statement
	CreatedAt         time.Time
	ExpiresAt         time.Time
	DelegateAddress   string // empty when no delegation was requested
	DelegateExpiresAt time.Time
	lastCounter       uint64
}

// Status is the session-status endpoint's view of a session.
type Status struct {
	Validated        bool
	Address          string
	ExpiresAt        time.Time
	ExpiresSoon      bool
	RemainingSeconds int
}

// Store is the process-wide session/nonce registry. All methods are safe
// for concurrent use; the room manager's event loop and the HTTP handshake
// handlers share one instance.
type Store struct {
	mu       sync.Mutex
	nonces   map[string]*Nonce
	sessions map[string]*Session
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		nonces:   make(map[string]*Nonce),
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// IssueNonce creates a single-use challenge bound to address and, when the
// caller intends delegated signing, to an ephemeral key address.
func (s *Store) IssueNonce(address, delegateKey string) *Nonce {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	n := &Nonce{
		Value:       uuid.New().String(),
		Address:     address,
		DelegateKey: delegateKey,
		IssuedAt:    now,
		ExpiresAt:   now.Add(NonceTTL),
	}
	s.nonces[n.Value] = n
	return n
}

// ConsumeNonce atomically looks up and removes a nonce. An expired nonce is
// removed and reported as identity.ErrNonceExpired; a nonce issued for a
// different address is treated as unknown.
func (s *Store) ConsumeNonce(value, address string) (*Nonce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nonces[value]
	if !ok || !strings.EqualFold(n.Address, address) {
		return nil, ErrNoSuchNonce
	}
	delete(s.nonces, value)
	if s.now().UTC().After(n.ExpiresAt) {
		return nil, identity.ErrNonceExpired
	}
	return n, nil
}

// CreateSession records a validated handshake. When the consumed nonce was
// bound to a delegate key, the session carries a delegation record with its
// own expiry and a zeroed counter.
func (s *Store) CreateSession(address, proof string, n *Nonce) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	sess := &Session{
		Token:     uuid.New().String(),
		Address:   address,
		Proof:     proof,
		CreatedAt: now,
		ExpiresAt: now.Add(SessionTTL),
	}
	if n != nil && n.DelegateKey != "" {
		sess.DelegateAddress = n.DelegateKey
		sess.DelegateExpiresAt = now.Add(DelegationTTL)
	}
	s.sessions[sess.Token] = sess
	return sess
}

// Lookup returns a snapshot of an unexpired session.
func (s *Store) Lookup(token string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok || s.now().UTC().After(sess.ExpiresAt) {
		return Session{}, ErrNoSuchSession
	}
	return *sess, nil
}

// Delegation returns the delegation view for one session, for use with
// identity.VerifyDelegated. ok is false when the session is missing,
// expired, or carries no delegation.
func (s *Store) Delegation(token string) (identity.Delegation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok || s.now().UTC().After(sess.ExpiresAt) || sess.DelegateAddress == "" {
		return identity.Delegation{}, false
	}
	return identity.Delegation{
		DelegateAddress: sess.DelegateAddress,
		ExpiresAt:       sess.DelegateExpiresAt,
		LastCounter:     sess.lastCounter,
	}, true
}

// AdvanceCounter records the counter of an accepted delegated message.
// Counters only move forward.
func (s *Store) AdvanceCounter(token string, counter uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[token]; ok && counter > sess.lastCounter {
		sess.lastCounter = counter
	}
}

// SessionStatus reports validity and remaining lifetime for the
// session-status endpoint. Unknown or expired tokens yield a zero Status
// with Validated=false rather than an error.
func (s *Store) SessionStatus(token string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return Status{}
	}
	now := s.now().UTC()
	remaining := sess.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return Status{Address: sess.Address, ExpiresAt: sess.ExpiresAt}
	}
	return Status{
		Validated:        true,
		Address:          sess.Address,
		ExpiresAt:        sess.ExpiresAt,
		ExpiresSoon:      remaining < ExpiresSoonWindow,
		RemainingSeconds: int(remaining.Seconds()),
	}
}

// Revoke removes a session (logout). Reports whether it existed.
func (s *Store) Revoke(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[token]
	delete(s.sessions, token)
	return ok
}

// ActiveSessions counts unexpired sessions.
func (s *Store) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	n := 0
	for _, sess := range s.sessions {
		if !now.After(sess.ExpiresAt) {
			n++
		}
	}
	return n
}

// Sweep deletes entries whose expiry has already passed and returns how
// many were removed. Only already-expired entries are touched, so a
// concurrent request either sees the entry or correctly treats it as
// expired.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	removed := 0
	for v, n := range s.nonces {
		if now.After(n.ExpiresAt) {
			delete(s.nonces, v)
			removed++
		}
	}
	for t, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, t)
			removed++
		}
	}
	return removed
}

// StartSweeper runs the periodic sweep until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				slog.Debug("session sweep", slog.Int("evicted", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
