package chatroom

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/tipchat/backend/identity"
	"github.com/onnwee/tipchat/backend/moderation"
	"github.com/onnwee/tipchat/backend/protocol"
	"github.com/onnwee/tipchat/backend/session"
	"github.com/onnwee/tipchat/backend/telemetry"
)

// GrantRecorder persists supporter grants to an optional durable ledger.
// Recording is best-effort and happens off the event loop.
type GrantRecorder interface {
	RecordGrant(ctx context.Context, address, proof string, amountUSD float64) error
}

// JoinRequest is the normalized input to a join operation.
type JoinRequest struct {
	Room            string
	Address         string
	UserType        string
	Proof           string // userSignature from the frame
	SessionToken    string
	LastMessageTime time.Time
}

// PostRequest is the normalized input to a post-message operation.
type PostRequest struct {
	Room         string
	Text         string
	Address      string
	Signature    string
	Counter      uint64
	SessionToken string
}

// GrantResult reports the outcome of a supporter grant.
type GrantResult struct {
	Granted bool // amount met the threshold
	New     bool // address was not on the allow-list before
}

// Snapshot is a point-in-time view of room state for the status endpoint.
type Snapshot struct {
	Rooms      map[string]int `json:"rooms"`
	Supporters int            `json:"supporters"`
}

// Manager owns the two rooms, the supporter allow-list, and the anonymous
// rate-limit table. All of that state is confined to the goroutine running
// Run; the exported methods only enqueue commands.
type Manager struct {
	cmds chan func()

	rooms        map[string]*room
	inRoom       map[string]string // client id -> room name currently joined
	supporters   map[string]string // lowercased address -> tip-qualifying proof
	lastAnonPost map[string]time.Time

	sessions *session.Store
	recorder GrantRecorder // nil when no ledger is configured
	now      func() time.Time
}

// NewManager builds a manager over the given session store. recorder may be
// nil.
func NewManager(sessions *session.Store, recorder GrantRecorder) *Manager {
	return &Manager{
		cmds:         make(chan func(), 256),
		rooms:        map[string]*room{RoomPublic: newRoom(RoomPublic), RoomSupporter: newRoom(RoomSupporter)},
		inRoom:       make(map[string]string),
		supporters:   make(map[string]string),
		lastAnonPost: make(map[string]time.Time),
		sessions:     sessions,
		recorder:     recorder,
		now:          time.Now,
	}
}

// Run processes commands until ctx is cancelled. Exactly one Run must be
// active; it is the only goroutine that touches room state.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case cmd := <-m.cmds:
			cmd()
		case <-ctx.Done():
			return
		}
	}
}

// submit enqueues one command. The channel is generously buffered; if it
// ever fills (loop stalled), submitting blocks, which backpressures the
// connection read pumps.
func (m *Manager) submit(cmd func()) { m.cmds <- cmd }

// Join asks the manager to move member into a room. The outcome is
// delivered on the member's connection (join_success + history, or an error
// frame).
func (m *Manager) Join(member Member, req JoinRequest) {
	m.submit(func() { m.handleJoin(member, req) })
}

// Leave removes member from a room. Idempotent; never produces an error
// frame.
func (m *Manager) Leave(member Member, roomName string) {
	m.submit(func() { m.handleLeave(member, roomName, true) })
}

// Post submits a chat message.
func (m *Manager) Post(member Member, req PostRequest) {
	m.submit(func() { m.handlePost(member, req) })
}

// CheckSupporter answers a supporter-status query on the member's
// connection. It never errors: any mismatch simply reads as "not a
// supporter".
func (m *Manager) CheckSupporter(member Member, address, proof string) {
	m.submit(func() { m.handleCheckSupporter(member, address, proof) })
}

// Disconnect performs cleanup after the transport closed. Safe to call
// even when the member never joined a room.
func (m *Manager) Disconnect(member Member) {
	m.submit(func() {
		if roomName, ok := m.inRoom[member.ClientID()]; ok {
			m.handleLeave(member, roomName, true)
		}
		delete(m.lastAnonPost, anonKey(identity.AnonymousAddress, member.ClientID()))
	})
}

// GrantSupporter is the inward-facing API the payment collaborator invokes
// when a tip clears. It blocks until the loop has processed the grant.
func (m *Manager) GrantSupporter(ctx context.Context, address, proof string, amountUSD float64) (GrantResult, error) {
	reply := make(chan GrantResult, 1)
	m.submit(func() { reply <- m.handleGrant(address, proof, amountUSD) })
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return GrantResult{}, ctx.Err()
	}
}

// SeedSupporters preloads the allow-list, used at startup to restore grants
// from the ledger. Must be called before Run.
func (m *Manager) SeedSupporters(grants map[string]string) {
	for addr, proof := range grants {
		m.supporters[strings.ToLower(addr)] = proof
	}
}

// Snapshot returns current room counts for the status endpoint.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	m.submit(func() {
		snap := Snapshot{Rooms: make(map[string]int, len(m.rooms)), Supporters: len(m.supporters)}
		for name, r := range m.rooms {
			snap.Rooms[name] = len(r.members)
		}
		reply <- snap
	})
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// --- command handlers (loop goroutine only) ---

func (m *Manager) handleJoin(member Member, req JoinRequest) {
	r, ok := m.rooms[req.Room]
	if !ok {
		m.reject(member, fmt.Errorf("%w: %q", ErrRoomNotFound, req.Room))
		return
	}
	address := normalizeAddress(req.Address)

	if _, already := r.members[member.ClientID()]; !already && len(r.members) >= MaxRoomUsers {
		m.reject(member, fmt.Errorf("%w: %s is full", ErrCapacityExceeded, req.Room))
		return
	}

	if req.Room == RoomSupporter {
		if err := m.checkSupporterAccess(address, req.Proof); err != nil {
			m.reject(member, err)
			return
		}
	}

	// Idempotent leave from whatever room the connection was in. A rejoin
	// of the same room stays silent so the member count doesn't flap.
	if prev, ok := m.inRoom[member.ClientID()]; ok {
		m.handleLeave(member, prev, prev != req.Room)
	}

	validated := m.sessionValidates(req.SessionToken, address)
	userType := UserTypePublic
	if req.Room == RoomSupporter || req.UserType == UserTypeSupporter && m.isSupporter(address) {
		userType = UserTypeSupporter
	}

	r.members[member.ClientID()] = &memberState{
		member:    member,
		address:   address,
		userType:  userType,
		validated: validated,
		joinedAt:  m.now().UTC(),
	}
	m.inRoom[member.ClientID()] = req.Room

	// History first, then the join acknowledgement, so a client always has
	// context before live traffic.
	member.Deliver(protocol.NewHistory(req.Room, r.history(req.LastMessageTime)))
	member.Deliver(protocol.NewJoinSuccess(req.Room, len(r.members)))
	r.broadcast(protocol.NewUserJoined(req.Room, len(r.members), displayAddress(address)))

	telemetry.IncJoins()
	telemetry.SetRoomMembers(req.Room, len(r.members))
	slog.Debug("member joined",
		slog.String("room", req.Room),
		slog.String("client", member.ClientID()),
		slog.String("address", address),
		slog.Bool("validated", validated))
}

// handleLeave removes the member if present. No-op when not a member.
func (m *Manager) handleLeave(member Member, roomName string, notify bool) {
	r, ok := m.rooms[roomName]
	if !ok {
		return
	}
	if _, isMember := r.members[member.ClientID()]; !isMember {
		return
	}
	delete(r.members, member.ClientID())
	if m.inRoom[member.ClientID()] == roomName {
		delete(m.inRoom, member.ClientID())
	}
	if notify {
		r.broadcast(protocol.NewUserLeft(roomName, len(r.members)))
	}
	telemetry.SetRoomMembers(roomName, len(r.members))
	slog.Debug("member left", slog.String("room", roomName), slog.String("client", member.ClientID()))
}

func (m *Manager) handlePost(member Member, req PostRequest) {
	r, ok := m.rooms[req.Room]
	if !ok {
		m.reject(member, fmt.Errorf("%w: %q", ErrRoomNotFound, req.Room))
		return
	}
	ms, isMember := r.members[member.ClientID()]
	if !isMember {
		m.reject(member, fmt.Errorf("%w: not a member of %s", ErrAccessDenied, req.Room))
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		m.reject(member, ErrEmptyMessage)
		return
	}
	address := ms.address
	now := m.now().UTC()

	// The allow-list is consulted on every supporter-room message, not
	// just at join time.
	if req.Room == RoomSupporter && !m.isSupporter(address) {
		m.reject(member, fmt.Errorf("%w: not on supporter list", ErrAccessDenied))
		return
	}

	// Identity verification applies to supporter-room posts and to any
	// non-anonymous poster claiming validated status via a delegated
	// signature. Anonymous public posts skip it entirely.
	outcome := identity.OutcomeAnonymous
	claimsDelegated := req.SessionToken != "" && req.Signature != ""
	if claimsDelegated && (req.Room == RoomSupporter || address != identity.AnonymousAddress) {
		// The session must belong to the address this membership claims;
		// a valid delegation for some other wallet must not validate
		// messages attributed to this one.
		if !m.sessionValidates(req.SessionToken, address) {
			m.reject(member, identity.ErrSignatureMismatch)
			return
		}
		del, ok := m.sessions.Delegation(req.SessionToken)
		if !ok {
			m.reject(member, identity.ErrDelegationExpired)
			return
		}
		if err := identity.VerifyDelegated(del, req.SessionToken, text, req.Counter, req.Signature, now); err != nil {
			m.reject(member, err)
			return
		}
		m.sessions.AdvanceCounter(req.SessionToken, req.Counter)
		outcome = identity.OutcomeValidatedDelegated
	}

	// Anonymous public posters are rate limited per claimed address,
	// falling back to the connection id for the anonymous sentinel.
	if req.Room == RoomPublic && !outcome.Validated() && !ms.validated {
		key := anonKey(address, member.ClientID())
		if last, ok := m.lastAnonPost[key]; ok {
			if elapsed := now.Sub(last); elapsed < AnonPostCooldown {
				remaining := int((AnonPostCooldown - elapsed).Seconds() + 0.999)
				m.reject(member, &RateLimitedError{RemainingSeconds: remaining})
				return
			}
		}
		// Prune periodically so address-keyed entries don't accumulate
		// for the process lifetime.
		if len(m.lastAnonPost)%128 == 0 {
			m.pruneAnonPosts(now)
		}
		m.lastAnonPost[key] = now
	}

	res := moderation.Filter(text)
	msg := protocol.Message{
		ID:              uuid.New().String(),
		Room:            req.Room,
		Message:         res.Text,
		OriginalMessage: res.Original,
		Filtered:        res.Filtered,
		UserAddress:     address,
		DisplayName:     displayName(address, member.ClientID()),
		UserType:        ms.userType,
		Validated:       outcome.Validated() || ms.validated,
		Timestamp:       now,
		Signature:       req.Signature,
	}
	r.appendMessage(msg)
	r.broadcast(protocol.NewChatBroadcast(msg))

	telemetry.IncMessages(res.Filtered)
	slog.Debug("message posted",
		slog.String("room", req.Room),
		slog.String("client", member.ClientID()),
		slog.String("auth", outcome.String()),
		slog.Bool("filtered", res.Filtered))
}

// handleCheckSupporter responds with a boolean and no side effects. Any
// failure reads as false so the error channel never leaks allow-list
// membership.
func (m *Manager) handleCheckSupporter(member Member, address, proof string) {
	address = normalizeAddress(address)
	ok := false
	if stored, found := m.supporters[strings.ToLower(address)]; found {
		ok = proof != "" && stored == proof
	}
	member.Deliver(protocol.NewSupporterStatus(address, ok))
}

func (m *Manager) handleGrant(address, proof string, amountUSD float64) GrantResult {
	if amountUSD < MinTipUSD {
		slog.Warn("tip below supporter threshold, ignoring",
			slog.String("address", address),
			slog.Float64("amount_usd", amountUSD),
			slog.Float64("min_usd", MinTipUSD))
		return GrantResult{}
	}
	key := strings.ToLower(address)
	_, existing := m.supporters[key]
	m.supporters[key] = proof // a repeat grant refreshes the stored proof

	if !existing {
		// Notify the supporter room so connected clients observing counts
		// see the change. This does not move any connection; the client
		// re-issues join_chat.
		r := m.rooms[RoomSupporter]
		r.broadcast(protocol.NewUserJoined(RoomSupporter, len(r.members), displayAddress(address)))
		telemetry.IncSupporterGrants()
		slog.Info("supporter granted", slog.String("address", address), slog.Float64("amount_usd", amountUSD))
	}

	if m.recorder != nil {
		// Ledger writes are best-effort and kept off the event loop.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.recorder.RecordGrant(ctx, address, proof, amountUSD); err != nil {
				slog.Error("grant ledger write failed", slog.Any("err", err), slog.String("address", address))
			}
		}()
	}
	return GrantResult{Granted: true, New: !existing}
}

// --- helpers (loop goroutine only) ---

// reject sends an error frame to the requesting connection. Errors stay
// local; they are never broadcast.
func (m *Manager) reject(member Member, err error) {
	member.Deliver(errorFrame(err))
	telemetry.IncChatErrors()
}

// checkSupporterAccess enforces the supporter-room allow-list at join time:
// the claimed address must be granted and the supplied proof must match the
// stored tip-qualifying signature.
func (m *Manager) checkSupporterAccess(address, proof string) error {
	if address == identity.AnonymousAddress {
		return fmt.Errorf("%w: supporter room requires a wallet address", ErrAccessDenied)
	}
	stored, ok := m.supporters[strings.ToLower(address)]
	if !ok {
		return fmt.Errorf("%w: address not on supporter list", ErrAccessDenied)
	}
	if proof == "" || stored != proof {
		return fmt.Errorf("%w: supporter proof mismatch", ErrAccessDenied)
	}
	return nil
}

// pruneAnonPosts drops cooldown entries that can no longer reject a post.
func (m *Manager) pruneAnonPosts(now time.Time) {
	for key, last := range m.lastAnonPost {
		if now.Sub(last) >= AnonPostCooldown {
			delete(m.lastAnonPost, key)
		}
	}
}

func (m *Manager) isSupporter(address string) bool {
	_, ok := m.supporters[strings.ToLower(address)]
	return ok
}

// sessionValidates reports whether token names a live session for address.
func (m *Manager) sessionValidates(token, address string) bool {
	if token == "" || address == identity.AnonymousAddress {
		return false
	}
	sess, err := m.sessions.Lookup(token)
	return err == nil && strings.EqualFold(sess.Address, address)
}

func normalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return identity.AnonymousAddress
	}
	return address
}

// anonKey picks the rate-limit key: claimed address when present, else the
// connection's client id.
func anonKey(address, clientID string) string {
	if address == "" || address == identity.AnonymousAddress {
		return "conn:" + clientID
	}
	return strings.ToLower(address)
}

// displayName derives the name shown next to a message.
func displayName(address, clientID string) string {
	if address == identity.AnonymousAddress {
		if len(clientID) >= 8 {
			return "anon-" + clientID[:8]
		}
		return "anon-" + clientID
	}
	return displayAddress(address)
}

// displayAddress shortens a wallet address for display (0x1234…abcd).
func displayAddress(address string) string {
	if address == identity.AnonymousAddress || len(address) < 12 {
		return address
	}
	return address[:6] + "…" + address[len(address)-4:]
}
