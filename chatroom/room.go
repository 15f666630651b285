// Package chatroom is the single source of truth for room membership,
// bounded message history, and broadcast fan-out. All state mutation runs
// on one event loop (Manager.Run); connection handlers and the payment
// collaborator submit commands and never touch room state directly.
package chatroom

import (
	"time"

	"github.com/onnwee/tipchat/backend/protocol"
)

// Fixed room configuration. These are deliberately constants, not flags:
// the service has exactly two rooms with known bounds.
const (
	RoomPublic    = "public"
	RoomSupporter = "supporter"

	// MaxRoomUsers caps concurrent members per room.
	MaxRoomUsers = 100
	// MessageLogCap bounds each room's history; oldest entries are evicted
	// first, and history replay is capped to the same bound.
	MessageLogCap = 100
	// AnonPostCooldown is the per-address cooldown for anonymous public posts.
	AnonPostCooldown = 60 * time.Second
	// MinTipUSD is the minimum tip that qualifies an address as supporter.
	MinTipUSD = 0.01
)

// UserType labels on the wire.
const (
	UserTypePublic    = "public"
	UserTypeSupporter = "supporter"
)

// Member is the room manager's handle on one connected client. Deliver
// must not block: implementations enqueue onto a bounded send buffer and
// report false when the client cannot keep up.
type Member interface {
	ClientID() string
	Deliver(v any) bool
}

// memberState is the per-connection room data held in a membership map.
// The room references the member; the connection handler owns it.
type memberState struct {
	member    Member
	address   string
	userType  string
	validated bool
	joinedAt  time.Time
}

// room is one of the two broadcast domains.
type room struct {
	name    string
	members map[string]*memberState // keyed by client id
	log     []protocol.Message      // ascending by timestamp, len <= MessageLogCap
}

func newRoom(name string) *room {
	return &room{name: name, members: make(map[string]*memberState)}
}

// appendMessage adds m to the log, evicting exactly the oldest entry once
// the cap is reached.
func (r *room) appendMessage(m protocol.Message) {
	if len(r.log) >= MessageLogCap {
		r.log = append(r.log[:0], r.log[1:]...)
	}
	r.log = append(r.log, m)
}

// history returns the messages strictly newer than after (all of the
// bounded log when after is zero), ascending by timestamp.
func (r *room) history(after time.Time) []protocol.Message {
	out := make([]protocol.Message, 0, len(r.log))
	for _, m := range r.log {
		if after.IsZero() || m.Timestamp.After(after) {
			out = append(out, m)
		}
	}
	return out
}

// broadcast delivers v to every current member. Delivery order across
// members is unspecified; ordering across messages is FIFO because all
// broadcasts happen on the manager loop.
func (r *room) broadcast(v any) {
	for _, ms := range r.members {
		ms.member.Deliver(v)
	}
}
