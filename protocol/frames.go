// Package protocol defines the JSON frame schema spoken over the chat
// WebSocket and normalizes historical field-name variants at the boundary,
// so that ambiguity never propagates past the connection handler.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Inbound frame kinds.
const (
	KindJoinChat    = "join_chat"
	KindLeaveChat   = "leave_chat"
	KindChatMessage = "chat_message"
	KindIsSupporter = "is_supporter"
)

// Outbound frame kinds.
const (
	KindConnection         = "connection"
	KindJoinSuccess        = "join_success"
	KindHistoricalMessages = "historical_messages"
	KindUserJoined         = "user_joined"
	KindUserLeft           = "user_left"
	KindSupporterStatus    = "supporter_status"
	KindError              = "error"
)

// Error reason codes carried on error frames.
const (
	ReasonProtocol     = "protocol_error"
	ReasonRoomNotFound = "room_not_found"
	ReasonCapacity     = "capacity_exceeded"
	ReasonAccessDenied = "access_denied"
	ReasonRateLimited  = "rate_limited"
	ReasonEmptyMessage = "empty_message"
	ReasonAuth         = "auth_error"
)

// Inbound is the canonical internal shape of a client frame after
// normalization. Raw frames arrive with a handful of historical aliases
// (message vs content, userAddress vs sender, userSignature vs signature);
// ParseInbound maps them all onto this one schema.
type Inbound struct {
	Type            string
	Room            string
	UserAddress     string
	UserType        string
	UserSignature   string
	Message         string
	MessageType     string
	Counter         uint64
	SessionToken    string
	LastMessageTime time.Time // zero when absent
}

// rawInbound mirrors every field name variant observed on the wire.
type rawInbound struct {
	Type            string  `json:"type"`
	Room            string  `json:"room"`
	UserAddress     string  `json:"userAddress"`
	Sender          string  `json:"sender"`
	UserType        string  `json:"userType"`
	UserSignature   string  `json:"userSignature"`
	Signature       string  `json:"signature"`
	Message         string  `json:"message"`
	Content         string  `json:"content"`
	MessageType     string  `json:"messageType"`
	Counter         uint64  `json:"counter"`
	SessionToken    string  `json:"sessionToken"`
	LastMessageTime float64 `json:"lastMessageTime"` // unix millis
}

// ParseInbound decodes and normalizes one client frame. It rejects frames
// with no recognizable type; field-level validation is left to the
// dispatching operation.
func ParseInbound(data []byte) (*Inbound, error) {
	var raw rawInbound
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	kind := strings.TrimSpace(raw.Type)
	switch kind {
	case KindJoinChat, KindLeaveChat, KindChatMessage, KindIsSupporter:
	case "":
		return nil, fmt.Errorf("frame missing type")
	default:
		return nil, fmt.Errorf("unknown frame type %q", kind)
	}

	in := &Inbound{
		Type:         kind,
		Room:         strings.TrimSpace(raw.Room),
		UserAddress:  firstNonEmpty(raw.UserAddress, raw.Sender),
		UserType:     strings.TrimSpace(raw.UserType),
		Message:      firstNonEmpty(raw.Message, raw.Content),
		MessageType:  strings.TrimSpace(raw.MessageType),
		Counter:      raw.Counter,
		SessionToken: strings.TrimSpace(raw.SessionToken),
	}
	in.UserSignature = firstNonEmpty(raw.UserSignature, raw.Signature)
	if raw.LastMessageTime > 0 {
		in.LastMessageTime = time.UnixMilli(int64(raw.LastMessageTime)).UTC()
	}
	return in, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// Message is the wire form of a chat message, used both for live broadcasts
// and for history replay.
type Message struct {
	ID              string    `json:"id"`
	Room            string    `json:"room"`
	Message         string    `json:"message"`
	OriginalMessage string    `json:"originalMessage,omitempty"`
	Filtered        bool      `json:"filtered"`
	UserAddress     string    `json:"userAddress"`
	DisplayName     string    `json:"displayName"`
	UserType        string    `json:"userType"`
	Validated       bool      `json:"validated"`
	Timestamp       time.Time `json:"timestamp"`
	Signature       string    `json:"signature,omitempty"`
}

// Outbound frames. Each has a fixed Type tag so clients can switch on it.

type Connection struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

type JoinSuccess struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	RoomCount int    `json:"roomCount"`
}

type HistoricalMessages struct {
	Type     string    `json:"type"`
	Room     string    `json:"room"`
	Messages []Message `json:"messages"`
}

type ChatBroadcast struct {
	Type string `json:"type"`
	Message
}

type UserJoined struct {
	Type        string `json:"type"`
	Room        string `json:"room"`
	RoomCount   int    `json:"roomCount"`
	UserAddress string `json:"userAddress,omitempty"`
}

type UserLeft struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	RoomCount int    `json:"roomCount"`
}

type SupporterStatus struct {
	Type        string `json:"type"`
	UserAddress string `json:"userAddress"`
	IsSupporter bool   `json:"isSupporter"`
}

type ErrorFrame struct {
	Type       string `json:"type"`
	Reason     string `json:"reason"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"` // seconds, rate limiting only
}

func NewConnection(clientID string) Connection {
	return Connection{Type: KindConnection, ClientID: clientID}
}

func NewJoinSuccess(room string, count int) JoinSuccess {
	return JoinSuccess{Type: KindJoinSuccess, Room: room, RoomCount: count}
}

func NewHistory(room string, msgs []Message) HistoricalMessages {
	return HistoricalMessages{Type: KindHistoricalMessages, Room: room, Messages: msgs}
}

func NewChatBroadcast(m Message) ChatBroadcast {
	return ChatBroadcast{Type: KindChatMessage, Message: m}
}

func NewUserJoined(room string, count int, addr string) UserJoined {
	return UserJoined{Type: KindUserJoined, Room: room, RoomCount: count, UserAddress: addr}
}

func NewUserLeft(room string, count int) UserLeft {
	return UserLeft{Type: KindUserLeft, Room: room, RoomCount: count}
}

func NewSupporterStatus(addr string, ok bool) SupporterStatus {
	return SupporterStatus{Type: KindSupporterStatus, UserAddress: addr, IsSupporter: ok}
}

func NewError(reason, msg string) ErrorFrame {
	return ErrorFrame{Type: KindError, Reason: reason, Message: msg}
}
