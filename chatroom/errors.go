package chatroom

import (
	"errors"
	"fmt"

	"github.com/onnwee/tipchat/backend/identity"
	"github.com/onnwee/tipchat/backend/protocol"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrCapacityExceeded = errors.New("room capacity exceeded")
	ErrAccessDenied     = errors.New("access denied")
	ErrEmptyMessage     = errors.New("empty message")
)

// RateLimitedError reports an anonymous post rejected inside the cooldown
// window, carrying the remaining wait so clients can back off precisely.
type RateLimitedError struct {
	RemainingSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry in %ds", e.RemainingSeconds)
}

// errorFrame translates an operation failure into the error frame sent back
// on the requesting connection only. Errors are never broadcast.
func errorFrame(err error) protocol.ErrorFrame {
	var rl *RateLimitedError
	switch {
	case errors.As(err, &rl):
		f := protocol.NewError(protocol.ReasonRateLimited, err.Error())
		f.RetryAfter = rl.RemainingSeconds
		return f
	case errors.Is(err, ErrRoomNotFound):
		return protocol.NewError(protocol.ReasonRoomNotFound, err.Error())
	case errors.Is(err, ErrCapacityExceeded):
		return protocol.NewError(protocol.ReasonCapacity, err.Error())
	case errors.Is(err, ErrAccessDenied):
		return protocol.NewError(protocol.ReasonAccessDenied, err.Error())
	case errors.Is(err, ErrEmptyMessage):
		return protocol.NewError(protocol.ReasonEmptyMessage, err.Error())
	case errors.Is(err, identity.ErrNonceExpired),
		errors.Is(err, identity.ErrSignatureMismatch),
		errors.Is(err, identity.ErrDelegationExpired),
		errors.Is(err, identity.ErrCounterReplay),
		errors.Is(err, identity.ErrMalformedProof):
		return protocol.NewError(protocol.ReasonAuth, err.Error())
	default:
		return protocol.NewError(protocol.ReasonProtocol, err.Error())
	}
}
