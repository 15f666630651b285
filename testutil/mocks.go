// Package testutil holds shared test fakes for the chat service.
package testutil

import (
	"sync"
)

// FakeMember is a chatroom.Member that records everything delivered to it.
type FakeMember struct {
	ID   string
	Full bool // when true, Deliver reports a saturated send buffer

	mu     sync.Mutex
	frames []any
}

func NewFakeMember(id string) *FakeMember {
	return &FakeMember{ID: id}
}

func (f *FakeMember) ClientID() string { return f.ID }

func (f *FakeMember) Deliver(v any) bool {
	if f.Full {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, v)
	return true
}

// Frames returns a copy of everything delivered so far.
func (f *FakeMember) Frames() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.frames))
	copy(out, f.frames)
	return out
}

// LastFrame returns the most recently delivered frame, or nil.
func (f *FakeMember) LastFrame() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

// Reset clears recorded frames.
func (f *FakeMember) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}
