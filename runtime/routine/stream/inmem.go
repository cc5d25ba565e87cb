package stream

import (
	"context"
	"errors"
	"sync"
)

// InMem is an in-memory Sink that buffers events in arrival order. Used by
// tests and local single-process runs.
type InMem struct {
	mu     sync.Mutex
	closed bool
	events []Event
}

// Compile-time check that InMem implements Sink.
var _ Sink = (*InMem)(nil)

// NewInMem creates an empty in-memory sink.
func NewInMem() *InMem {
	return &InMem{}
}

// Send buffers the event.
func (s *InMem) Send(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stream: sink closed")
	}
	s.events = append(s.events, event)
	return nil
}

// Close marks the sink closed. Idempotent.
func (s *InMem) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Events returns a copy of the buffered events in arrival order.
func (s *InMem) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByType returns the buffered events of one type in arrival order.
func (s *InMem) ByType(t EventType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, evt := range s.events {
		if evt.Type() == t {
			out = append(out, evt)
		}
	}
	return out
}
