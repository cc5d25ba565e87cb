package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes lifecycle events to registered subscribers in a fan-out
	// pattern. The bus is thread-safe and supports concurrent Publish,
	// Register and Close operations.
	//
	// Events are delivered synchronously in the publisher's goroutine, in
	// registration order, and iteration stops at the first subscriber error.
	// Critical subscribers (e.g. the execution store) can therefore halt the
	// publisher; best-effort subscribers must swallow their own failures.
	Bus interface {
		// Publish delivers the event to every currently registered
		// subscriber in registration order, stopping at the first error.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber and returns a Subscription that can be
		// closed to unregister. Register fails when sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published lifecycle events.
	//
	// HandleEvent should return an error only when processing fails in a way
	// that must halt the publisher; transient sink failures should be
	// handled inside the subscriber (see execstore and stream subscribers)
	// so other subscribers still receive the event.
	Subscriber interface {
		// HandleEvent processes a single event. The context originates from
		// the Publish call and carries its deadlines and cancellation.
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription represents an active registration on a Bus. Close removes
	// the subscriber; it is idempotent and always returns nil.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu sync.RWMutex
		// subs keeps registration order so subscribers observe events in a
		// stable sequence.
		subs []*subscription
	}

	subscription struct {
		bus  *bus
		sub  Subscriber
		once sync.Once
	}
)

// HandleEvent calls f.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewBus constructs an in-memory synchronous fan-out bus.
//
//	bus := hooks.NewBus()
//	subscription, _ := bus.Register(hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
//	    log.Printf("received: %s", evt.Type())
//	    return nil
//	}))
//	defer subscription.Close()
func NewBus() Bus {
	return &bus{}
}

// Publish delivers the event to a snapshot of the current subscribers, so
// registrations and removals during delivery do not affect this publish.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()
	for _, s := range subs {
		if err := s.sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register adds a subscriber to the bus.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, sub: sub}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus. Idempotent.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		for i, cur := range s.bus.subs {
			if cur == s {
				s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
				break
			}
		}
	})
	return nil
}
