package execstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flowstate.dev/flowstate/runtime/routine/hooks"
	"flowstate.dev/flowstate/runtime/routine/state"
	"flowstate.dev/flowstate/runtime/routine/telemetry"
)

// Subscriber defaults.
const (
	// DefaultMaxAttempts bounds write attempts per event.
	DefaultMaxAttempts = 3
	// DefaultRetryDelay is the base delay between attempts; it grows linearly
	// with the attempt number.
	DefaultRetryDelay = 100 * time.Millisecond
)

// SubscriberOptions configures a Subscriber.
type SubscriberOptions struct {
	// Logger receives a warning per failed write attempt.
	Logger telemetry.Logger

	// MaxAttempts bounds write attempts per event. Zero means
	// DefaultMaxAttempts.
	MaxAttempts int

	// RetryDelay is the base delay between attempts. Zero means
	// DefaultRetryDelay.
	RetryDelay time.Duration
}

// Subscriber receives lifecycle events from the hooks bus and writes them to
// a Store. Unlike the stream subscriber, a write that still fails after the
// bounded retries is returned to the publisher: the store is the durable
// record, so the publishing activity must retry the event rather than drop
// it. Store writes are idempotent, making the resulting at-least-once
// delivery safe.
type Subscriber struct {
	store       Store
	logger      telemetry.Logger
	maxAttempts int
	retryDelay  time.Duration
}

// NewSubscriber constructs a Subscriber writing to the given store.
func NewSubscriber(store Store, opts *SubscriberOptions) (*Subscriber, error) {
	if store == nil {
		return nil, errors.New("execution store is required")
	}
	s := &Subscriber{
		store:       store,
		logger:      telemetry.NewNoopLogger(),
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
	}
	if opts != nil {
		if opts.Logger != nil {
			s.logger = opts.Logger
		}
		if opts.MaxAttempts > 0 {
			s.maxAttempts = opts.MaxAttempts
		}
		if opts.RetryDelay > 0 {
			s.retryDelay = opts.RetryDelay
		}
	}
	return s, nil
}

// HandleEvent implements hooks.Subscriber.
func (s *Subscriber) HandleEvent(ctx context.Context, event hooks.Event) error {
	switch evt := event.(type) {
	case *hooks.ExecutionCreatedEvent:
		return s.retry(ctx, event, func(ctx context.Context) error {
			return s.store.CreateExecution(ctx, &Execution{
				ExecutionID: evt.ExecutionID(),
				RoutineID:   evt.RoutineID(),
				UserID:      evt.UserID,
				TriggerType: evt.TriggerType,
				Status:      evt.Status,
				StartedAt:   time.UnixMilli(evt.Timestamp()).UTC(),
			})
		})

	case *hooks.ExecutionUpdatedEvent:
		return s.retry(ctx, event, func(ctx context.Context) error {
			var completedAt time.Time
			if evt.Status.Terminal() {
				completedAt = time.UnixMilli(evt.Timestamp()).UTC()
			}
			return s.store.UpdateStatus(ctx, evt.ExecutionID(), evt.Status, evt.Error, evt.Path, completedAt)
		})

	case *hooks.NodeStartedEvent:
		return s.retry(ctx, event, func(ctx context.Context) error {
			return s.store.UpsertNodeResult(ctx, evt.ExecutionID(), &state.NodeResult{
				NodeID:     evt.NodeID,
				ContextKey: evt.ContextKey,
				Status:     state.StatusRunning,
				StartedAt:  time.UnixMilli(evt.Timestamp()).UTC(),
			})
		})

	case *hooks.NodeCompletedEvent:
		return s.retry(ctx, event, func(ctx context.Context) error {
			return s.store.UpsertNodeResult(ctx, evt.ExecutionID(), evt.Result)
		})

	case *hooks.NodeFailedEvent:
		return s.retry(ctx, event, func(ctx context.Context) error {
			return s.store.UpsertNodeResult(ctx, evt.ExecutionID(), evt.Result)
		})

	default:
		return nil
	}
}

// retry runs the write up to maxAttempts times before giving the error back
// to the publisher.
func (s *Subscriber) retry(ctx context.Context, event hooks.Event, write func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err = write(ctx); err == nil {
			return nil
		}
		s.logger.Warn(ctx, "execution store write failed",
			"type", string(event.Type()), "executionId", event.ExecutionID(),
			"attempt", attempt, "error", err.Error())
		if attempt == s.maxAttempts || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(s.retryDelay * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("execstore: %s write for execution %s: %w", event.Type(), event.ExecutionID(), err)
}
