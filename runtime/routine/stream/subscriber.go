package stream

import (
	"context"
	"errors"
	"time"

	"flowstate.dev/flowstate/runtime/routine/hooks"
	"flowstate.dev/flowstate/runtime/routine/telemetry"
)

// Subscriber defaults.
const (
	// DefaultMaxAttempts bounds delivery attempts per event.
	DefaultMaxAttempts = 3
	// DefaultRetryDelay is the base delay between attempts; it grows linearly
	// with the attempt number.
	DefaultRetryDelay = 100 * time.Millisecond
)

// SubscriberOptions configures a Subscriber. Nil fields fall back to no-op
// telemetry and the package defaults.
type SubscriberOptions struct {
	// Logger receives a warning for every dropped event.
	Logger telemetry.Logger

	// Metrics counts dropped events under telemetry.MetricPublishFailures.
	Metrics telemetry.Metrics

	// MaxAttempts bounds delivery attempts per event. Zero means
	// DefaultMaxAttempts.
	MaxAttempts int

	// RetryDelay is the base delay between attempts. Zero means
	// DefaultRetryDelay.
	RetryDelay time.Duration
}

// Subscriber receives lifecycle events from the hooks bus, translates them
// into stream events and forwards them to a Sink. Delivery is best-effort:
// after MaxAttempts failed sends the event is logged, counted and dropped, so
// a broken transport never fails the execution.
type Subscriber struct {
	sink        Sink
	logger      telemetry.Logger
	metrics     telemetry.Metrics
	maxAttempts int
	retryDelay  time.Duration
}

// NewSubscriber constructs a Subscriber forwarding to the given sink.
func NewSubscriber(sink Sink, opts *SubscriberOptions) (*Subscriber, error) {
	if sink == nil {
		return nil, errors.New("stream sink is required")
	}
	s := &Subscriber{
		sink:        sink,
		logger:      telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
	}
	if opts != nil {
		if opts.Logger != nil {
			s.logger = opts.Logger
		}
		if opts.Metrics != nil {
			s.metrics = opts.Metrics
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

// HandleEvent implements hooks.Subscriber. Every lifecycle event has a stream
// projection; sink failures are retried then swallowed.
func (s *Subscriber) HandleEvent(ctx context.Context, event hooks.Event) error {
	se := translate(event)
	if se == nil {
		return nil
	}

	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err = s.sink.Send(ctx, se); err == nil {
			return nil
		}
		if attempt == s.maxAttempts || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(s.retryDelay * time.Duration(attempt)):
		}
	}

	s.logger.Warn(ctx, "stream event dropped",
		"type", string(se.Type()), "executionId", se.ExecutionID(), "error", err.Error())
	s.metrics.IncCounter(telemetry.MetricPublishFailures, 1, "type", string(se.Type()))
	return nil
}

// translate maps a hooks event onto its stream projection.
func translate(event hooks.Event) Event {
	switch evt := event.(type) {
	case *hooks.ExecutionCreatedEvent:
		return NewExecutionCreated(evt.ExecutionID(), evt.RoutineID(), ExecutionCreatedPayload{
			UserID:      evt.UserID,
			TriggerType: evt.TriggerType,
			Status:      evt.Status,
			Timestamp:   evt.Timestamp(),
		})
	case *hooks.ExecutionUpdatedEvent:
		return NewExecutionUpdated(evt.ExecutionID(), evt.RoutineID(), ExecutionUpdatedPayload{
			Status:        evt.Status,
			Error:         evt.Error,
			ExecutionPath: evt.Path,
			Timestamp:     evt.Timestamp(),
		})
	case *hooks.NodeStartedEvent:
		return NewNodeStarted(evt.ExecutionID(), evt.RoutineID(), NodeStartedPayload{
			NodeID:     evt.NodeID,
			ContextKey: evt.ContextKey,
			Iteration:  evt.Iteration,
			Timestamp:  evt.Timestamp(),
		})
	case *hooks.NodeCompletedEvent:
		return NewNodeCompleted(evt.ExecutionID(), evt.RoutineID(), NodeCompletedPayload{
			NodeID:     evt.NodeID,
			ContextKey: evt.ContextKey,
			Result:     evt.Result,
			Timestamp:  evt.Timestamp(),
		})
	case *hooks.NodeFailedEvent:
		return NewNodeFailed(evt.ExecutionID(), evt.RoutineID(), NodeFailedPayload{
			NodeID:     evt.NodeID,
			ContextKey: evt.ContextKey,
			Error:      evt.Error,
			Result:     evt.Result,
			Timestamp:  evt.Timestamp(),
		})
	default:
		return nil
	}
}
