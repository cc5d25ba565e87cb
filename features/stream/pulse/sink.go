// Package pulse exposes a stream.Sink implementation that publishes execution
// progress to goa.design/pulse streams. Services build a Redis client, pass it
// to the Pulse client, and hand the resulting sink to the runtime; an
// observability UI tails the per-execution stream to render timelines live.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "flowstate.dev/flowstate/features/stream/pulse/clients/pulse"
	"flowstate.dev/flowstate/runtime/routine/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults to
		// `execution/<ExecutionID>`.
		StreamID func(stream.Event) (string, error)
		// MarshalEnvelope overrides the envelope serialization (primarily for
		// tests).
		MarshalEnvelope func(envelope) ([]byte, error)
	}

	// Sink publishes execution stream events into Pulse streams. Safe for
	// concurrent Send calls.
	Sink struct {
		client   clientspulse.Client
		streamID func(stream.Event) (string, error)
		marshal  func(envelope) ([]byte, error)
	}

	// envelope wraps execution events for transmission over Pulse streams.
	envelope struct {
		// Type identifies the event kind (e.g. "nodeCompleted").
		Type string `json:"type"`
		// ExecutionID links the event to one execution.
		ExecutionID string `json:"execution_id"`
		// RoutineID identifies the routine definition the execution runs.
		RoutineID string `json:"routine_id,omitempty"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload contains the event-specific data, if any.
		Payload any `json:"payload,omitempty"`
	}
)

// ExecutionStreamID returns the Pulse stream name carrying the given
// execution's events.
func ExecutionStreamID(executionID string) string {
	return fmt.Sprintf("execution/%s", executionID)
}

// NewSink constructs a Pulse-backed stream sink. The Client field in opts is
// required; StreamID and MarshalEnvelope default to the built-in
// implementations.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{
		client:   opts.Client,
		streamID: opts.StreamID,
		marshal:  opts.MarshalEnvelope,
	}
	if s.streamID == nil {
		s.streamID = executionStreamID
	}
	if s.marshal == nil {
		s.marshal = func(env envelope) ([]byte, error) { return json.Marshal(env) }
	}
	return s, nil
}

// Send publishes the event to the derived Pulse stream.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	streamID, err := s.streamID(event)
	if err != nil {
		return err
	}
	payload, err := s.marshal(envelope{
		Type:        string(event.Type()),
		ExecutionID: event.ExecutionID(),
		RoutineID:   event.RoutineID(),
		Timestamp:   time.Now().UTC(),
		Payload:     event.Payload(),
	})
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	_, err = handle.Add(ctx, string(event.Type()), payload)
	return err
}

// Close releases resources owned by the sink by delegating to the underlying
// Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func executionStreamID(event stream.Event) (string, error) {
	if event.ExecutionID() == "" {
		return "", errors.New("stream event missing execution id")
	}
	return ExecutionStreamID(event.ExecutionID()), nil
}
