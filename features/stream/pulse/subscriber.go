package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "flowstate.dev/flowstate/features/stream/pulse/clients/pulse"
	"flowstate.dev/flowstate/runtime/routine/stream"
)

type (
	// EnvelopeDecoder converts raw payloads read from Pulse into stream
	// events. Custom decoders handle non-standard envelope formats.
	EnvelopeDecoder func([]byte) (stream.Event, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "flowstate_subscriber".
		SinkName string
		// Buffer specifies the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes event payloads. Defaults to the built-in JSON
		// envelope decoder.
		Decoder EnvelopeDecoder
	}

	// Subscriber consumes execution streams and emits decoded stream events.
	// An observability UI uses it to tail `execution/<id>` live.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode EnvelopeDecoder
	}

	// decodedEvent implements stream.Event for Pulse-decoded envelopes. The
	// payload stays raw JSON so consumers unmarshal into the shape they need.
	decodedEvent struct {
		t stream.EventType
		e string
		r string
		b json.RawMessage
	}
)

func (e decodedEvent) Type() stream.EventType { return e.t }
func (e decodedEvent) ExecutionID() string    { return e.e }
func (e decodedEvent) RoutineID() string      { return e.r }
func (e decodedEvent) Payload() any           { return e.b }

// NewSubscriber constructs a Pulse-backed subscriber. The Client field in
// opts is required; SinkName, Buffer and Decoder default per their field
// documentation.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sub := &Subscriber{
		client: opts.Client,
		buffer: opts.Buffer,
		name:   opts.SinkName,
		decode: opts.Decoder,
	}
	if sub.buffer <= 0 {
		sub.buffer = 64
	}
	if sub.name == "" {
		sub.name = "flowstate_subscriber"
	}
	if sub.decode == nil {
		sub.decode = decodeEnvelope
	}
	return sub, nil
}

// Subscribe opens a Pulse sink on the given execution's stream and returns
// channels for events and errors. A goroutine consumes from the sink, decodes
// payloads and emits stream events; the returned cancel function stops
// consumption and closes both channels.
//
// Usage:
//
//	events, errs, cancel, err := sub.Subscribe(ctx, "exec-123")
//	defer cancel()
//	for evt := range events {
//	    // render event
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	executionID string,
	opts ...streamopts.Sink,
) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	if executionID == "" {
		return nil, nil, nil, errors.New("execution id is required")
	}
	str, err := s.client.Stream(ExecutionStreamID(executionID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	stop := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, stop, nil
}

// consume drains the Pulse sink into out until the sink channel closes or ctx
// is cancelled. Delivery failures on a live context surface on errs and stop
// consumption; failures caused by cancellation are part of shutdown and stay
// silent. Both channels close on return.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	in := sink.Subscribe()
	for {
		var evt *streaming.Event
		select {
		case <-ctx.Done():
			return
		case received, ok := <-in:
			if !ok {
				return
			}
			evt = received
		}
		if err := s.deliver(ctx, sink, evt, out); err != nil {
			if ctx.Err() == nil {
				errs <- err
			}
			return
		}
	}
}

// deliver decodes one Pulse entry, emits it and acks it. The ack comes after
// the emission so an interrupted subscriber redelivers rather than drops.
func (s *Subscriber) deliver(ctx context.Context, sink clientspulse.Sink, evt *streaming.Event, out chan<- stream.Event) error {
	decoded, err := s.decode(evt.Payload)
	if err != nil {
		return fmt.Errorf("pulse decode payload: %w", err)
	}
	select {
	case out <- decoded:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := sink.Ack(ctx, evt); err != nil {
		return fmt.Errorf("pulse ack: %w", err)
	}
	return nil
}

// decodeEnvelope deserializes the default JSON envelope format.
func decodeEnvelope(payload []byte) (stream.Event, error) {
	var env struct {
		Type        string          `json:"type"`
		ExecutionID string          `json:"execution_id"`
		RoutineID   string          `json:"routine_id"`
		Timestamp   time.Time       `json:"timestamp"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	return decodedEvent{
		t: stream.EventType(env.Type),
		e: env.ExecutionID,
		r: env.RoutineID,
		b: env.Payload,
	}, nil
}
