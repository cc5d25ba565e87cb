package hooks

import (
	"encoding/json"
	"fmt"
)

// ActivityInput is the serialized form of an event crossing the workflow to
// activity boundary. Payload holds the event-specific fields as JSON; the
// shared identity fields travel alongside so the activity can reconstruct the
// typed event without re-deriving them.
type ActivityInput struct {
	// Type identifies the event variant.
	Type EventType

	// ExecutionID identifies the execution that produced the event.
	ExecutionID string

	// RoutineID identifies the routine definition.
	RoutineID string

	// Timestamp preserves the original event creation time in Unix
	// milliseconds across the boundary.
	Timestamp int64

	// Payload holds event-specific fields encoded as JSON.
	Payload json.RawMessage
}

// Encode converts a typed event into its activity input envelope.
func Encode(evt Event) (*ActivityInput, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", evt.Type(), err)
	}
	return &ActivityInput{
		Type:        evt.Type(),
		ExecutionID: evt.ExecutionID(),
		RoutineID:   evt.RoutineID(),
		Timestamp:   evt.Timestamp(),
		Payload:     payload,
	}, nil
}

// Decode reconstructs a typed event from its activity input envelope,
// preserving the original timestamp.
func Decode(input *ActivityInput) (Event, error) {
	switch input.Type {
	case ExecutionCreated:
		var p ExecutionCreatedEvent
		if err := json.Unmarshal(input.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", input.Type, err)
		}
		evt := NewExecutionCreatedEvent(input.ExecutionID, input.RoutineID, p.UserID, p.TriggerType, p.Status)
		evt.SetTimestamp(input.Timestamp)
		return evt, nil

	case ExecutionUpdated:
		var p ExecutionUpdatedEvent
		if err := json.Unmarshal(input.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", input.Type, err)
		}
		evt := NewExecutionUpdatedEvent(input.ExecutionID, input.RoutineID, p.Status, p.Error, p.Path)
		evt.SetTimestamp(input.Timestamp)
		return evt, nil

	case NodeStarted:
		var p NodeStartedEvent
		if err := json.Unmarshal(input.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", input.Type, err)
		}
		evt := NewNodeStartedEvent(input.ExecutionID, input.RoutineID, p.NodeID, p.ContextKey, p.Iteration)
		evt.SetTimestamp(input.Timestamp)
		return evt, nil

	case NodeCompleted:
		var p NodeCompletedEvent
		if err := json.Unmarshal(input.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", input.Type, err)
		}
		if p.Result == nil {
			return nil, fmt.Errorf("decode %s payload: missing result", input.Type)
		}
		evt := NewNodeCompletedEvent(input.ExecutionID, input.RoutineID, p.Result)
		evt.SetTimestamp(input.Timestamp)
		return evt, nil

	case NodeFailed:
		var p NodeFailedEvent
		if err := json.Unmarshal(input.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", input.Type, err)
		}
		if p.Result == nil {
			return nil, fmt.Errorf("decode %s payload: missing result", input.Type)
		}
		evt := NewNodeFailedEvent(input.ExecutionID, input.RoutineID, p.Result)
		evt.SetTimestamp(input.Timestamp)
		return evt, nil

	default:
		return nil, fmt.Errorf("unknown event type %q", input.Type)
	}
}
