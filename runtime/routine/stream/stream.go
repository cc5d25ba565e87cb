// Package stream delivers execution updates to external consumers. Stream
// events are the client-facing projection of the engine's lifecycle events:
// an observability UI subscribes to them to render execution timelines live,
// while the hooks bus remains the internal source of truth.
//
// The Subscriber in this package bridges the two: it receives hooks events,
// translates them into wire-friendly stream events and forwards them to a
// Sink (Pulse stream, SSE, WebSocket). Delivery is best-effort with bounded
// retry; a failing sink never fails the execution.
package stream

import (
	"context"

	"flowstate.dev/flowstate/runtime/routine/api"
	"flowstate.dev/flowstate/runtime/routine/execerrors"
	"flowstate.dev/flowstate/runtime/routine/state"
)

// EventType enumerates stream payload flavors. Values are the wire names
// consumers switch on.
type EventType string

const (
	// EventExecutionCreated announces a new execution.
	EventExecutionCreated EventType = "executionCreated"
	// EventExecutionUpdated announces an execution status change.
	EventExecutionUpdated EventType = "executionUpdated"
	// EventNodeStarted announces a node invocation starting.
	EventNodeStarted EventType = "nodeStarted"
	// EventNodeCompleted announces a completed node invocation.
	EventNodeCompleted EventType = "nodeCompleted"
	// EventNodeFailed announces a failed node invocation.
	EventNodeFailed EventType = "nodeFailed"
)

type (
	// Sink delivers stream events to an underlying transport. Implementations
	// must be safe for concurrent Send calls and are responsible for
	// marshaling events into their wire format.
	Sink interface {
		// Send publishes one event. Errors indicate delivery failure; the
		// Subscriber retries a bounded number of times and then drops the
		// event, so implementations should not retry internally.
		Send(ctx context.Context, event Event) error

		// Close releases transport resources. Close is idempotent; the
		// context bounds graceful shutdown.
		Close(ctx context.Context) error
	}

	// Event is a streaming update. Concrete types embed Base for the shared
	// metadata; consumers type-assert when they need structured access and
	// use Payload for generic marshaling.
	Event interface {
		// Type returns the event variant constant.
		Type() EventType
		// ExecutionID returns the execution that produced the event.
		ExecutionID() string
		// RoutineID returns the routine definition the execution runs.
		RoutineID() string
		// Payload returns the event-specific data in JSON-serializable form.
		Payload() any
	}

	// Base provides the Event implementation shared by all concrete stream
	// events. Construct it with NewBase.
	Base struct {
		t EventType
		e string
		r string
		p any
	}

	// ExecutionCreatedPayload is the wire payload of EventExecutionCreated.
	ExecutionCreatedPayload struct {
		// UserID identifies the routine owner.
		UserID string `json:"userId,omitempty"`
		// TriggerType names what started the execution.
		TriggerType string `json:"triggerType,omitempty"`
		// Status is the initial execution status.
		Status api.ExecutionStatus `json:"status"`
		// Timestamp is the event creation time in Unix milliseconds.
		Timestamp int64 `json:"timestamp"`
	}

	// ExecutionUpdatedPayload is the wire payload of EventExecutionUpdated.
	ExecutionUpdatedPayload struct {
		// Status is the new execution status.
		Status api.ExecutionStatus `json:"status"`
		// Error is the classified failure on failed, cancelled or timeout
		// updates.
		Error *execerrors.Error `json:"error,omitempty"`
		// ExecutionPath lists completed nodes in completion order. Populated
		// on terminal updates.
		ExecutionPath []state.PathEntry `json:"executionPath,omitempty"`
		// Timestamp is the event creation time in Unix milliseconds.
		Timestamp int64 `json:"timestamp"`
	}

	// NodeStartedPayload is the wire payload of EventNodeStarted.
	NodeStartedPayload struct {
		// NodeID identifies the node.
		NodeID string `json:"nodeId"`
		// ContextKey is the invocation's serialized loop context.
		ContextKey string `json:"contextKey,omitempty"`
		// Iteration is the loop iteration counter for re-invoked loop nodes.
		Iteration *int `json:"iteration,omitempty"`
		// Timestamp is the event creation time in Unix milliseconds.
		Timestamp int64 `json:"timestamp"`
	}

	// NodeCompletedPayload is the wire payload of EventNodeCompleted.
	NodeCompletedPayload struct {
		// NodeID identifies the node.
		NodeID string `json:"nodeId"`
		// ContextKey is the invocation's serialized loop context.
		ContextKey string `json:"contextKey,omitempty"`
		// Result is the recorded node result including outputs.
		Result *state.NodeResult `json:"result"`
		// Timestamp is the event creation time in Unix milliseconds.
		Timestamp int64 `json:"timestamp"`
	}

	// NodeFailedPayload is the wire payload of EventNodeFailed.
	NodeFailedPayload struct {
		// NodeID identifies the node.
		NodeID string `json:"nodeId"`
		// ContextKey is the invocation's serialized loop context.
		ContextKey string `json:"contextKey,omitempty"`
		// Error is the classified failure.
		Error *execerrors.Error `json:"error,omitempty"`
		// Result is the recorded node result.
		Result *state.NodeResult `json:"result"`
		// Timestamp is the event creation time in Unix milliseconds.
		Timestamp int64 `json:"timestamp"`
	}

	// ExecutionCreated streams a new execution announcement.
	ExecutionCreated struct {
		Base
		// Data contains the execution creation payload.
		Data ExecutionCreatedPayload
	}

	// ExecutionUpdated streams an execution status change.
	ExecutionUpdated struct {
		Base
		// Data contains the status change payload.
		Data ExecutionUpdatedPayload
	}

	// NodeStarted streams a node invocation start.
	NodeStarted struct {
		Base
		// Data contains the node start payload.
		Data NodeStartedPayload
	}

	// NodeCompleted streams a node completion with its outputs.
	NodeCompleted struct {
		Base
		// Data contains the node completion payload.
		Data NodeCompletedPayload
	}

	// NodeFailed streams a node failure.
	NodeFailed struct {
		Base
		// Data contains the node failure payload.
		Data NodeFailedPayload
	}
)

// NewBase constructs the shared event metadata.
func NewBase(t EventType, executionID, routineID string, payload any) Base {
	return Base{t: t, e: executionID, r: routineID, p: payload}
}

// Type returns the event variant constant.
func (b Base) Type() EventType { return b.t }

// ExecutionID returns the execution that produced the event.
func (b Base) ExecutionID() string { return b.e }

// RoutineID returns the routine definition the execution runs.
func (b Base) RoutineID() string { return b.r }

// Payload returns the event-specific data.
func (b Base) Payload() any { return b.p }

// NewExecutionCreated constructs an EventExecutionCreated stream event.
func NewExecutionCreated(executionID, routineID string, data ExecutionCreatedPayload) ExecutionCreated {
	return ExecutionCreated{Base: NewBase(EventExecutionCreated, executionID, routineID, data), Data: data}
}

// NewExecutionUpdated constructs an EventExecutionUpdated stream event.
func NewExecutionUpdated(executionID, routineID string, data ExecutionUpdatedPayload) ExecutionUpdated {
	return ExecutionUpdated{Base: NewBase(EventExecutionUpdated, executionID, routineID, data), Data: data}
}

// NewNodeStarted constructs an EventNodeStarted stream event.
func NewNodeStarted(executionID, routineID string, data NodeStartedPayload) NodeStarted {
	return NodeStarted{Base: NewBase(EventNodeStarted, executionID, routineID, data), Data: data}
}

// NewNodeCompleted constructs an EventNodeCompleted stream event.
func NewNodeCompleted(executionID, routineID string, data NodeCompletedPayload) NodeCompleted {
	return NodeCompleted{Base: NewBase(EventNodeCompleted, executionID, routineID, data), Data: data}
}

// NewNodeFailed constructs an EventNodeFailed stream event.
func NewNodeFailed(executionID, routineID string, data NodeFailedPayload) NodeFailed {
	return NodeFailed{Base: NewBase(EventNodeFailed, executionID, routineID, data), Data: data}
}
