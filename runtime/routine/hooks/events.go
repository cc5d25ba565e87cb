// Package hooks publishes execution lifecycle events to registered
// subscribers. The engine emits an event when an execution is created or
// changes status and when a node starts, completes or fails; observability
// sinks and execution stores subscribe to build timelines without coupling
// the engine to any transport.
package hooks

import (
	"time"

	"flowstate.dev/flowstate/runtime/routine/api"
	"flowstate.dev/flowstate/runtime/routine/execerrors"
	"flowstate.dev/flowstate/runtime/routine/state"
)

// EventType identifies a lifecycle event variant. Values are the wire names
// consumed by observability sinks.
type EventType string

const (
	// ExecutionCreated fires once when the workflow accepts an execution.
	ExecutionCreated EventType = "executionCreated"
	// ExecutionUpdated fires when the execution status changes, including the
	// transition to a terminal status.
	ExecutionUpdated EventType = "executionUpdated"
	// NodeStarted fires when a node invocation is scheduled onto an activity.
	NodeStarted EventType = "nodeStarted"
	// NodeCompleted fires when a node invocation records a completed result.
	NodeCompleted EventType = "nodeCompleted"
	// NodeFailed fires when a node invocation records a failed result.
	NodeFailed EventType = "nodeFailed"
)

type (
	// Event is the interface all lifecycle events implement. Subscribers
	// type-switch on the concrete types to access event-specific fields:
	//
	//	func (s *MySubscriber) HandleEvent(ctx context.Context, evt hooks.Event) error {
	//	    switch e := evt.(type) {
	//	    case *hooks.NodeCompletedEvent:
	//	        log.Printf("node %s done in %v", e.NodeID, e.Result.CompletedAt.Sub(e.Result.StartedAt))
	//	    }
	//	    return nil
	//	}
	Event interface {
		// Type returns the event variant constant.
		Type() EventType
		// ExecutionID returns the execution that produced the event. Every
		// event of one execution shares it.
		ExecutionID() string
		// RoutineID returns the routine definition the execution runs.
		RoutineID() string
		// Timestamp returns the Unix timestamp in milliseconds at event
		// creation, so subscribers can order events and compute latencies.
		Timestamp() int64
	}

	// ExecutionCreatedEvent fires once per execution, before any node runs.
	ExecutionCreatedEvent struct {
		baseEvent
		// UserID identifies the routine owner.
		UserID string
		// TriggerType names what started the execution.
		TriggerType string
		// Status is the initial execution status.
		Status api.ExecutionStatus
	}

	// ExecutionUpdatedEvent fires on every execution status change.
	ExecutionUpdatedEvent struct {
		baseEvent
		// Status is the new execution status.
		Status api.ExecutionStatus
		// Error is the failure that caused a failed, cancelled or timeout
		// status. Nil otherwise.
		Error *execerrors.Error
		// Path lists completed nodes in completion order. Populated on
		// terminal updates.
		Path []state.PathEntry
	}

	// NodeStartedEvent fires when a node invocation is handed to an activity.
	NodeStartedEvent struct {
		baseEvent
		// NodeID identifies the node.
		NodeID string
		// ContextKey is the invocation's serialized loop context. Empty
		// outside loops.
		ContextKey string
		// Iteration is the loop iteration counter when the node is a loop
		// node being re-invoked.
		Iteration *int
	}

	// NodeCompletedEvent fires when a node invocation completes.
	NodeCompletedEvent struct {
		baseEvent
		// NodeID identifies the node.
		NodeID string
		// ContextKey is the invocation's serialized loop context.
		ContextKey string
		// Result is the recorded node result including outputs.
		Result *state.NodeResult
	}

	// NodeFailedEvent fires when a node invocation fails after exhausting its
	// retries.
	NodeFailedEvent struct {
		baseEvent
		// NodeID identifies the node.
		NodeID string
		// ContextKey is the invocation's serialized loop context.
		ContextKey string
		// Error is the classified failure.
		Error *execerrors.Error
		// Result is the recorded node result.
		Result *state.NodeResult
	}

	baseEvent struct {
		executionID string
		routineID   string
		timestamp   int64
	}
)

// ExecutionID returns the execution that produced the event.
func (e baseEvent) ExecutionID() string { return e.executionID }

// RoutineID returns the routine definition the execution runs.
func (e baseEvent) RoutineID() string { return e.routineID }

// Timestamp returns the Unix timestamp in milliseconds at event creation.
func (e baseEvent) Timestamp() int64 { return e.timestamp }

// SetTimestamp overrides the creation timestamp. The codec uses it to keep
// the original timestamp when an event crosses the activity boundary.
func (e *baseEvent) SetTimestamp(ts int64) { e.timestamp = ts }

// newBaseEvent constructs a baseEvent stamped with the current time.
func newBaseEvent(executionID, routineID string) baseEvent {
	return baseEvent{
		executionID: executionID,
		routineID:   routineID,
		timestamp:   time.Now().UnixMilli(),
	}
}

// NewExecutionCreatedEvent constructs an ExecutionCreatedEvent.
func NewExecutionCreatedEvent(executionID, routineID, userID, triggerType string, status api.ExecutionStatus) *ExecutionCreatedEvent {
	return &ExecutionCreatedEvent{
		baseEvent:   newBaseEvent(executionID, routineID),
		UserID:      userID,
		TriggerType: triggerType,
		Status:      status,
	}
}

// NewExecutionUpdatedEvent constructs an ExecutionUpdatedEvent.
func NewExecutionUpdatedEvent(executionID, routineID string, status api.ExecutionStatus, execErr *execerrors.Error, path []state.PathEntry) *ExecutionUpdatedEvent {
	return &ExecutionUpdatedEvent{
		baseEvent: newBaseEvent(executionID, routineID),
		Status:    status,
		Error:     execErr,
		Path:      path,
	}
}

// NewNodeStartedEvent constructs a NodeStartedEvent.
func NewNodeStartedEvent(executionID, routineID, nodeID, contextKey string, iteration *int) *NodeStartedEvent {
	return &NodeStartedEvent{
		baseEvent:  newBaseEvent(executionID, routineID),
		NodeID:     nodeID,
		ContextKey: contextKey,
		Iteration:  iteration,
	}
}

// NewNodeCompletedEvent constructs a NodeCompletedEvent.
func NewNodeCompletedEvent(executionID, routineID string, result *state.NodeResult) *NodeCompletedEvent {
	return &NodeCompletedEvent{
		baseEvent:  newBaseEvent(executionID, routineID),
		NodeID:     result.NodeID,
		ContextKey: result.ContextKey,
		Result:     result,
	}
}

// NewNodeFailedEvent constructs a NodeFailedEvent.
func NewNodeFailedEvent(executionID, routineID string, result *state.NodeResult) *NodeFailedEvent {
	return &NodeFailedEvent{
		baseEvent:  newBaseEvent(executionID, routineID),
		NodeID:     result.NodeID,
		ContextKey: result.ContextKey,
		Error:      result.Error,
		Result:     result,
	}
}

// Type implementations.

func (e *ExecutionCreatedEvent) Type() EventType { return ExecutionCreated }
func (e *ExecutionUpdatedEvent) Type() EventType { return ExecutionUpdated }
func (e *NodeStartedEvent) Type() EventType      { return NodeStarted }
func (e *NodeCompletedEvent) Type() EventType    { return NodeCompleted }
func (e *NodeFailedEvent) Type() EventType       { return NodeFailed }
