// Package api defines shared types that cross workflow/activity boundaries in
// the routine engine.
package api

import (
	"time"

	"flowstate.dev/flowstate/runtime/routine/execerrors"
	"flowstate.dev/flowstate/runtime/routine/state"
)

type (
	// RoutineInput captures everything a workflow needs to execute a routine.
	// It is delivered by the durable runtime as the workflow argument and is
	// authored externally, so every field carries its wire name and every
	// value must be JSON-representable.
	RoutineInput struct {
		// RoutineID identifies the routine definition this execution runs.
		RoutineID string `json:"routineId"`

		// UserID identifies the owner; credentials are fetched on their behalf.
		UserID string `json:"userId"`

		// Nodes are the plugin invocations making up the routine.
		Nodes []NodeDefinition `json:"nodes"`

		// Connections are the port-to-port edges between nodes.
		Connections []ConnectionDefinition `json:"connections"`

		// Variables are the routine variables, frozen at execution start.
		// A nil slice and an empty slice behave identically.
		Variables []VariableDefinition `json:"variables,omitempty"`

		// TriggerType names what started the execution (webhook, schedule,
		// manual, ...). Informational.
		TriggerType string `json:"triggerType,omitempty"`

		// TriggerData is the trigger payload exposed to expressions as the
		// `trigger` root.
		TriggerData map[string]any `json:"triggerData,omitempty"`

		// Options overrides the runtime's execution options for this input.
		// Nil means runtime defaults.
		Options *Options `json:"options,omitempty"`
	}

	// NodeDefinition declares one plugin invocation within a routine.
	NodeDefinition struct {
		// ID is the node identifier, unique within the routine.
		ID string `json:"id"`

		// PluginID names the plugin in the registry.
		PluginID string `json:"pluginId"`

		// Label is the display name. Informational.
		Label string `json:"label,omitempty"`

		// Parameters is the plugin configuration: arbitrary nested values,
		// possibly containing {{ ... }} expressions resolved per task.
		Parameters map[string]any `json:"parameters,omitempty"`

		// CredentialMappings maps plugin credential aliases to credential
		// store ids.
		CredentialMappings map[string]string `json:"credentialMappings,omitempty"`
	}

	// ConnectionDefinition declares one directed edge between two node ports.
	ConnectionDefinition struct {
		// ID is the edge identifier, unique within the routine.
		ID string `json:"id"`

		// SourceNodeID and SourcePort locate the producing end.
		SourceNodeID string `json:"sourceNodeId"`
		SourcePort   string `json:"sourcePort"`

		// TargetNodeID and TargetPort locate the consuming end.
		TargetNodeID string `json:"targetNodeId"`
		TargetPort   string `json:"targetPort"`

		// Type is an optional edge annotation. The engine routes purely by
		// ports; Type is carried for round-tripping.
		Type string `json:"type,omitempty"`
	}

	// VariableDefinition declares one routine variable.
	VariableDefinition struct {
		// Name is the variable name, unique within the routine.
		Name string `json:"name"`

		// Type constrains Value.
		Type VariableType `json:"type"`

		// Value is the frozen value exposed to expressions as `vars.<name>`.
		Value any `json:"value"`
	}

	// VariableType enumerates the accepted routine variable types.
	VariableType string

	// Options carries the execution options recognized by the engine. The
	// zero value of each field means "use the default".
	Options struct {
		// MaxConcurrentActivities caps how many node activities run at once.
		MaxConcurrentActivities int `json:"maxConcurrentActivities,omitempty"`

		// ActivityStartToCloseTimeout is the per-activity deadline.
		ActivityStartToCloseTimeout time.Duration `json:"activityStartToCloseTimeout,omitempty"`

		// ActivityRetry is the retry policy applied to transient failures.
		ActivityRetry RetryPolicy `json:"activityRetry,omitempty"`

		// ExecutionDeadline is the overall wall-clock deadline. Zero means
		// no deadline.
		ExecutionDeadline time.Duration `json:"executionDeadline,omitempty"`
	}

	// RetryPolicy defines retry semantics for node activities.
	RetryPolicy struct {
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration `json:"initialInterval,omitempty"`

		// BackoffCoefficient multiplies the delay after each retry.
		BackoffCoefficient float64 `json:"backoffCoefficient,omitempty"`

		// MaximumInterval caps the delay between retries.
		MaximumInterval time.Duration `json:"maximumInterval,omitempty"`

		// MaximumAttempts caps the total number of attempts (first try
		// included).
		MaximumAttempts int `json:"maximumAttempts,omitempty"`
	}

	// ExecutionStatus is the lifecycle state of one execution.
	ExecutionStatus string

	// ExecutionOutcome is the final result returned by the routine workflow.
	ExecutionOutcome struct {
		// ExecutionID is the durable runtime's execution identifier.
		ExecutionID string `json:"executionId"`

		// RoutineID echoes the routine that ran.
		RoutineID string `json:"routineId"`

		// Status is the terminal execution status.
		Status ExecutionStatus `json:"status"`

		// ExecutionPath lists completed nodes in completion order.
		ExecutionPath []state.PathEntry `json:"executionPath,omitempty"`

		// Results maps state.ResultKey(nodeID, contextKey) to the recorded
		// node result. Large payloads also live in the execution store; this
		// map is the in-band copy for callers of Execute.
		Results map[string]*state.NodeResult `json:"results,omitempty"`

		// Error is the failure that terminated the execution, when Status is
		// failed, cancelled, or timeout.
		Error *execerrors.Error `json:"error,omitempty"`

		// StartedAt and CompletedAt bound the execution.
		StartedAt   time.Time `json:"startedAt"`
		CompletedAt time.Time `json:"completedAt"`
	}

	// CancelRequest carries metadata attached to a cancel signal.
	CancelRequest struct {
		// Reason describes why the execution is being cancelled (for
		// example, "user_requested").
		Reason string `json:"reason,omitempty"`

		// RequestedBy identifies the logical actor requesting the cancel
		// (a user id, service name, ...).
		RequestedBy string `json:"requestedBy,omitempty"`
	}

	// NodeActivityInput is the workflow-to-activity envelope for one node
	// invocation. Parameters arrive already resolved: expressions are
	// evaluated workflow-side where the execution state lives.
	NodeActivityInput struct {
		// ExecutionID, RoutineID, and UserID identify the enclosing execution.
		ExecutionID string
		RoutineID   string
		UserID      string

		// NodeID and PluginID identify the node being invoked.
		NodeID   string
		PluginID string

		// ContextKey is the serialized loop context of the task.
		ContextKey string

		// Parameters is the node configuration after expression resolution.
		Parameters map[string]any

		// Inputs maps each input port to the items gathered from upstream.
		Inputs map[string][]state.Item

		// CredentialMappings maps plugin credential aliases to credential ids.
		CredentialMappings map[string]string

		// TriggerData is the execution's trigger payload.
		TriggerData map[string]any

		// LoopIteration is set on every invocation of a loop-capable node and
		// carries the zero-based iteration counter. Nil for ordinary nodes.
		LoopIteration *int

		// LoopAccumulator is the opaque accumulator returned by the previous
		// loop iteration. Nil on the first iteration.
		LoopAccumulator any
	}

	// NodeActivityOutput is returned by the node activity on success.
	NodeActivityOutput struct {
		// Outputs maps every declared output port to the items emitted on it.
		Outputs map[string][]state.Item

		// Accumulator replaces the loop accumulator for the next iteration
		// when the plugin is loop-capable. Ignored otherwise.
		Accumulator any
	}
)

const (
	// VariableString accepts string values.
	VariableString VariableType = "string"
	// VariableNumber accepts numeric values.
	VariableNumber VariableType = "number"
	// VariableBoolean accepts boolean values.
	VariableBoolean VariableType = "boolean"
	// VariableJSON accepts any JSON value.
	VariableJSON VariableType = "json"
)

const (
	// ExecutionPending indicates the execution was accepted but not started.
	ExecutionPending ExecutionStatus = "pending"
	// ExecutionRunning indicates the execution is in progress.
	ExecutionRunning ExecutionStatus = "running"
	// ExecutionCompleted indicates every scheduled node completed.
	ExecutionCompleted ExecutionStatus = "completed"
	// ExecutionFailed indicates a fatal node or validation failure.
	ExecutionFailed ExecutionStatus = "failed"
	// ExecutionCancelled indicates an external cancel stopped the execution.
	ExecutionCancelled ExecutionStatus = "cancelled"
	// ExecutionTimedOut indicates the execution deadline expired.
	ExecutionTimedOut ExecutionStatus = "timeout"
)

const (
	// SignalCancel is the workflow signal name used to cancel an execution.
	SignalCancel = "flowstate.routine.cancel"
)

// Terminal reports whether the status is absorbing.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimedOut:
		return true
	}
	return false
}

// Default execution options.
const (
	// DefaultMaxConcurrentActivities is the default activity concurrency cap.
	DefaultMaxConcurrentActivities = 20

	// DefaultActivityStartToCloseTimeout is the default per-activity deadline.
	DefaultActivityStartToCloseTimeout = 5 * time.Minute
)

// DefaultRetryPolicy returns the retry policy applied to transient node
// failures when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2,
		MaximumInterval:    time.Minute,
		MaximumAttempts:    3,
	}
}

// WithDefaults returns a copy of o with zero fields replaced by defaults.
func (o Options) WithDefaults() Options {
	if o.MaxConcurrentActivities <= 0 {
		o.MaxConcurrentActivities = DefaultMaxConcurrentActivities
	}
	if o.ActivityStartToCloseTimeout <= 0 {
		o.ActivityStartToCloseTimeout = DefaultActivityStartToCloseTimeout
	}
	if o.ActivityRetry == (RetryPolicy{}) {
		o.ActivityRetry = DefaultRetryPolicy()
	}
	return o
}
