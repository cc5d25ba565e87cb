// Package execstore persists execution records and per-node timelines. The
// engine never reads the store during execution; it writes through a bus
// subscriber so observability UIs and APIs can query progress and history.
// Writes are delivered at least once, so implementations must be idempotent
// per (executionId, nodeId, contextKey, status).
package execstore

import (
	"context"
	"errors"
	"time"

	"flowstate.dev/flowstate/runtime/routine/api"
	"flowstate.dev/flowstate/runtime/routine/execerrors"
	"flowstate.dev/flowstate/runtime/routine/state"
)

// ErrNotFound is returned when the requested execution does not exist.
var ErrNotFound = errors.New("execstore: not found")

// Execution is the stored record of one routine execution.
type Execution struct {
	// ExecutionID is the durable runtime's execution identifier.
	ExecutionID string `json:"executionId"`

	// RoutineID identifies the routine definition.
	RoutineID string `json:"routineId"`

	// UserID identifies the routine owner.
	UserID string `json:"userId,omitempty"`

	// TriggerType names what started the execution.
	TriggerType string `json:"triggerType,omitempty"`

	// Status is the last observed execution status.
	Status api.ExecutionStatus `json:"status"`

	// Error is the failure that terminated the execution, when terminal and
	// unsuccessful.
	Error *execerrors.Error `json:"error,omitempty"`

	// ExecutionPath lists completed nodes in completion order. Populated on
	// terminal updates.
	ExecutionPath []state.PathEntry `json:"executionPath,omitempty"`

	// StartedAt is when the execution was created.
	StartedAt time.Time `json:"startedAt"`

	// CompletedAt is when the execution reached a terminal status. Zero while
	// running.
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// Store persists executions and node results.
type Store interface {
	// CreateExecution records a new execution. Creating the same execution
	// again is a no-op, preserving the original record.
	CreateExecution(ctx context.Context, exec *Execution) error

	// UpdateStatus records an execution status change. Terminal updates carry
	// the failure (when any), the execution path and the completion time.
	UpdateStatus(ctx context.Context, executionID string, status api.ExecutionStatus, execErr *execerrors.Error, path []state.PathEntry, completedAt time.Time) error

	// UpsertNodeResult records a node invocation state keyed by
	// (executionId, nodeId, contextKey). Replaying a write is a no-op and a
	// terminal record is never downgraded to running.
	UpsertNodeResult(ctx context.Context, executionID string, result *state.NodeResult) error

	// GetExecution returns the stored execution record.
	GetExecution(ctx context.Context, executionID string) (*Execution, error)

	// ListNodeResults returns the execution's node results ordered by start
	// time, then by result key.
	ListNodeResults(ctx context.Context, executionID string) ([]*state.NodeResult, error)
}
