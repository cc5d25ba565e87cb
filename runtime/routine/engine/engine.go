// Package engine defines the workflow engine abstractions the routine runtime
// executes on. It provides pluggable interfaces so the task runner can target
// Temporal, in-memory, or custom backends without modification.
//
// # Core Abstractions
//
//   - Engine: registers the routine workflow and its activities, starts
//     executions. The runtime calls Engine methods during startup and
//     execution submission.
//
//   - WorkflowContext: provides deterministic operations inside the workflow
//     handler. The task runner uses it to schedule node activities, publish
//     lifecycle events, receive cancel signals, and arm timers.
//     Implementations must ensure replay-safe behavior.
//
//   - WorkflowHandle: represents a running execution. Callers use handles to
//     wait for the outcome, send signals, or cancel.
//
//   - Future[T]: a pending activity result. Futures let the task runner keep
//     many node activities in flight and collect results as they land.
//
//   - Receiver[T]: delivers typed signals to workflows deterministically.
//     The routine workflow uses one for cancel requests.
//
// # Determinism Requirements
//
// Workflow handlers run in a deterministic environment where the same inputs
// and history must produce the same outputs. WorkflowContext enforces this by
// providing Now() instead of time.Now(), requiring activities for all I/O,
// and exposing replay-safe signal channels. Node activities are NOT
// deterministic and perform arbitrary I/O; the engine records their
// inputs/outputs and replays them during recovery.
//
// # Available Implementations
//
//   - temporal: production-grade durable execution backed by Temporal.
//   - inmem: in-memory execution for development and tests. No durability,
//     no workers, runs in the caller's process.
package engine

import (
	"context"
	"errors"
	"time"

	"flowstate.dev/flowstate/runtime/routine/api"
	"flowstate.dev/flowstate/runtime/routine/hooks"
)

// RunStatus represents the lifecycle state of a workflow execution as the
// engine sees it. It tracks the workflow, not the domain execution status:
// a workflow that completed normally may still carry a failed outcome.
type RunStatus string

const (
	// RunStatusRunning indicates the workflow is actively executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates the workflow returned normally.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the workflow failed permanently.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCanceled indicates the workflow was cancelled externally.
	RunStatusCanceled RunStatus = "canceled"
	// RunStatusTimedOut indicates the workflow exceeded its run timeout.
	RunStatusTimedOut RunStatus = "timeout"
	// RunStatusTerminated indicates the workflow was forcibly terminated.
	RunStatusTerminated RunStatus = "terminated"
)

var (
	// ErrWorkflowNotFound indicates that no workflow execution exists for the
	// given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowCompleted indicates the target workflow already reached a
	// terminal state and can no longer receive signals.
	ErrWorkflowCompleted = errors.New("workflow already completed")
)

type (
	// Engine abstracts workflow registration and execution so adapters
	// (Temporal, in-memory, or custom) can be swapped without touching the
	// task runner. Implementations translate these generic types into
	// backend-specific primitives.
	Engine interface {
		// RegisterWorkflow registers a workflow definition with the engine.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterNodeActivity registers the typed activity that executes one
		// node invocation against the plugin registry.
		RegisterNodeActivity(ctx context.Context, name string, opts ActivityOptions, fn NodeActivityFunc) error

		// RegisterPublishActivity registers the typed activity that publishes
		// workflow-emitted lifecycle events outside of the deterministic
		// workflow thread so subscribers can perform I/O.
		RegisterPublishActivity(ctx context.Context, name string, opts ActivityOptions, fn PublishActivityFunc) error

		// StartWorkflow initiates a new workflow execution and returns a
		// handle for interacting with it. The workflow ID in req must be
		// unique for the engine instance. Returns an error if the workflow
		// name is not registered, the ID conflicts with a running workflow,
		// or if scheduling fails.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

		// QueryStatus returns the engine-level lifecycle status for the
		// workflow identified by workflowID. Returns ErrWorkflowNotFound if
		// the workflow does not exist.
		QueryStatus(ctx context.Context, workflowID string) (RunStatus, error)
	}

	// Signaler provides direct signaling by workflow ID without relying on
	// in-process workflow handles. Engines that support out-of-process
	// signaling (Temporal) implement this interface so cancel requests reach
	// executions across process restarts.
	Signaler interface {
		// SignalByID sends a signal to the workflow identified by workflowID
		// and optional runID. The payload must be serializable by the engine
		// client.
		SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error
	}

	// NodeActivityFunc is the handler signature for node execution
	// activities.
	NodeActivityFunc func(context.Context, *api.NodeActivityInput) (*api.NodeActivityOutput, error)

	// PublishActivityFunc is the handler signature for event publishing
	// activities.
	PublishActivityFunc func(context.Context, *hooks.ActivityInput) error

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default queue.
	WorkflowDefinition struct {
		// Name is the logical identifier registered with the engine.
		Name string
		// TaskQueue is the default queue used when starting new workflows.
		// Workers subscribe to this queue to receive workflow tasks.
		TaskQueue string
		// Handler is the workflow function invoked by the engine when the
		// workflow executes.
		Handler WorkflowFunc
	}

	// WorkflowFunc is the routine workflow entry point. Implementations must
	// be deterministic with respect to activity results.
	WorkflowFunc func(ctx WorkflowContext, input *api.RoutineInput) (*api.ExecutionOutcome, error)

	// WorkflowContext exposes engine operations to the workflow handler
	// within the deterministic execution environment of a workflow. It wraps
	// engine-specific contexts (Temporal workflow.Context, in-memory
	// contexts) behind a uniform API.
	//
	// Thread-safety: a WorkflowContext is bound to a single workflow
	// execution and must not be shared across goroutines. Activity and
	// signal operations are serialized by the workflow engine.
	WorkflowContext interface {
		// Context returns the Go context for the workflow. Use it for
		// cancellation propagation into activity calls.
		Context() context.Context

		// WorkflowID returns the unique identifier for this workflow
		// execution. The runtime uses the execution ID as the workflow ID.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier, used for
		// observability and run-level correlation.
		RunID() string

		// ExecuteNodeActivity schedules a node activity and blocks until it
		// completes. Useful for sequential execution.
		ExecuteNodeActivity(ctx context.Context, call NodeActivityCall) (*api.NodeActivityOutput, error)

		// ExecuteNodeActivityAsync schedules a node activity and returns a
		// Future so the task runner can keep several invocations in flight.
		ExecuteNodeActivityAsync(ctx context.Context, call NodeActivityCall) (Future[*api.NodeActivityOutput], error)

		// PublishEvent schedules the event publishing activity and waits for
		// completion. Implementations must run publishing outside of the
		// deterministic workflow thread so subscribers can perform I/O.
		PublishEvent(ctx context.Context, call PublishActivityCall) error

		// CancelRequests returns a typed receiver for cancel signals.
		CancelRequests() Receiver[*api.CancelRequest]

		// Now returns the current workflow time in a deterministic manner.
		Now() time.Time

		// NewTimer returns a Future that becomes ready after the given
		// duration elapses in workflow time. A non-positive duration produces
		// a Future that is already ready.
		NewTimer(ctx context.Context, d time.Duration) (Future[time.Time], error)

		// Await blocks until condition returns true, or ctx is done.
		// Condition runs on the workflow goroutine and is re-evaluated on
		// every workflow state transition, including signal delivery. It
		// must be deterministic: reading futures and consuming signal
		// receivers is fine because both replay from history, wall-clock
		// reads and I/O are not. The task runner uses it to wait on
		// in-flight futures and the cancel signal at the same time.
		Await(ctx context.Context, condition func() bool) error

		// WithCancel returns a derived WorkflowContext whose cancellation can
		// be triggered independently of the parent workflow scope. The task
		// runner uses it to abandon in-flight activities during the
		// cancellation grace period and on deadline expiry.
		WithCancel() (WorkflowContext, func())

		// SetQueryHandler registers a read-only query handler invokable by
		// external clients. Handlers must be deterministic and side-effect
		// free. Engines without query support may implement this as a no-op.
		SetQueryHandler(name string, handler any) error
	}

	// Future represents a pending activity result. Futures enable parallel
	// node execution: the task runner launches up to its concurrency cap and
	// collects results as they complete.
	//
	// Calling Get multiple times is safe and returns the same result/error.
	// Get must be called (or the workflow cancelled) before the workflow
	// exits; abandoned futures leak workflow resources in some engines.
	Future[T any] interface {
		// Get blocks until the activity completes and returns the typed
		// result.
		Get(ctx context.Context) (T, error)

		// IsReady returns true once the activity has completed (success or
		// failure) and Get will not block.
		IsReady() bool
	}

	// Receiver exposes typed workflow signal delivery in an engine-agnostic
	// way. Implementations wrap engine-specific channels and provide blocking
	// and non-blocking receive helpers.
	Receiver[T any] interface {
		// Receive blocks until a signal value is delivered and returns it.
		Receive(ctx context.Context) (T, error)

		// ReceiveAsync attempts to receive a signal without blocking.
		ReceiveAsync() (T, bool)
	}

	// ActivityOptions configures queueing, retries and timeouts for an
	// activity.
	ActivityOptions struct {
		// Queue overrides the default activity queue. If empty, the activity
		// inherits the workflow's task queue.
		Queue string

		// RetryPolicy controls retry behavior for this activity. Zero-valued
		// means the engine default. Only retryable failures are retried;
		// activities that fail with a fatal classification short-circuit the
		// policy.
		RetryPolicy api.RetryPolicy

		// Timeout bounds a single activity attempt from schedule to close.
		// Zero means the engine default.
		Timeout time.Duration

		// HeartbeatTimeout bounds the silence between activity heartbeats.
		// Zero disables heartbeat monitoring.
		HeartbeatTimeout time.Duration
	}

	// NodeActivityCall describes a single invocation of the node execution
	// activity from inside workflow code.
	NodeActivityCall struct {
		// Name identifies the registered node activity.
		Name string

		// Input is the typed payload passed to the activity handler.
		Input *api.NodeActivityInput

		// Options overrides the registered activity defaults for this
		// invocation.
		Options ActivityOptions
	}

	// PublishActivityCall describes a single invocation of the event
	// publishing activity from inside workflow code.
	PublishActivityCall struct {
		// Name identifies the registered publish activity.
		Name string

		// Input is the encoded event envelope passed to the activity handler.
		Input *hooks.ActivityInput

		// Options overrides the registered activity defaults for this
		// invocation.
		Options ActivityOptions
	}

	// WorkflowStartRequest describes how to launch a workflow execution.
	WorkflowStartRequest struct {
		// ID is the workflow identifier, unique within the engine scope. The
		// runtime derives it from the execution ID.
		ID string
		// Workflow names the registered workflow definition to execute.
		Workflow string
		// TaskQueue selects the queue to schedule the workflow on. Empty
		// means the definition's queue, then the engine default.
		TaskQueue string
		// Input is the typed payload passed to the workflow handler.
		Input *api.RoutineInput
		// RunTimeout bounds the total workflow execution time at the engine
		// level. Zero means no engine-level timeout; the runtime enforces the
		// execution deadline itself so it can report a clean timeout outcome.
		RunTimeout time.Duration
		// Memo stores small diagnostic payloads alongside the workflow
		// execution for visibility queries. Nil means no memo.
		Memo map[string]any
	}

	// WorkflowHandle allows callers to interact with a running workflow.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes and returns the execution
		// outcome. Returns an error if the workflow fails or is terminated.
		Wait(ctx context.Context) (*api.ExecutionOutcome, error)

		// Signal sends an asynchronous message to the workflow. Returns an
		// error if the signal cannot be delivered.
		Signal(ctx context.Context, name string, payload any) error

		// Cancel requests cancellation of the workflow. The workflow's
		// context is cancelled and in-flight activities may be cancelled
		// depending on the engine.
		Cancel(ctx context.Context) error
	}
)
