package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"flowstate.dev/flowstate/runtime/routine/api"
	"flowstate.dev/flowstate/runtime/routine/engine"
)

type (
	// Client starts and controls routine executions on a Runtime.
	Client struct {
		rt *Runtime
	}

	// ExecutionHandle tracks one submitted execution.
	ExecutionHandle struct {
		// ExecutionID is the workflow identifier of the execution.
		ExecutionID string

		client *Client
		handle engine.WorkflowHandle
	}

	// ExecuteOption adjusts a single submission.
	ExecuteOption func(*executeConfig)

	executeConfig struct {
		executionID string
		taskQueue   string
		memo        map[string]any
	}
)

// WithExecutionID pins the execution identifier instead of generating one.
// Used for idempotent submission: engines reject a duplicate identifier while
// the first execution still runs.
func WithExecutionID(id string) ExecuteOption {
	return func(c *executeConfig) { c.executionID = id }
}

// WithTaskQueue routes the execution to a specific task queue.
func WithTaskQueue(queue string) ExecuteOption {
	return func(c *executeConfig) { c.taskQueue = queue }
}

// WithMemo attaches non-indexed metadata to the execution.
func WithMemo(memo map[string]any) ExecuteOption {
	return func(c *executeConfig) { c.memo = memo }
}

// Client returns a client bound to the runtime.
func (r *Runtime) Client() *Client {
	return &Client{rt: r}
}

// Execute runs the routine to completion and returns its outcome. The
// outcome's Status and Error report domain failures; the error return is
// reserved for submission and engine-level failures.
func (c *Client) Execute(ctx context.Context, input *api.RoutineInput, opts ...ExecuteOption) (*api.ExecutionOutcome, error) {
	h, err := c.ExecuteAsync(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

// ExecuteAsync submits the routine and returns a handle to watch or cancel
// it.
func (c *Client) ExecuteAsync(ctx context.Context, input *api.RoutineInput, opts ...ExecuteOption) (*ExecutionHandle, error) {
	if input == nil {
		return nil, errors.New("routine input is required")
	}
	c.rt.mu.RLock()
	started := c.rt.started
	c.rt.mu.RUnlock()
	if !started {
		return nil, ErrNotStarted
	}
	var cfg executeConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	id := cfg.executionID
	if id == "" {
		id = newExecutionID(input.RoutineID)
	}
	queue := cfg.taskQueue
	if queue == "" {
		queue = c.rt.taskQueue
	}
	h, err := c.rt.Engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        id,
		Workflow:  WorkflowRoutine,
		TaskQueue: queue,
		Input:     input,
		Memo:      cfg.memo,
	})
	if err != nil {
		return nil, fmt.Errorf("start routine workflow: %w", err)
	}
	c.rt.logger.Info(ctx, "execution submitted",
		"executionId", id, "routineId", input.RoutineID, "taskQueue", queue)
	return &ExecutionHandle{ExecutionID: id, client: c, handle: h}, nil
}

// Cancel asks a running execution to stop. The workflow halts scheduling,
// drains in-flight activities and reports a cancelled outcome. Cancel is
// idempotent: unknown or already finished executions return nil.
func (c *Client) Cancel(ctx context.Context, executionID, reason string) error {
	if executionID == "" {
		return errors.New("execution id is required")
	}
	sig, ok := c.rt.Engine.(engine.Signaler)
	if !ok {
		return errors.New("engine does not support signaling by id")
	}
	err := sig.SignalByID(ctx, executionID, "", api.SignalCancel, &api.CancelRequest{Reason: reason})
	if errors.Is(err, engine.ErrWorkflowNotFound) || errors.Is(err, engine.ErrWorkflowCompleted) {
		return nil
	}
	return err
}

// Status reports the engine-level lifecycle of an execution. For the domain
// status of a live execution, query QueryExecutionStatus through the engine.
func (c *Client) Status(ctx context.Context, executionID string) (engine.RunStatus, error) {
	return c.rt.Engine.QueryStatus(ctx, executionID)
}

// Wait blocks until the execution completes and returns its outcome.
func (h *ExecutionHandle) Wait(ctx context.Context) (*api.ExecutionOutcome, error) {
	return h.handle.Wait(ctx)
}

// Cancel requests cooperative cancellation of this execution.
func (h *ExecutionHandle) Cancel(ctx context.Context, reason string) error {
	return h.client.Cancel(ctx, h.ExecutionID, reason)
}

// Status reports the engine-level run status of this execution.
func (h *ExecutionHandle) Status(ctx context.Context) (engine.RunStatus, error) {
	return h.client.Status(ctx, h.ExecutionID)
}

// newExecutionID builds a unique workflow identifier. The routine id prefix
// keeps engine UIs and logs scannable.
func newExecutionID(routineID string) string {
	prefix := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, routineID)
	if prefix == "" {
		prefix = "routine"
	}
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}
