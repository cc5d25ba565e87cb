package temporal

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"flowstate.dev/flowstate/runtime/routine/api"
	"flowstate.dev/flowstate/runtime/routine/engine"
)

type temporalWorkflowContext struct {
	engine     *Engine
	ctx        workflow.Context
	workflowID string
	runID      string
	baseCtx    context.Context
}

// NewWorkflowContext adapts a Temporal workflow.Context into the
// engine.WorkflowContext used by the task runner. This is useful when calling
// runtime helpers from workflows that are not started via this engine but run
// in the same Temporal worker.
func NewWorkflowContext(e *Engine, ctx workflow.Context) engine.WorkflowContext {
	return newTemporalWorkflowContext(e, ctx)
}

func newTemporalWorkflowContext(e *Engine, ctx workflow.Context) *temporalWorkflowContext {
	info := workflow.GetInfo(ctx)
	return &temporalWorkflowContext{
		engine:     e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
		baseCtx:    e.workflowBaseContext(info.WorkflowExecution.RunID),
	}
}

func (w *temporalWorkflowContext) Context() context.Context {
	ctx := w.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	return engine.WithWorkflowContext(ctx, w)
}

func (w *temporalWorkflowContext) WorkflowID() string {
	return w.workflowID
}

func (w *temporalWorkflowContext) RunID() string {
	return w.runID
}

func (w *temporalWorkflowContext) ExecuteNodeActivity(ctx context.Context, call engine.NodeActivityCall) (*api.NodeActivityOutput, error) {
	fut, err := w.ExecuteNodeActivityAsync(ctx, call)
	if err != nil {
		return nil, err
	}
	return fut.Get(ctx)
}

func (w *temporalWorkflowContext) ExecuteNodeActivityAsync(ctx context.Context, call engine.NodeActivityCall) (engine.Future[*api.NodeActivityOutput], error) {
	if call.Name == "" {
		return nil, errors.New("node activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("node activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	fut := workflow.ExecuteActivity(actx, call.Name, call.Input)
	return &temporalFuture[*api.NodeActivityOutput]{future: fut, ctx: actx}, nil
}

func (w *temporalWorkflowContext) PublishEvent(ctx context.Context, call engine.PublishActivityCall) error {
	if call.Name == "" {
		return errors.New("publish activity name is required")
	}
	if call.Input == nil {
		return errors.New("publish activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	fut := workflow.ExecuteActivity(actx, call.Name, call.Input)
	return fut.Get(actx, nil)
}

func (w *temporalWorkflowContext) CancelRequests() engine.Receiver[*api.CancelRequest] {
	ch := workflow.GetSignalChannel(w.ctx, api.SignalCancel)
	return &temporalReceiver[*api.CancelRequest]{ctx: w.ctx, ch: ch}
}

func (w *temporalWorkflowContext) Now() time.Time {
	return workflow.Now(w.ctx)
}

func (w *temporalWorkflowContext) NewTimer(ctx context.Context, d time.Duration) (engine.Future[time.Time], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d <= 0 {
		return readyTimeFuture{at: workflow.Now(w.ctx)}, nil
	}
	return &timerFuture{future: workflow.NewTimer(w.ctx, d), wctx: w.ctx}, nil
}

func (w *temporalWorkflowContext) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return workflow.Await(w.ctx, condition)
}

func (w *temporalWorkflowContext) WithCancel() (engine.WorkflowContext, func()) {
	cctx, cancel := workflow.WithCancel(w.ctx)
	derived := *w
	derived.ctx = cctx
	return &derived, func() { cancel() }
}

func (w *temporalWorkflowContext) SetQueryHandler(name string, handler any) error {
	return workflow.SetQueryHandler(w.ctx, name, handler)
}

// activityOptionsFor merges the options recorded at registration with the
// per-call overrides and translates the result into Temporal activity
// options.
func (w *temporalWorkflowContext) activityOptionsFor(name string, override engine.ActivityOptions) workflow.ActivityOptions {
	defaults := w.engine.activityDefaultsFor(name)

	queue := override.Queue
	if queue == "" {
		queue = defaults.Queue
	}
	if queue == "" {
		queue = w.engine.defaultQueue
	}

	timeout := override.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	if timeout == 0 {
		timeout = api.DefaultActivityStartToCloseTimeout
	}

	heartbeat := override.HeartbeatTimeout
	if heartbeat == 0 {
		heartbeat = defaults.HeartbeatTimeout
	}

	retry := mergeRetryPolicies(defaults.RetryPolicy, override.RetryPolicy)

	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    heartbeat,
		TaskQueue:           queue,
		RetryPolicy:         convertRetryPolicy(retry),
	}
}

type temporalFuture[T any] struct {
	future workflow.Future
	ctx    workflow.Context
}

// Get resolves the underlying Temporal future, translating SDK failures back
// into the classified errors the task runner works with.
func (f *temporalFuture[T]) Get(_ context.Context) (T, error) {
	var out T
	if err := f.future.Get(f.ctx, &out); err != nil {
		return out, decodeActivityError(err)
	}
	return out, nil
}

func (f *temporalFuture[T]) IsReady() bool {
	return f.future.IsReady()
}

type timerFuture struct {
	future workflow.Future
	wctx   workflow.Context
}

func (f *timerFuture) Get(_ context.Context) (time.Time, error) {
	if err := f.future.Get(f.wctx, nil); err != nil {
		return time.Time{}, err
	}
	return workflow.Now(f.wctx), nil
}

func (f *timerFuture) IsReady() bool {
	return f.future.IsReady()
}

type readyTimeFuture struct {
	at time.Time
}

func (f readyTimeFuture) Get(context.Context) (time.Time, error) { return f.at, nil }

func (f readyTimeFuture) IsReady() bool { return true }

type temporalReceiver[T any] struct {
	ctx workflow.Context
	ch  workflow.ReceiveChannel
}

func (r *temporalReceiver[T]) Receive(ctx context.Context) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	var out T
	r.ch.Receive(r.ctx, &out)
	return out, nil
}

func (r *temporalReceiver[T]) ReceiveAsync() (T, bool) {
	var out T
	if ok := r.ch.ReceiveAsync(&out); ok {
		return out, true
	}
	var zero T
	return zero, false
}

func mergeRetryPolicies(base, override api.RetryPolicy) api.RetryPolicy {
	result := base
	if override.MaximumAttempts != 0 {
		result.MaximumAttempts = override.MaximumAttempts
	}
	if override.InitialInterval != 0 {
		result.InitialInterval = override.InitialInterval
	}
	if override.BackoffCoefficient != 0 {
		result.BackoffCoefficient = override.BackoffCoefficient
	}
	if override.MaximumInterval != 0 {
		result.MaximumInterval = override.MaximumInterval
	}
	return result
}

// convertRetryPolicy translates the wire retry policy into Temporal's. A
// zero-valued policy returns nil, deferring to the engine default.
func convertRetryPolicy(r api.RetryPolicy) *temporal.RetryPolicy {
	if r == (api.RetryPolicy{}) {
		return nil
	}
	policy := &temporal.RetryPolicy{}
	if r.MaximumAttempts > 0 {
		policy.MaximumAttempts = int32(r.MaximumAttempts) //nolint:gosec // attempts are small, validated wire values
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
	}
	if r.MaximumInterval > 0 {
		policy.MaximumInterval = r.MaximumInterval
	}
	return policy
}
