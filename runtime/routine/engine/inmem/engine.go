// Package inmem provides an in-memory implementation of the workflow engine
// for development and tests. Workflows run as goroutines in the caller's
// process with no durability or replay; activity retry policies are emulated
// in-process so failure handling behaves like the durable engine.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"flowstate.dev/flowstate/runtime/routine/api"
	"flowstate.dev/flowstate/runtime/routine/engine"
	"flowstate.dev/flowstate/runtime/routine/execerrors"
)

type (
	eng struct {
		mu sync.RWMutex

		workflows         map[string]engine.WorkflowDefinition
		nodeActivities    map[string]nodeActivityDef
		publishActivities map[string]publishActivityDef

		handles  map[string]*handle          // live workflow handles by workflow ID
		statuses map[string]engine.RunStatus // workflow status by workflow ID
	}

	nodeActivityDef struct {
		handler engine.NodeActivityFunc
		opts    engine.ActivityOptions
	}

	publishActivityDef struct {
		handler engine.PublishActivityFunc
		opts    engine.ActivityOptions
	}

	handle struct {
		mu     sync.Mutex
		done   chan struct{}
		err    error
		result *api.ExecutionOutcome
		wfCtx  *wfCtx
	}

	wfCtx struct {
		ctx    context.Context
		cancel context.CancelFunc
		id     string
		runID  string
		eng    *eng

		cancelCh chan *api.CancelRequest
	}

	future[T any] struct {
		ready  chan struct{}
		result T
		err    error
	}

	receiver[T any] struct {
		ch chan T
	}
)

var (
	_ engine.Engine   = (*eng)(nil)
	_ engine.Signaler = (*eng)(nil)
)

// New returns a new in-memory Engine implementation suitable for local
// development, tests, and simple single-process runs. It is not deterministic
// or replay-safe and should not be used for production workloads.
func New() engine.Engine {
	return &eng{
		handles:  make(map[string]*handle),
		statuses: make(map[string]engine.RunStatus),
	}
}

func (e *eng) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Handler == nil || def.Name == "" {
		return errors.New("invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workflows == nil {
		e.workflows = make(map[string]engine.WorkflowDefinition)
	}
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterNodeActivity registers the typed activity that executes one node
// invocation.
func (e *eng) RegisterNodeActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.NodeActivityFunc) error {
	if name == "" {
		return errors.New("node activity name is required")
	}
	if fn == nil {
		return errors.New("node activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.nodeActivities == nil {
		e.nodeActivities = make(map[string]nodeActivityDef)
	}
	if _, dup := e.nodeActivities[name]; dup {
		return fmt.Errorf("node activity %q already registered", name)
	}
	e.nodeActivities[name] = nodeActivityDef{
		handler: fn,
		opts:    opts,
	}
	return nil
}

// RegisterPublishActivity registers the typed activity that publishes
// workflow-emitted lifecycle events to subscribers.
func (e *eng) RegisterPublishActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.PublishActivityFunc) error {
	if name == "" {
		return errors.New("publish activity name is required")
	}
	if fn == nil {
		return errors.New("publish activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.publishActivities == nil {
		e.publishActivities = make(map[string]publishActivityDef)
	}
	if _, dup := e.publishActivities[name]; dup {
		return fmt.Errorf("publish activity %q already registered", name)
	}
	e.publishActivities[name] = publishActivityDef{
		handler: fn,
		opts:    opts,
	}
	return nil
}

func (e *eng) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.RLock()
	def, ok := e.workflows[req.Workflow]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q not registered", req.Workflow)
	}
	if req.ID == "" {
		return nil, errors.New("workflow id is required")
	}

	// The workflow outlives the submitting call, as a durable engine would.
	// Values survive for telemetry; cancellation comes from the handle or the
	// run timeout.
	runCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if req.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, req.RunTimeout)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	wctx := &wfCtx{
		ctx:    runCtx,
		cancel: cancel,
		id:     req.ID,
		runID:  req.ID, // in-memory assigns the workflow ID as the run ID
		eng:    e,

		cancelCh: make(chan *api.CancelRequest, 1),
	}

	h := &handle{done: make(chan struct{}), wfCtx: wctx}

	e.mu.Lock()
	if prev, exists := e.handles[req.ID]; exists {
		select {
		case <-prev.done:
			// terminal, the ID can be reused
		default:
			e.mu.Unlock()
			cancel()
			return nil, fmt.Errorf("workflow %q is already running", req.ID)
		}
	}
	e.handles[req.ID] = h
	e.statuses[req.ID] = engine.RunStatusRunning
	e.mu.Unlock()

	go func() {
		defer close(h.done)
		defer cancel()
		res, err := def.Handler(wctx, req.Input)
		h.mu.Lock()
		h.result = res
		h.err = err
		h.mu.Unlock()
		e.mu.Lock()
		switch {
		case err == nil:
			e.statuses[req.ID] = engine.RunStatusCompleted
		case errors.Is(err, context.Canceled):
			e.statuses[req.ID] = engine.RunStatusCanceled
		case errors.Is(err, context.DeadlineExceeded):
			e.statuses[req.ID] = engine.RunStatusTimedOut
		default:
			e.statuses[req.ID] = engine.RunStatusFailed
		}
		e.mu.Unlock()
	}()

	return h, nil
}

// QueryStatus returns the current lifecycle status for a workflow execution
// by checking the in-memory status map.
func (e *eng) QueryStatus(_ context.Context, workflowID string) (engine.RunStatus, error) {
	if workflowID == "" {
		return "", errors.New("workflow id is required")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	status, ok := e.statuses[workflowID]
	if !ok {
		return "", engine.ErrWorkflowNotFound
	}
	return status, nil
}

// SignalByID delivers a signal to a workflow by its identifier, mirroring the
// out-of-process signaling the durable engine provides.
func (e *eng) SignalByID(ctx context.Context, workflowID, _ string, name string, payload any) error {
	e.mu.RLock()
	h, ok := e.handles[workflowID]
	e.mu.RUnlock()
	if !ok {
		return engine.ErrWorkflowNotFound
	}
	return h.Signal(ctx, name, payload)
}

func (h *handle) Wait(ctx context.Context) (*api.ExecutionOutcome, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	}
}

func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	switch name {
	case api.SignalCancel:
		if payload == nil {
			return sendSignal(ctx, h.done, h.wfCtx.cancelCh, &api.CancelRequest{})
		}
		req, ok := payload.(*api.CancelRequest)
		if !ok {
			return fmt.Errorf("signal %q expects *api.CancelRequest, got %T", name, payload)
		}
		return sendSignal(ctx, h.done, h.wfCtx.cancelCh, req)
	default:
		return fmt.Errorf("unknown signal %q", name)
	}
}

// Cancel cancels the workflow context. In-flight activities observe the
// cancellation through their attempt contexts.
func (h *handle) Cancel(_ context.Context) error {
	select {
	case <-h.done:
		return engine.ErrWorkflowCompleted
	default:
	}
	h.wfCtx.cancel()
	return nil
}

func (w *wfCtx) Context() context.Context {
	return engine.WithWorkflowContext(w.ctx, w)
}

func (w *wfCtx) WorkflowID() string {
	return w.id
}

func (w *wfCtx) RunID() string {
	return w.runID
}

func (w *wfCtx) Now() time.Time {
	return time.Now()
}

func (w *wfCtx) ExecuteNodeActivity(ctx context.Context, call engine.NodeActivityCall) (*api.NodeActivityOutput, error) {
	fut, err := w.ExecuteNodeActivityAsync(ctx, call)
	if err != nil {
		return nil, err
	}
	return fut.Get(ctx)
}

func (w *wfCtx) ExecuteNodeActivityAsync(ctx context.Context, call engine.NodeActivityCall) (engine.Future[*api.NodeActivityOutput], error) {
	if call.Name == "" {
		return nil, errors.New("node activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("node activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.nodeActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("node activity %q not registered", call.Name)
	}

	timeout := resolveTimeout(call.Options, def.opts)
	policy := mergeRetryPolicies(def.opts.RetryPolicy, call.Options.RetryPolicy)

	fut := &future[*api.NodeActivityOutput]{ready: make(chan struct{})}
	go func() {
		defer close(fut.ready)
		fut.result, fut.err = runWithRetry(ctx, policy, execerrors.IsRetryable, func(attemptCtx context.Context) (*api.NodeActivityOutput, error) {
			actCtx, cancel := withOptionalTimeout(attemptCtx, timeout)
			defer cancel()
			out, err := def.handler(engine.WithActivityContext(actCtx), call.Input)
			if err != nil {
				return nil, classifyActivityError(ctx, err)
			}
			return out, nil
		})
	}()
	return fut, nil
}

func (w *wfCtx) PublishEvent(ctx context.Context, call engine.PublishActivityCall) error {
	if call.Name == "" {
		return errors.New("publish activity name is required")
	}
	if call.Input == nil {
		return errors.New("publish activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.publishActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return fmt.Errorf("publish activity %q not registered", call.Name)
	}

	timeout := resolveTimeout(call.Options, def.opts)
	policy := mergeRetryPolicies(def.opts.RetryPolicy, call.Options.RetryPolicy)

	// Publish failures retry unconditionally up to the policy cap, matching
	// how the durable engine treats unclassified activity errors.
	_, err := runWithRetry(ctx, policy, func(error) bool { return true }, func(attemptCtx context.Context) (struct{}, error) {
		actCtx, cancel := withOptionalTimeout(attemptCtx, timeout)
		defer cancel()
		return struct{}{}, def.handler(engine.WithActivityContext(actCtx), call.Input)
	})
	return err
}

func (w *wfCtx) CancelRequests() engine.Receiver[*api.CancelRequest] {
	return receiver[*api.CancelRequest]{ch: w.cancelCh}
}

func (w *wfCtx) NewTimer(ctx context.Context, d time.Duration) (engine.Future[time.Time], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fut := &future[time.Time]{ready: make(chan struct{})}
	if d <= 0 {
		fut.result = time.Now()
		close(fut.ready)
		return fut, nil
	}
	timer := time.NewTimer(d)
	go func() {
		defer close(fut.ready)
		select {
		case at := <-timer.C:
			fut.result = at
		case <-ctx.Done():
			timer.Stop()
			fut.err = ctx.Err()
		}
	}()
	return fut, nil
}

func (w *wfCtx) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *wfCtx) WithCancel() (engine.WorkflowContext, func()) {
	cctx, cancel := context.WithCancel(w.ctx)
	derived := *w
	derived.ctx = cctx
	derived.cancel = cancel
	return &derived, cancel
}

// SetQueryHandler is a no-op for the in-memory engine; QueryStatus reads the
// status map directly.
func (w *wfCtx) SetQueryHandler(string, any) error {
	return nil
}

func (r receiver[T]) Receive(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case val := <-r.ch:
		return val, nil
	}
}

func (r receiver[T]) ReceiveAsync() (T, bool) {
	select {
	case val := <-r.ch:
		return val, true
	default:
		var zero T
		return zero, false
	}
}

func (f *future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-f.ready:
		return f.result, f.err
	}
}

func (f *future[T]) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

// runWithRetry emulates the durable engine's activity retry contract
// in-process: attempts repeat with exponential backoff while retryable
// reports true for the failure, up to the policy's MaximumAttempts. A zero
// policy falls back to the api defaults the way the durable engine falls
// back to server defaults.
func runWithRetry[T any](ctx context.Context, policy api.RetryPolicy, retryable func(error) bool, attempt func(context.Context) (T, error)) (T, error) {
	var zero T
	if policy == (api.RetryPolicy{}) {
		policy = api.DefaultRetryPolicy()
	}
	interval := policy.InitialInterval
	if interval <= 0 {
		interval = time.Millisecond
	}
	for n := 1; ; n++ {
		out, err := attempt(ctx)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		if !retryable(err) || (policy.MaximumAttempts > 0 && n >= policy.MaximumAttempts) {
			return zero, err
		}
		select {
		case <-ctx.Done():
			return zero, err
		case <-time.After(interval):
		}
		if policy.BackoffCoefficient > 1 {
			interval = time.Duration(float64(interval) * policy.BackoffCoefficient)
		}
		if policy.MaximumInterval > 0 && interval > policy.MaximumInterval {
			interval = policy.MaximumInterval
		}
	}
}

// classifyActivityError mirrors the durable engine's boundary decoding so
// callers observe the same error kinds regardless of engine. wfScope is the
// workflow-side context; an attempt deadline that fires while the workflow
// scope is still live classifies as aborted rather than cancelled.
func classifyActivityError(wfScope context.Context, err error) error {
	if _, ok := execerrors.AsError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded) && wfScope.Err() == nil:
		return execerrors.Wrap(execerrors.KindAborted, "activity deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return execerrors.Wrap(execerrors.KindCancelled, "activity cancelled", err)
	default:
		return execerrors.FromError(err)
	}
}

func resolveTimeout(call, registered engine.ActivityOptions) time.Duration {
	if call.Timeout > 0 {
		return call.Timeout
	}
	if registered.Timeout > 0 {
		return registered.Timeout
	}
	return api.DefaultActivityStartToCloseTimeout
}

// mergeRetryPolicies overlays non-zero override fields onto the registered
// policy.
func mergeRetryPolicies(base, override api.RetryPolicy) api.RetryPolicy {
	merged := base
	if override.InitialInterval > 0 {
		merged.InitialInterval = override.InitialInterval
	}
	if override.BackoffCoefficient > 0 {
		merged.BackoffCoefficient = override.BackoffCoefficient
	}
	if override.MaximumInterval > 0 {
		merged.MaximumInterval = override.MaximumInterval
	}
	if override.MaximumAttempts > 0 {
		merged.MaximumAttempts = override.MaximumAttempts
	}
	return merged
}

func sendSignal[T any](ctx context.Context, done <-chan struct{}, ch chan<- T, payload T) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return engine.ErrWorkflowCompleted
	case ch <- payload:
		return nil
	}
}

func withOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, timeout)
}
