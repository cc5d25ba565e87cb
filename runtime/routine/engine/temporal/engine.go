package temporal

import (
	"context"
	"fmt"
	"sync"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"flowstate.dev/flowstate/runtime/routine/api"
	"flowstate.dev/flowstate/runtime/routine/engine"
	"flowstate.dev/flowstate/runtime/routine/hooks"
	"flowstate.dev/flowstate/runtime/routine/telemetry"
)

// Options configures the Temporal engine adapter. Either a pre-configured
// Client or ClientOptions must be provided. The adapter automatically wires
// OTEL instrumentation, manages per-queue workers, and optionally auto-starts
// workers on first workflow execution.
type Options struct {
	// Client is an optional pre-configured Temporal client. If nil, the
	// adapter creates a lazy client using ClientOptions, allowing automatic
	// OTEL interceptor installation. Provide a pre-configured client when you
	// need custom interceptors or connection pooling.
	Client client.Client

	// ClientOptions describe how to construct the Temporal client when Client
	// is nil. Required when Client is nil. Only connection-related fields
	// (HostPort, Namespace, ...) need to be set; OTEL interceptors are
	// configured automatically.
	ClientOptions *client.Options

	// WorkerOptions configures worker defaults for task queue, concurrency,
	// and identity. TaskQueue must be set and defines the default queue used
	// when workflow/activity definitions omit a queue. A worker is created
	// per unique task queue.
	WorkerOptions WorkerOptions

	// Instrumentation toggles OTEL tracing and metrics for the Temporal
	// client and workers. Both are enabled by default.
	Instrumentation InstrumentationOptions

	// DisableWorkerAutoStart disables automatic worker startup on first
	// workflow execution. Set to true when you need manual control over the
	// worker lifecycle via Worker().
	DisableWorkerAutoStart bool

	// Logger emits workflow and worker logs. If nil, a noop logger is used.
	Logger telemetry.Logger

	// Metrics records engine-level metrics. If nil, a noop recorder is used.
	Metrics telemetry.Metrics

	// Tracer creates engine-level spans. If nil, a noop tracer is used.
	Tracer telemetry.Tracer
}

// WorkerOptions configures the shared worker settings applied to all task
// queues managed by the engine. When workflows or activities target different
// queues, the engine creates one worker per unique queue, each using these
// shared settings.
type WorkerOptions struct {
	// TaskQueue is the default queue name used when workflow/activity
	// definitions omit a queue. Required.
	TaskQueue string

	// Options are passed directly to Temporal's worker.New constructor for
	// controlling worker behavior: concurrency limits, worker identity,
	// custom interceptors.
	Options worker.Options
}

// InstrumentationOptions configures how the engine wires OpenTelemetry
// tracing and metrics into the Temporal client and workers. By default both
// are enabled using the OTEL interceptors provided by the Temporal SDK.
type InstrumentationOptions struct {
	// DisableTracing skips installing the OTEL tracing interceptor on the
	// client and workers.
	DisableTracing bool

	// DisableMetrics skips installing the OTEL metrics handler on the client
	// and workers.
	DisableMetrics bool

	// TracerOptions customize the OTEL tracing interceptor. Only used when
	// DisableTracing is false.
	TracerOptions temporalotel.TracerOptions

	// MetricsOptions customize the OTEL metrics handler. Only used when
	// DisableMetrics is false.
	MetricsOptions temporalotel.MetricsHandlerOptions
}

// Engine implements engine.Engine using Temporal as the durable execution
// backend. It manages workflow/activity registration, per-queue worker
// lifecycle, and provides execution handles. One worker is created per unique
// task queue.
//
// Thread-safety: all methods are safe for concurrent use.
//
// Lifecycle: construct via New, register the workflow and activities, then
// either let workers auto-start or call Worker().Start(). Call Close during
// shutdown to release the Temporal client.
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue      string
	workerOpts        worker.Options
	autoStartDisabled bool

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu              sync.Mutex
	workers         map[string]*workerBundle
	workersStarted  bool
	workflows       map[string]engine.WorkflowDefinition
	activityOptions map[string]engine.ActivityOptions

	baseContexts sync.Map // runID -> context.Context
}

var (
	_ engine.Engine   = (*Engine)(nil)
	_ engine.Signaler = (*Engine)(nil)
)

// New constructs a Temporal engine adapter. Either Client or ClientOptions
// must be provided, and WorkerOptions must name a default task queue.
func New(opts Options) (*Engine, error) {
	defaultQueue := opts.WorkerOptions.TaskQueue
	if defaultQueue == "" {
		return nil, fmt.Errorf("temporal engine: worker options must include a default task queue")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions.Options
	applyWorkerInstrumentation(&workerOpts, inst)

	return &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      defaultQueue,
		workerOpts:        workerOpts,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		logger:            logger,
		metrics:           metrics,
		tracer:            tracer,
		workers:           make(map[string]*workerBundle),
		workflows:         make(map[string]engine.WorkflowDefinition),
		activityOptions:   make(map[string]engine.ActivityOptions),
	}, nil
}

// RegisterWorkflow registers a workflow definition with the Temporal worker
// for the definition's task queue. The handler is wrapped to provide the
// engine's WorkflowContext abstraction.
//
// Registration must complete before calling StartWorkflow.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: workflow name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("temporal engine: workflow %q has no handler", def.Name)
	}
	queue := def.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	bundle.registerWorkflow(def.Name, func(tctx workflow.Context, input *api.RoutineInput) (*api.ExecutionOutcome, error) {
		wfCtx := newTemporalWorkflowContext(e, tctx)
		defer e.releaseBaseContext(wfCtx.RunID())
		return def.Handler(wfCtx, input)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterNodeActivity registers the node execution activity with the
// Temporal worker for the activity's queue. The handler is wrapped to mark
// the context as an activity invocation, rehydrate the submitter's telemetry
// context, and encode classified errors so Temporal's retry policy only
// fires on retryable kinds.
func (e *Engine) RegisterNodeActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.NodeActivityFunc) error {
	if name == "" {
		return fmt.Errorf("temporal engine: activity name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("temporal engine: activity %q has no handler", name)
	}
	bundle, err := e.workerForQueue(opts.Queue)
	if err != nil {
		return err
	}

	bundle.registerActivity(name, func(actx context.Context, input *api.NodeActivityInput) (*api.NodeActivityOutput, error) {
		actx = e.activityContext(actx)
		out, aerr := fn(actx, input)
		if aerr != nil {
			return nil, encodeActivityError(aerr)
		}
		return out, nil
	})

	e.storeActivityOptions(name, opts)
	return nil
}

// RegisterPublishActivity registers the event publishing activity with the
// Temporal worker for the activity's queue.
func (e *Engine) RegisterPublishActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.PublishActivityFunc) error {
	if name == "" {
		return fmt.Errorf("temporal engine: activity name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("temporal engine: activity %q has no handler", name)
	}
	bundle, err := e.workerForQueue(opts.Queue)
	if err != nil {
		return err
	}

	bundle.registerActivity(name, func(actx context.Context, input *hooks.ActivityInput) error {
		return fn(e.activityContext(actx), input)
	})

	e.storeActivityOptions(name, opts)
	return nil
}

// StartWorkflow launches a new workflow execution on Temporal. The workflow's
// task queue resolves in order: req.TaskQueue, the definition's queue, the
// engine default. A base context is captured so activities inherit the
// submitter's telemetry state.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, fmt.Errorf("temporal engine: workflow name is required")
	}
	def, err := e.workflowDefinition(req.Workflow)
	if err != nil {
		return nil, err
	}

	if !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}

	opts := client.StartWorkflowOptions{
		ID:                 req.ID,
		TaskQueue:          queue,
		WorkflowRunTimeout: req.RunTimeout,
	}
	if len(req.Memo) > 0 {
		opts.Memo = req.Memo
	}

	run, err := e.client.ExecuteWorkflow(ctx, opts, def.Name, req.Input)
	if err != nil {
		return nil, fmt.Errorf("temporal engine: start workflow %q: %w", req.ID, err)
	}
	e.baseContexts.Store(run.GetRunID(), context.WithoutCancel(ctx))

	return &workflowHandle{run: run, client: e.client}, nil
}

// QueryStatus reports the engine-level lifecycle status of the workflow
// identified by workflowID, using the latest run.
func (e *Engine) QueryStatus(ctx context.Context, workflowID string) (engine.RunStatus, error) {
	if workflowID == "" {
		return "", fmt.Errorf("temporal engine: workflow id is required")
	}
	resp, err := e.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		return "", mapSignalError(err)
	}
	info := resp.GetWorkflowExecutionInfo()
	if info == nil {
		return "", engine.ErrWorkflowNotFound
	}
	return mapExecutionStatus(info.GetStatus()), nil
}

// SignalByID sends a signal to a workflow by its workflow ID/run ID directly,
// without requiring an in-process handle.
func (e *Engine) SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error {
	if workflowID == "" {
		return fmt.Errorf("temporal engine: workflow id is required")
	}
	return mapSignalError(e.client.SignalWorkflow(ctx, workflowID, runID, name, payload))
}

// Worker returns a controller for managing the lifecycle of all workers
// managed by this engine. Use it to manually start or stop workers when
// DisableWorkerAutoStart is set; with auto-start (the default) workers start
// on first workflow execution and this method is optional.
func (e *Engine) Worker() *WorkerController {
	return &WorkerController{engine: e}
}

// Close shuts down the Temporal client if the engine created it. If a
// pre-configured Client was provided to New, Close does nothing and client
// lifecycle management stays with the caller.
func (e *Engine) Close() error {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

// activityContext marks actx as an activity invocation and rehydrates the
// telemetry state captured when the workflow was started.
func (e *Engine) activityContext(actx context.Context) context.Context {
	actx = engine.WithActivityContext(actx)
	if activity.IsActivity(actx) {
		runID := activity.GetInfo(actx).WorkflowExecution.RunID
		if base := e.workflowBaseContext(runID); base != nil {
			actx = telemetry.MergeContext(actx, base)
		}
	}
	return actx
}

func (e *Engine) storeActivityOptions(name string, opts engine.ActivityOptions) {
	e.mu.Lock()
	e.activityOptions[name] = opts
	e.mu.Unlock()
}

func (e *Engine) activityDefaultsFor(name string) engine.ActivityOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activityOptions[name]
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		queue = e.defaultQueue
	}
	if queue == "" {
		return nil, fmt.Errorf("temporal engine: no task queue configured")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}

	w := worker.New(e.client, queue, e.workerOpts)
	bundle := &workerBundle{
		queue:  queue,
		worker: w,
		logger: e.logger,
	}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) workflowDefinition(name string) (engine.WorkflowDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.workflows[name]
	if !ok {
		return engine.WorkflowDefinition{}, fmt.Errorf("temporal engine: workflow %q is not registered", name)
	}
	return def, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func (e *Engine) releaseBaseContext(runID string) {
	if runID == "" {
		return
	}
	e.baseContexts.Delete(runID)
}

func (e *Engine) workflowBaseContext(runID string) context.Context {
	if runID == "" {
		return nil
	}
	if base, ok := e.baseContexts.Load(runID); ok {
		if ctx, ok := base.(context.Context); ok {
			return ctx
		}
	}
	return nil
}

// WorkerController manages worker lifecycle for all task queues managed by
// the Temporal engine. Obtain one via Engine.Worker. Multiple controllers for
// the same engine share state, so start/stop operations affect all workers
// globally.
type WorkerController struct {
	engine *Engine
}

// Start launches all registered workers. Workers registered afterwards are
// auto-started as they are created.
func (c *WorkerController) Start() error {
	c.engine.ensureWorkersStarted()
	return nil
}

// Stop gracefully stops all workers managed by the engine, draining in-flight
// tasks.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()

	for _, b := range bundles {
		b.stop()
	}
}

type workerBundle struct {
	queue  string
	worker worker.Worker
	logger telemetry.Logger

	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited", "queue", b.queue, "err", err)
			}
		}()
	})
}

func (b *workerBundle) stop() {
	b.worker.Stop()
}

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *workflowHandle) Wait(ctx context.Context) (*api.ExecutionOutcome, error) {
	var outcome api.ExecutionOutcome
	if err := h.run.Get(ctx, &outcome); err != nil {
		return nil, err
	}
	return &outcome, nil
}

func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return mapSignalError(h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload))
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return mapSignalError(h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID()))
}
