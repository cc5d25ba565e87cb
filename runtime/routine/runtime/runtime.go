// Package runtime assembles the routine execution engine: it binds the graph
// compiler, the task iterator, the plugin registry and the lifecycle hooks to
// a durable workflow engine and exposes a client for starting, watching and
// cancelling executions.
//
// A Runtime is configured once, plugins are registered, Start wires the
// workflow and activities into the engine, and from then on executions are
// driven through the Client. The zero configuration runs on the in-memory
// engine with no persistence, which is what tests and local tools use; the
// worker binary swaps in Temporal, Mongo and Pulse through options.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"flowstate.dev/flowstate/runtime/routine/api"
	"flowstate.dev/flowstate/runtime/routine/credentials"
	"flowstate.dev/flowstate/runtime/routine/engine"
	"flowstate.dev/flowstate/runtime/routine/engine/inmem"
	"flowstate.dev/flowstate/runtime/routine/engine/temporal"
	"flowstate.dev/flowstate/runtime/routine/execstore"
	"flowstate.dev/flowstate/runtime/routine/hooks"
	"flowstate.dev/flowstate/runtime/routine/plugin"
	"flowstate.dev/flowstate/runtime/routine/stream"
	"flowstate.dev/flowstate/runtime/routine/telemetry"
)

// Names registered with the workflow engine. Stable across releases: running
// workflows resolve their handlers by these strings after a worker restart.
const (
	// WorkflowRoutine is the routine execution workflow.
	WorkflowRoutine = "flowstate.routine.execute"

	// ActivityExecuteNode runs one node invocation against the plugin
	// registry.
	ActivityExecuteNode = "flowstate.routine.node"

	// ActivityPublishEvent delivers one lifecycle event to the hook bus.
	ActivityPublishEvent = "flowstate.routine.publish"

	// QueryExecutionStatus is the workflow query returning the current
	// api.ExecutionStatus.
	QueryExecutionStatus = "flowstate.routine.status"
)

// DefaultTaskQueue is used when no task queue is configured.
const DefaultTaskQueue = "flowstate-routines"

// publishTimeout bounds one publish activity attempt. Subscribers retry
// internally, so a healthy attempt is quick.
const publishTimeout = 30 * time.Second

var (
	// ErrRegistrationClosed is returned when a plugin is registered after
	// Start.
	ErrRegistrationClosed = errors.New("plugin registration closed after start")

	// ErrNotStarted is returned when an execution is submitted before Start.
	ErrNotStarted = errors.New("runtime not started")
)

type (
	// Runtime binds the execution engine together. Construct with New, then
	// register plugins and call Start before submitting executions.
	Runtime struct {
		// Engine is the durable workflow engine driving executions.
		Engine engine.Engine

		// Registry holds the executable plugins.
		Registry *plugin.Registry

		// Credentials resolves credential ids during node execution. Nil
		// fails any node that requests credentials.
		Credentials credentials.Store

		// Bus fans lifecycle events out to subscribers.
		Bus hooks.Bus

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		taskQueue        string
		execOpts         api.Options
		heartbeatTimeout time.Duration

		invoker *plugin.Invoker

		mu      sync.RWMutex
		started bool
	}

	// Options configures a Runtime. The zero value runs executions on the
	// in-memory engine with a fresh registry and bus.
	Options struct {
		// Engine drives workflow executions. Nil means inmem.New().
		Engine engine.Engine

		// Registry holds the executable plugins. Nil means a new empty
		// registry.
		Registry *plugin.Registry

		// Credentials resolves credential ids for nodes. Optional.
		Credentials credentials.Store

		// Hooks is the lifecycle event bus. Nil means a new bus.
		Hooks hooks.Bus

		// ExecutionStore persists execution records. When set, a store
		// subscriber is registered on the bus.
		ExecutionStore execstore.Store

		// Stream receives live execution events. When set, a stream
		// subscriber is registered on the bus.
		Stream stream.Sink

		// Logger, Metrics and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer

		// TaskQueue is the engine task queue for the workflow and its
		// activities. Empty means DefaultTaskQueue.
		TaskQueue string

		// Execution holds the default execution options. Per-execution
		// options in the routine input override these.
		Execution api.Options

		// NodeHeartbeatTimeout is the activity heartbeat timeout for node
		// activities. Zero disables heartbeat monitoring; set it only when
		// plugins heartbeat during long work.
		NodeHeartbeatTimeout time.Duration
	}

	// Option mutates Options.
	Option func(*Options)
)

// WithEngine sets the workflow engine.
func WithEngine(e engine.Engine) Option {
	return func(o *Options) { o.Engine = e }
}

// WithRegistry sets the plugin registry.
func WithRegistry(r *plugin.Registry) Option {
	return func(o *Options) { o.Registry = r }
}

// WithCredentials sets the credential store.
func WithCredentials(s credentials.Store) Option {
	return func(o *Options) { o.Credentials = s }
}

// WithHooks sets the lifecycle event bus.
func WithHooks(b hooks.Bus) Option {
	return func(o *Options) { o.Hooks = b }
}

// WithExecutionStore persists executions to the given store.
func WithExecutionStore(s execstore.Store) Option {
	return func(o *Options) { o.ExecutionStore = s }
}

// WithStream publishes live execution events to the given sink.
func WithStream(s stream.Sink) Option {
	return func(o *Options) { o.Stream = s }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(o *Options) { o.Tracer = t }
}

// WithQueue sets the engine task queue.
func WithQueue(name string) Option {
	return func(o *Options) { o.TaskQueue = name }
}

// WithExecutionOptions sets the default execution options.
func WithExecutionOptions(opts api.Options) Option {
	return func(o *Options) { o.Execution = opts }
}

// WithNodeHeartbeatTimeout enables heartbeat monitoring for node activities.
func WithNodeHeartbeatTimeout(d time.Duration) Option {
	return func(o *Options) { o.NodeHeartbeatTimeout = d }
}

// New constructs a Runtime from the given options.
func New(opts ...Option) *Runtime {
	var o Options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return newFromOptions(o)
}

func newFromOptions(o Options) *Runtime {
	rt := &Runtime{
		Engine:           o.Engine,
		Registry:         o.Registry,
		Credentials:      o.Credentials,
		Bus:              o.Hooks,
		logger:           o.Logger,
		metrics:          o.Metrics,
		tracer:           o.Tracer,
		taskQueue:        o.TaskQueue,
		execOpts:         o.Execution.WithDefaults(),
		heartbeatTimeout: o.NodeHeartbeatTimeout,
	}
	if rt.Engine == nil {
		rt.Engine = inmem.New()
	}
	if rt.Registry == nil {
		rt.Registry = plugin.NewRegistry()
	}
	if rt.Bus == nil {
		rt.Bus = hooks.NewBus()
	}
	if rt.logger == nil {
		rt.logger = telemetry.NewNoopLogger()
	}
	if rt.metrics == nil {
		rt.metrics = telemetry.NewNoopMetrics()
	}
	if rt.tracer == nil {
		rt.tracer = telemetry.NewNoopTracer()
	}
	if rt.taskQueue == "" {
		rt.taskQueue = DefaultTaskQueue
	}
	rt.invoker = plugin.NewInvoker(rt.Registry, &plugin.InvokerOptions{
		Credentials: rt.Credentials,
		Logger:      rt.logger,
		Metrics:     rt.metrics,
		Heartbeat:   temporal.Heartbeater(),
	})
	if o.ExecutionStore != nil {
		sub, err := execstore.NewSubscriber(o.ExecutionStore, &execstore.SubscriberOptions{Logger: rt.logger})
		if err == nil {
			_, err = rt.Bus.Register(sub)
		}
		if err != nil {
			rt.logger.Warn(context.Background(), "failed to register execution store subscriber", "error", err)
		}
	}
	if o.Stream != nil {
		sub, err := stream.NewSubscriber(o.Stream, &stream.SubscriberOptions{Logger: rt.logger, Metrics: rt.metrics})
		if err == nil {
			_, err = rt.Bus.Register(sub)
		}
		if err != nil {
			rt.logger.Warn(context.Background(), "failed to register stream subscriber", "error", err)
		}
	}
	return rt
}

// RegisterPlugin adds a plugin to the registry. Registration closes at Start
// so every worker process the engine dispatches to sees the same plugin set.
func (r *Runtime) RegisterPlugin(p plugin.Plugin) error {
	r.mu.RLock()
	closed := r.started
	r.mu.RUnlock()
	if closed {
		return ErrRegistrationClosed
	}
	return r.Registry.Register(p)
}

// Start registers the routine workflow and its activities with the engine and
// closes plugin registration. Engines with background workers begin polling
// on their own; Start itself does not block. Calling Start twice is a no-op.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	err := r.Engine.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:      WorkflowRoutine,
		TaskQueue: r.taskQueue,
		Handler:   r.Workflow,
	})
	if err != nil {
		return fmt.Errorf("register routine workflow: %w", err)
	}
	err = r.Engine.RegisterNodeActivity(ctx, ActivityExecuteNode, engine.ActivityOptions{
		Queue:            r.taskQueue,
		RetryPolicy:      r.execOpts.ActivityRetry,
		Timeout:          r.execOpts.ActivityStartToCloseTimeout,
		HeartbeatTimeout: r.heartbeatTimeout,
	}, r.ExecuteNodeActivity)
	if err != nil {
		return fmt.Errorf("register node activity: %w", err)
	}
	err = r.Engine.RegisterPublishActivity(ctx, ActivityPublishEvent, engine.ActivityOptions{
		Queue:   r.taskQueue,
		Timeout: publishTimeout,
	}, r.PublishEventActivity)
	if err != nil {
		return fmt.Errorf("register publish activity: %w", err)
	}
	r.started = true
	r.logger.Info(ctx, "routine runtime started", "taskQueue", r.taskQueue)
	return nil
}

// executionOptions overlays the input's options onto the runtime defaults.
func (r *Runtime) executionOptions(input *api.RoutineInput) api.Options {
	opts := r.execOpts
	if in := input.Options; in != nil {
		if in.MaxConcurrentActivities > 0 {
			opts.MaxConcurrentActivities = in.MaxConcurrentActivities
		}
		if in.ActivityStartToCloseTimeout > 0 {
			opts.ActivityStartToCloseTimeout = in.ActivityStartToCloseTimeout
		}
		if in.ActivityRetry != (api.RetryPolicy{}) {
			opts.ActivityRetry = in.ActivityRetry
		}
		if in.ExecutionDeadline > 0 {
			opts.ExecutionDeadline = in.ExecutionDeadline
		}
	}
	return opts.WithDefaults()
}
