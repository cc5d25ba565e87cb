package runtime

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"flowstate.dev/flowstate/runtime/routine/api"
	"flowstate.dev/flowstate/runtime/routine/engine/temporal"
	"flowstate.dev/flowstate/runtime/routine/execerrors"
	"flowstate.dev/flowstate/runtime/routine/hooks"
	"flowstate.dev/flowstate/runtime/routine/telemetry"
)

// ExecuteNodeActivity is the node activity handler: it runs one node
// invocation through the plugin invoker. Registered as ActivityExecuteNode;
// the engine calls it outside the deterministic workflow thread, so it is
// free to do I/O. Errors come back classified so the engine retries only
// transient ones.
func (r *Runtime) ExecuteNodeActivity(ctx context.Context, in *api.NodeActivityInput) (*api.NodeActivityOutput, error) {
	if in == nil {
		return nil, execerrors.New(execerrors.KindInvalidInput, "node activity input is required")
	}
	ctx, span := r.tracer.Start(ctx, "routine.node",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("flowstate.execution_id", in.ExecutionID),
			attribute.String("flowstate.node_id", in.NodeID),
			attribute.String("flowstate.plugin_id", in.PluginID),
		),
	)
	defer span.End()

	if attempt := temporal.Attempt(ctx); attempt > 1 {
		r.metrics.IncCounter(telemetry.MetricNodeRetries, 1, "plugin", in.PluginID)
		span.AddEvent("retry", "attempt", attempt)
	}

	out, err := r.invoker.Invoke(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, execerrors.FromError(err).Message)
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// PublishEventActivity is the publish activity handler: it decodes a
// workflow-emitted event envelope and fans it out on the hook bus.
// Subscribers run synchronously. An error from the durable subscribers fails
// the activity so the engine's retry policy redelivers the event; delivery is
// therefore at least once and subscribers must be idempotent.
func (r *Runtime) PublishEventActivity(ctx context.Context, in *hooks.ActivityInput) error {
	evt, err := hooks.Decode(in)
	if err != nil {
		r.logger.Error(ctx, "undecodable lifecycle event", "error", err)
		return err
	}
	if err := r.Bus.Publish(ctx, evt); err != nil {
		r.logger.Warn(ctx, "lifecycle event delivery failed",
			"type", string(evt.Type()), "executionId", evt.ExecutionID(), "error", err)
		return err
	}
	switch e := evt.(type) {
	case *hooks.ExecutionCreatedEvent:
		r.metrics.IncCounter(telemetry.MetricExecutionsStarted, 1, "routineId", e.RoutineID())
	case *hooks.ExecutionUpdatedEvent:
		if e.Status.Terminal() {
			r.metrics.IncCounter(telemetry.MetricExecutionsCompleted, 1, "status", string(e.Status))
		}
	}
	return nil
}
