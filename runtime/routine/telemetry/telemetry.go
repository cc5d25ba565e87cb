// Package telemetry defines the logging, metrics and tracing contracts used by
// the routine engine. Implementations delegate to Clue and OpenTelemetry; the
// interfaces stay small so engine code and tests never depend on a concrete
// provider.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Metric names recorded by the engine. Tags identify the routine, plugin and
// terminal status where applicable.
const (
	// MetricExecutionsStarted counts executions admitted by the runner.
	MetricExecutionsStarted = "routine.executions.started"
	// MetricExecutionsCompleted counts executions reaching a terminal status.
	// Tagged with status=completed|failed|cancelled|timeout.
	MetricExecutionsCompleted = "routine.executions.completed"
	// MetricNodeDuration measures wall-clock plugin execution time.
	MetricNodeDuration = "routine.node.duration"
	// MetricNodeRetries counts node activity retry attempts.
	MetricNodeRetries = "routine.node.retries"
	// MetricPublishFailures counts observability events dropped after retry.
	MetricPublishFailures = "routine.publish.failures"
)

// Logger captures structured logging used throughout the engine. Keyvals are
// alternating key/value pairs; keys must be strings.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer and gauge helpers for engine instrumentation.
// Tags are alternating key/value pairs.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so engine code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
//
//	ctx, span := tracer.Start(ctx, "routine.node", trace.WithSpanKind(trace.SpanKindInternal))
//	defer span.End()
//	span.SetStatus(codes.Ok, "")
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}
