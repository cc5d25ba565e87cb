package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// MergeContext layers the observability state carried by base onto ctx: the
// Clue log context, OTEL baggage, and the active span. Engine adapters call
// it inside activity handlers so node execution logs join the submitter's
// trace even though the workflow engine hands them a fresh context. A nil
// base leaves ctx untouched.
func MergeContext(ctx, base context.Context) context.Context {
	if base == nil {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	merged := log.WithContext(ctx, base)
	if bag := baggage.FromContext(base); bag.Len() > 0 {
		merged = baggage.ContextWithBaggage(merged, bag)
	}
	if spanCtx := trace.SpanContextFromContext(base); spanCtx.IsValid() {
		merged = trace.ContextWithSpanContext(merged, spanCtx)
	}
	return merged
}
