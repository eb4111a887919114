// Package trace implements scoped trace-id acquisition (spec component C4).
// Trace ids are opaque strings derived from an OpenTelemetry span so the
// kernel's invocation tracing composes with whatever OTLP pipeline the host
// process configures, while still satisfying spec §4.4's plain-string
// contract for callers that don't care about otel.
package trace

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type ctxKey struct{}

// tracerName identifies this package's spans in exported traces.
const tracerName = "github.com/wisbric/modkernel/pkg/kernel/trace"

// Start returns the trace id already active on ctx, if any, otherwise mints
// a new one (backed by a new otel span) and returns the context carrying it
// alongside the id. Callers release with the returned end func on every exit
// path, including panics — defer it immediately.
func Start(ctx context.Context) (string, context.Context, func()) {
	if id, ok := current(ctx); ok {
		return id, ctx, func() {}
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "kernel.invoke")
	id := spanTraceID(span)
	ctx = context.WithValue(ctx, ctxKey{}, id)
	return id, ctx, span.End
}

// Current returns the active trace id on ctx, or "" if none is bound.
func Current(ctx context.Context) string {
	id, _ := current(ctx)
	return id
}

func current(ctx context.Context) (string, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

func spanTraceID(span trace.Span) string {
	if sc := span.SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	// No sampler/exporter configured: fall back to a random id so every
	// invocation still gets a unique-with-very-high-probability trace id
	// per spec §4.4.
	return uuid.NewString()
}
