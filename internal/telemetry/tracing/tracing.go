// Package tracing wires an OpenTelemetry SDK tracer provider: one span
// per kernel tick, and a span per subsystem execute_tick call opened by
// the worker from its own background context.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Tracer scopes an OpenTelemetry tracer to one kernel run.
type Tracer struct {
	tracer oteltrace.Tracer
	tp     *sdktrace.TracerProvider
}

// New builds a Tracer with a resource identifying serviceName. The
// returned provider has no exporter attached (spans are produced and
// sampled but not shipped anywhere); callers that want export should
// construct their own sdktrace.TracerProvider and wrap it with Wrap
// instead.
func New(serviceName string) *Tracer {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewSchemaless(
			semconv.ServiceNameKey.String(serviceName),
		)),
	)
	return Wrap(tp)
}

// Wrap adapts an already-configured TracerProvider (e.g. with a real
// exporter attached) into a Tracer.
func Wrap(tp *sdktrace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer("citysim/kernel"), tp: tp}
}

// Shutdown flushes and stops the underlying TracerProvider. Safe to call
// on a nil Tracer.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.tp == nil {
		return nil
	}
	return t.tp.Shutdown(ctx)
}

// StartTick opens the span covering one full kernel tick.
func (t *Tracer) StartTick(ctx context.Context, tick int64) (context.Context, oteltrace.Span) {
	if t == nil {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "kernel.tick", oteltrace.WithAttributes(
		attribute.Int64("tick", tick),
	))
}

// StartHook opens a child span for one subsystem lifecycle hook call.
func (t *Tracer) StartHook(ctx context.Context, subsystem, hook string) (context.Context, oteltrace.Span) {
	if t == nil {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, fmt.Sprintf("subsystem.%s", hook), oteltrace.WithAttributes(
		attribute.String("subsystem", subsystem),
	))
}

// ExtractIDs returns the trace/span ids carried by ctx's active span, for
// log correlation. Both are empty if ctx carries no valid span.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
