// Package tracing wires distributed tracing spans around the coordinator's
// write/merge path and anti-entropy digest exchange (§5 suspension points),
// using the teacher's otel stack (Jaeger exporter + SDK).
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// InitTracer configures the global tracer provider to export spans to a
// Jaeger collector endpoint and returns it so the caller can Shutdown() it
// on process exit. The provider is created even if the endpoint is
// unreachable; connection errors surface only when spans are exported.
func InitTracer(serviceName, jaegerEndpoint string) (*sdktrace.TracerProvider, error) {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)))
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp, nil
}

// tracerName is the instrumentation scope name for every span this package
// starts.
const tracerName = "github.com/latticedb/engine"

// StartSpan starts a span named name under ctx's current trace, using the
// global tracer provider configured by InitTracer (or the otel no-op
// default if InitTracer was never called).
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
