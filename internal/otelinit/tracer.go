// Package otelinit wires up OpenTelemetry tracing and metrics the same way
// across every binary in this repo: OTLP/gRPC exporters, a service-name
// resource, and a single shutdown hook called during graceful shutdown.
package otelinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

func otlpEndpoint() string {
	if e := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); e != "" {
		return e
	}
	return "localhost:4317"
}

// InitTracer installs a global TracerProvider exporting spans over OTLP/gRPC
// and returns a shutdown func to call during graceful shutdown.
func InitTracer(ctx context.Context, service string) func(context.Context) error {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))

	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlptracegrpc.New(ctxInit,
		otlptracegrpc.WithEndpoint(otlpEndpoint()),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("tracer exporter init failed", "error", err)
		return func(context.Context) error { return nil }
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	slog.Info("tracer initialized", "endpoint", otlpEndpoint(), "service", service)
	return tp.Shutdown
}

// WithSpan runs fn inside a new span named name on the service's tracer.
func WithSpan(ctx context.Context, service, name string, fn func(context.Context) error) error {
	tracer := otel.Tracer(service)
	ctx, span := tracer.Start(ctx, name)
	defer span.End()
	return fn(ctx)
}

// Tracer returns the named tracer; a thin convenience over otel.Tracer.
func Tracer(service string) trace.Tracer {
	return otel.Tracer(service)
}

// Flush calls shutdown with a bounded context, logging but not failing on error.
func Flush(ctx context.Context, shutdown func(context.Context) error) {
	if shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Warn("otel shutdown error", "error", err)
	}
}
