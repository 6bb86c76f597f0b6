package otelinit

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// promHandler serves the Prometheus scrape reader registered alongside the
// OTLP push reader in InitMetrics, if it initialized successfully.
var promHandler http.Handler

// Metrics holds the common instruments shared across the data plane.
type Metrics struct {
	RetryAttempts          metric.Int64Counter
	CircuitOpenTransitions metric.Int64Counter
	TasksSubmitted         metric.Int64Counter
	TasksCompleted         metric.Int64Counter
	TasksFailed            metric.Int64Counter
	DispatchLatency        metric.Float64Histogram
}

func metricsEndpoint() string {
	if e := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"); e != "" {
		return e
	}
	return otlpEndpoint()
}

// InitMetrics installs a global MeterProvider pushing over OTLP/gRPC every 10s.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(metricsEndpoint()),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	); err != nil {
		slog.Warn("otlp metrics exporter init failed", "error", err)
	} else {
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))))
	}

	if promExp, err := prometheus.New(); err != nil {
		slog.Warn("prometheus metrics reader init failed", "error", err)
	} else {
		opts = append(opts, sdkmetric.WithReader(promExp))
		promHandler = promhttp.Handler()
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "otlp_endpoint", metricsEndpoint(), "service", service)
	return mp.Shutdown, createInstruments()
}

// PrometheusHandler returns the scrape handler for the Prometheus reader
// registered in InitMetrics, or nil if that reader failed to initialize (in
// which case a service should skip registering its /metrics route).
func PrometheusHandler() http.Handler {
	return promHandler
}

func createInstruments() Metrics {
	meter := otel.Meter("aiflow")
	retry, _ := meter.Int64Counter("aiflow_resilience_retry_attempts_total")
	circuit, _ := meter.Int64Counter("aiflow_resilience_circuit_open_total")
	submitted, _ := meter.Int64Counter("aiflow_tasks_submitted_total")
	completed, _ := meter.Int64Counter("aiflow_tasks_completed_total")
	failed, _ := meter.Int64Counter("aiflow_tasks_failed_total")
	latency, _ := meter.Float64Histogram("aiflow_dispatch_latency_ms")
	return Metrics{
		RetryAttempts:          retry,
		CircuitOpenTransitions: circuit,
		TasksSubmitted:         submitted,
		TasksCompleted:         completed,
		TasksFailed:            failed,
		DispatchLatency:        latency,
	}
}
