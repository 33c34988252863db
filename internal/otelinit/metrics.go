package otelinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Metrics holds every instrument the scheduler's components share. They
// are created once at startup and threaded through component
// constructors, mirroring how the teacher threads a single meter's
// instruments into its DAG engine and persistence layer.
type Metrics struct {
	TaskSubmissions  metric.Int64Counter
	TaskRetries      metric.Int64Counter
	TaskFailures     metric.Int64Counter
	FlowMerges       metric.Int64Counter
	StallEvents      metric.Int64Counter
	PoolSize         metric.Int64UpDownCounter
	DBReadLatency    metric.Float64Histogram
	DBWriteLatency   metric.Float64Histogram
	CacheHits        metric.Int64Counter
	CacheMisses      metric.Int64Counter
	CircuitOpenTrips metric.Int64Counter
	RetryAttempts    metric.Int64Counter
}

// InitMetrics configures the global meter provider against an OTLP gRPC
// collector and builds the common instrument set. On exporter init
// failure, returns a no-op shutdown and still-usable no-op-backed
// instruments so callers never nil-check every counter.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otel metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, createCommonInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("otel metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, createCommonInstruments()
}

func createCommonInstruments() Metrics {
	meter := otel.Meter(TracerName)
	submissions, _ := meter.Int64Counter("cyclesched_task_submissions_total")
	retries, _ := meter.Int64Counter("cyclesched_task_retries_total")
	failures, _ := meter.Int64Counter("cyclesched_task_failures_total")
	merges, _ := meter.Int64Counter("cyclesched_flow_merges_total")
	stalls, _ := meter.Int64Counter("cyclesched_stall_events_total")
	poolSize, _ := meter.Int64UpDownCounter("cyclesched_pool_size")
	readLat, _ := meter.Float64Histogram("cyclesched_db_read_latency_seconds")
	writeLat, _ := meter.Float64Histogram("cyclesched_db_write_latency_seconds")
	hits, _ := meter.Int64Counter("cyclesched_cache_hits_total")
	misses, _ := meter.Int64Counter("cyclesched_cache_misses_total")
	circuitTrips, _ := meter.Int64Counter("cyclesched_circuit_open_total")
	retryAttempts, _ := meter.Int64Counter("cyclesched_resilience_retry_attempts_total")
	return Metrics{
		TaskSubmissions: submissions, TaskRetries: retries, TaskFailures: failures,
		FlowMerges: merges, StallEvents: stalls, PoolSize: poolSize,
		DBReadLatency: readLat, DBWriteLatency: writeLat,
		CacheHits: hits, CacheMisses: misses,
		CircuitOpenTrips: circuitTrips, RetryAttempts: retryAttempts,
	}
}
