package metrics

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const scope = "github.com/dwsmith1983/nightrun"

// Instruments holds the pipeline's metric instruments.
type Instruments struct {
	ItemsCompleted  metric.Int64Counter
	ItemsFailed     metric.Int64Counter
	ArtifactsFailed metric.Int64Counter
	ItemDuration    metric.Float64Histogram
	RunDuration     metric.Float64Histogram
	VerifyDelta     metric.Int64Gauge
}

// New creates the instruments on meter.
func New(meter metric.Meter) (*Instruments, error) {
	var (
		in  Instruments
		err error
		all []error
	)
	in.ItemsCompleted, err = meter.Int64Counter("nightrun.items.completed",
		metric.WithDescription("Items whose content reached the cache"))
	all = append(all, err)
	in.ItemsFailed, err = meter.Int64Counter("nightrun.items.failed",
		metric.WithDescription("Items that failed, by category"))
	all = append(all, err)
	in.ArtifactsFailed, err = meter.Int64Counter("nightrun.artifacts.failed",
		metric.WithDescription("Artifact generations that failed for completed items"))
	all = append(all, err)
	in.ItemDuration, err = meter.Float64Histogram("nightrun.item.duration",
		metric.WithUnit("s"), metric.WithDescription("Per-item wall time"))
	all = append(all, err)
	in.RunDuration, err = meter.Float64Histogram("nightrun.run.duration",
		metric.WithUnit("s"), metric.WithDescription("Orchestrator run wall time"))
	all = append(all, err)
	in.VerifyDelta, err = meter.Int64Gauge("nightrun.verify.delta",
		metric.WithDescription("Unsatisfied invariant conditions on the latest scan"))
	all = append(all, err)

	if err := errors.Join(all...); err != nil {
		return nil, fmt.Errorf("creating instruments: %w", err)
	}
	return &in, nil
}

// Noop returns instruments that record nothing.
func Noop() *Instruments {
	in, _ := New(noop.NewMeterProvider().Meter(scope))
	return in
}

// Default returns instruments on the global meter provider.
func Default() *Instruments {
	in, err := New(otel.Meter(scope))
	if err != nil {
		return Noop()
	}
	return in
}

// Category is the attribute key for failure categories.
func Category(c string) attribute.KeyValue {
	return attribute.String("category", c)
}

// Setup installs OTLP gRPC trace and metric providers when
// OTEL_EXPORTER_OTLP_ENDPOINT is set. The returned shutdown flushes both.
// Without an endpoint the global no-op providers stay in place.
func Setup(ctx context.Context, service string) (func(context.Context) error, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return func(context.Context) error { return nil }, nil
	}

	res := resource.NewSchemaless(attribute.String("service.name", service))

	traceExp, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)

	metricExp, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
