package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Exporter selects where traces and metrics are sent.
type Exporter string

const (
	ExporterNone   Exporter = "none"
	ExporterStdout Exporter = "stdout"
	// endpoint and headers come from the standard OTEL_EXPORTER_OTLP_*
	// environment variables
	ExporterOTLP Exporter = "otlp"
)

func (e Exporter) Valid() bool {
	switch e {
	case ExporterNone, ExporterStdout, ExporterOTLP:
		return true
	}
	return false
}

type Telemetry struct {
	tp *trace.TracerProvider
	mp *metric.MeterProvider

	meter otelmetric.Meter

	serviceName string
}

// NewTelemetry sets up the global tracer and meter providers.
func NewTelemetry(ctx context.Context, serviceName, serviceVersion string, exporter Exporter) (*Telemetry, error) {
	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", serviceVersion),
	)

	tp, err := newTracerProvider(ctx, res, exporter)
	if err != nil {
		return nil, err
	}

	mp, err := newMeterProvider(ctx, res, exporter)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return New(serviceName, serviceVersion, tp, mp), nil
}

// New wraps existing providers without touching the global ones.
func New(serviceName, serviceVersion string, tp *trace.TracerProvider, mp *metric.MeterProvider) *Telemetry {
	return &Telemetry{
		tp: tp,
		mp: mp,

		meter: mp.Meter(serviceName, otelmetric.WithInstrumentationVersion(serviceVersion)),

		serviceName: serviceName,
	}
}

func newTracerProvider(ctx context.Context, res *resource.Resource, exporter Exporter) (*trace.TracerProvider, error) {
	var exp trace.SpanExporter
	var err error

	switch exporter {
	case ExporterStdout:
		exp, err = stdouttrace.New()
	case ExporterOTLP:
		exp, err = otlptracegrpc.New(ctx)
	default:
		return nil, fmt.Errorf("unknown exporter %q", exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", exporter, err)
	}

	return trace.NewTracerProvider(
		trace.WithBatcher(exp, trace.WithBatchTimeout(1*time.Second)),
		trace.WithResource(res),
	), nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, exporter Exporter) (*metric.MeterProvider, error) {
	var exp metric.Exporter
	var err error

	switch exporter {
	case ExporterStdout:
		exp, err = stdoutmetric.New()
	case ExporterOTLP:
		exp, err = otlpmetricgrpc.New(ctx)
	default:
		return nil, fmt.Errorf("unknown exporter %q", exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s metric exporter: %w", exporter, err)
	}

	return metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exp, metric.WithInterval(10*time.Second))),
		metric.WithResource(res),
	), nil
}

func (t *Telemetry) TracerProvider() oteltrace.TracerProvider {
	return t.tp
}

func (t *Telemetry) MeterProvider() otelmetric.MeterProvider {
	return t.mp
}

// Shutdown flushes pending spans and metrics.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tp.Shutdown(ctx), t.mp.Shutdown(ctx))
}
