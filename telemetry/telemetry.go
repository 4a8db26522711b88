// Package telemetry wires OpenTelemetry tracing and metrics for the
// orchestrator. The core instruments its hot paths (routing, queue,
// arbitration) with spans and a small set of metrics; where those land is
// the deployment's business, so the default exporter just writes spans to
// stdout and metrics are collected by whatever reader the binary attaches.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/arbiterhq/orchestrator"

// Telemetry owns the trace and metric providers plus the orchestrator's
// instruments. A zero-value Telemetry is unusable; construct via Init or
// NewNoop.
type Telemetry struct {
	tracer trace.Tracer
	meter  metric.Meter

	traceProvider  *sdktrace.TracerProvider
	metricProvider *sdkmetric.MeterProvider

	QueueDepth       metric.Int64UpDownCounter
	TasksEnqueued    metric.Int64Counter
	RoutingLatencyMs metric.Float64Histogram
	VerdictsIssued   metric.Int64Counter
}

// Init builds providers with a stdout span exporter and a meter provider
// with no metric reader attached, registers them globally, and returns the handle the orchestrator
// threads through its subsystems.
func Init(ctx context.Context, serviceName string) (*Telemetry, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t := &Telemetry{
		tracer:         tp.Tracer(instrumentationName),
		meter:          mp.Meter(instrumentationName),
		traceProvider:  tp,
		metricProvider: mp,
	}
	if err := t.buildInstruments(); err != nil {
		return nil, err
	}
	return t, nil
}

// NewNoop returns a Telemetry whose spans and metrics go nowhere. Tests and
// library consumers that do not care about observability use this.
func NewNoop() *Telemetry {
	tp := sdktrace.NewTracerProvider()
	mp := sdkmetric.NewMeterProvider()
	t := &Telemetry{
		tracer:         tp.Tracer(instrumentationName),
		meter:          mp.Meter(instrumentationName),
		traceProvider:  tp,
		metricProvider: mp,
	}
	// Instrument creation on a reader-less provider cannot fail usefully.
	_ = t.buildInstruments()
	return t
}

func (t *Telemetry) buildInstruments() error {
	var err error
	if t.QueueDepth, err = t.meter.Int64UpDownCounter("arbiter.queue.depth",
		metric.WithDescription("Current number of queued tasks")); err != nil {
		return fmt.Errorf("create queue depth instrument: %w", err)
	}
	if t.TasksEnqueued, err = t.meter.Int64Counter("arbiter.queue.enqueued",
		metric.WithDescription("Tasks admitted to the queue")); err != nil {
		return fmt.Errorf("create enqueued instrument: %w", err)
	}
	if t.RoutingLatencyMs, err = t.meter.Float64Histogram("arbiter.routing.latency",
		metric.WithDescription("Routing decision latency"),
		metric.WithUnit("ms")); err != nil {
		return fmt.Errorf("create routing latency instrument: %w", err)
	}
	if t.VerdictsIssued, err = t.meter.Int64Counter("arbiter.arbitration.verdicts",
		metric.WithDescription("Verdicts issued by outcome")); err != nil {
		return fmt.Errorf("create verdicts instrument: %w", err)
	}
	return nil
}

// StartSpan opens a child span. The caller must End it.
func (t *Telemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordVerdict counts one verdict by outcome.
func (t *Telemetry) RecordVerdict(ctx context.Context, outcome string) {
	t.VerdictsIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRoutingLatency records one routing decision's latency with its
// strategy for dimensional breakdown.
func (t *Telemetry) RecordRoutingLatency(ctx context.Context, ms float64, strategy string) {
	t.RoutingLatencyMs.Record(ctx, ms, metric.WithAttributes(attribute.String("strategy", strategy)))
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := t.traceProvider.Shutdown(ctx); err != nil {
		return err
	}
	return t.metricProvider.Shutdown(ctx)
}

// AddSpanEvent marks a point in time on the current span, if one is
// recording.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// RecordSpanError captures err on the current span and marks it failed.
func RecordSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
