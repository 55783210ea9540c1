package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"
	"tangled.org/spindle/spindle/models"
)

const instrumentationName = "tangled.org/spindle/spindle/engine"

type instruments struct {
	tracer oteltrace.Tracer

	pipelines   otelmetric.Int64Counter
	jobs        otelmetric.Int64Counter
	jobDuration otelmetric.Float64Histogram
	running     otelmetric.Int64UpDownCounter
}

func newInstruments(tp oteltrace.TracerProvider, mp otelmetric.MeterProvider) *instruments {
	meter := mp.Meter(instrumentationName)
	must := func(err error) {
		if err != nil {
			panic(fmt.Sprintf("unable to create runner instrument: %v", err))
		}
	}

	pipelines, err := meter.Int64Counter(
		"spindle.pipelines",
		otelmetric.WithDescription("Finished pipelines by outcome."),
	)
	must(err)

	jobs, err := meter.Int64Counter(
		"spindle.jobs",
		otelmetric.WithDescription("Finished job instances by outcome."),
	)
	must(err)

	jobDuration, err := meter.Float64Histogram(
		"spindle.job.duration",
		otelmetric.WithDescription("Wall time of job instances."),
		otelmetric.WithUnit("s"),
	)
	must(err)

	running, err := meter.Int64UpDownCounter(
		"spindle.jobs.running",
		otelmetric.WithDescription("Job instances currently running."),
	)
	must(err)

	return &instruments{
		tracer:      tp.Tracer(instrumentationName),
		pipelines:   pipelines,
		jobs:        jobs,
		jobDuration: jobDuration,
		running:     running,
	}
}

func defaultInstruments() *instruments {
	return newInstruments(otel.GetTracerProvider(), otel.GetMeterProvider())
}

// Instrument reports spans and metrics of every run to the given providers
// instead of the global ones.
func (r *Runner) Instrument(tp oteltrace.TracerProvider, mp otelmetric.MeterProvider) {
	r.inst = newInstruments(tp, mp)
}

func (i *instruments) startPipeline(ctx context.Context, pid models.PipelineId, event, branch string, jobs int) (context.Context, oteltrace.Span) {
	return i.tracer.Start(ctx, "pipeline", oteltrace.WithAttributes(
		attribute.String("spindle.pipeline", pid.String()),
		attribute.String("spindle.event", event),
		attribute.String("spindle.branch", branch),
		attribute.Int("spindle.jobs", jobs),
	))
}

func (i *instruments) finishPipeline(ctx context.Context, span oteltrace.Span, status models.StatusKind) {
	outcome := attribute.String("spindle.outcome", status.Outcome())
	i.pipelines.Add(ctx, 1, otelmetric.WithAttributes(outcome))

	span.SetAttributes(outcome)
	if status.IsFailed() {
		span.SetStatus(codes.Error, "pipeline failed")
	}
	span.End()
}

func (i *instruments) startJob(ctx context.Context, jr *models.JobResult) (context.Context, oteltrace.Span) {
	i.running.Add(ctx, 1)
	return i.tracer.Start(ctx, "job "+jr.Name, oteltrace.WithAttributes(
		attribute.String("spindle.job", jr.Id.String()),
		attribute.String("spindle.workflow", jr.Workflow),
	))
}

func (i *instruments) finishJob(ctx context.Context, span oteltrace.Span, jr *models.JobResult) {
	i.running.Add(ctx, -1)

	attrs := otelmetric.WithAttributes(
		attribute.String("spindle.workflow", jr.Workflow),
		attribute.String("spindle.outcome", jr.Status.Outcome()),
	)
	i.jobs.Add(ctx, 1, attrs)
	if d := jr.Duration(); d > 0 {
		i.jobDuration.Record(ctx, d.Seconds(), attrs)
	}

	span.SetAttributes(attribute.String("spindle.status", jr.Status.String()))
	if jr.Status.IsFailed() {
		span.SetStatus(codes.Error, jr.Error)
	}
	span.End()
}

func (i *instruments) startStep(ctx context.Context, step models.Step) (context.Context, oteltrace.Span) {
	return i.tracer.Start(ctx, "step "+step.Name, oteltrace.WithAttributes(
		attribute.String("spindle.step.kind", step.Kind.String()),
	))
}

func (i *instruments) finishStep(span oteltrace.Span, sr *models.StepResult, err error) {
	span.SetAttributes(
		attribute.String("spindle.status", sr.Status.String()),
		attribute.Int("spindle.attempts", sr.Attempts),
		attribute.Float64("spindle.duration", sr.FinishedAt.Sub(sr.StartedAt).Round(time.Millisecond).Seconds()),
	)
	if err != nil {
		span.RecordError(err)
	}
	if sr.Status.IsFailed() {
		span.SetStatus(codes.Error, sr.Error)
	}
	span.End()
}
