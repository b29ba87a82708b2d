package batch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rshade/flowbatch/internal/runinfo"
)

const instrumentationName = "github.com/rshade/flowbatch/internal/engine/batch"

// Instrument names.
const (
	MetricLinesCompleted = "flowbatch.lines.completed"
	MetricLinesFailed    = "flowbatch.lines.failed"
	MetricLineDuration   = "flowbatch.line.duration"
)

type telemetry struct {
	tracer    trace.Tracer
	completed metric.Int64Counter
	failed    metric.Int64Counter
	duration  metric.Float64Histogram
}

// newTelemetry uses the global providers when tp or mp is nil. Instrument
// creation errors leave the instrument nil, which disables it.
func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) *telemetry {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	t := &telemetry{tracer: tp.Tracer(instrumentationName)}
	t.completed, _ = meter.Int64Counter(MetricLinesCompleted,
		metric.WithDescription("Lines that completed successfully"))
	t.failed, _ = meter.Int64Counter(MetricLinesFailed,
		metric.WithDescription("Lines that failed"))
	t.duration, _ = meter.Float64Histogram(MetricLineDuration,
		metric.WithDescription("Line wall time"), metric.WithUnit("s"))
	return t
}

func (t *telemetry) startRun(ctx context.Context, runID, flowName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "batch.run", trace.WithAttributes(
		attribute.String("flowbatch.run_id", runID),
		attribute.String("flowbatch.flow", flowName),
	))
}

func (t *telemetry) endRun(span trace.Span, res *Result, err error) {
	if res != nil {
		span.SetAttributes(
			attribute.String("flowbatch.status", string(res.Status)),
			attribute.Int("flowbatch.total_lines", res.TotalLines),
			attribute.Int("flowbatch.failed_lines", res.FailedLines),
		)
	}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res != nil && res.Err != nil:
		span.SetStatus(codes.Error, res.Err.Error())
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// recordLine emits a span covering the line's own start and end times,
// which are only known once the result arrives.
func (t *telemetry) recordLine(ctx context.Context, r *runinfo.LineResult) {
	info := r.RunInfo
	if info == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("flowbatch.flow", info.FlowID))

	_, span := t.tracer.Start(ctx, "batch.line",
		trace.WithTimestamp(info.StartTime),
		trace.WithAttributes(
			attribute.Int("flowbatch.line", info.LineIndex()),
			attribute.String("flowbatch.status", string(info.Status)),
		))
	if info.Status == runinfo.StatusFailed && info.Error != nil {
		span.SetStatus(codes.Error, info.Error.Message)
	}
	span.End(trace.WithTimestamp(info.EndTime))

	if info.Status == runinfo.StatusCompleted {
		if t.completed != nil {
			t.completed.Add(ctx, 1, attrs)
		}
	} else if t.failed != nil {
		t.failed.Add(ctx, 1, attrs)
	}
	if t.duration != nil && !info.EndTime.IsZero() {
		t.duration.Record(ctx, info.EndTime.Sub(info.StartTime).Seconds(), attrs)
	}
}
