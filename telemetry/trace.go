package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/pitabwire/util"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/vqueue/queue"
)

//nolint:gochecknoglobals // attribute keys are shared by spans and views
var (
	AttrMethodKey  = attribute.Key("vqueue_method")
	AttrPackageKey = attribute.Key("vqueue_package")
	AttrStatusKey  = attribute.Key("vqueue_status")
	AttrErrorKey   = attribute.Key("vqueue_error")
	AttrQueueKey   = attribute.Key("vqueue_queue")
)

type spanTimingKey struct{}

// spanTiming travels in the span context so End can record latency.
type spanTiming struct {
	method  string
	started time.Time
}

type tracer struct {
	name    string
	tracer  trace.Tracer
	latency metric.Float64Histogram
}

// NewTracer creates a tracer whose spans also feed the package latency histogram.
func NewTracer(name string, options ...trace.TracerOption) Tracer {
	return &tracer{
		name:    name,
		tracer:  otel.Tracer(name, options...),
		latency: LatencyMeasure(name),
	}
}

// Start begins a span. The caller ends it with End.
//
//nolint:spancheck // the span is handed back to the caller
func (t *tracer) Start(
	ctx context.Context,
	spanName string,
	options ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	options = append(options, trace.WithAttributes(AttrMethodKey.String(spanName)))

	ctx, span := t.tracer.Start(ctx, spanName, options...)
	return context.WithValue(ctx, spanTimingKey{}, spanTiming{
		method:  t.name + "/" + spanName,
		started: time.Now(),
	}), span
}

// End completes a span, marking it failed when err is set, and records its latency.
func (t *tracer) End(ctx context.Context, span trace.Span, err error, options ...trace.SpanEndOption) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
	} else {
		options = append(options, trace.WithStackTrace(true))
		span.SetAttributes(AttrErrorKey.String(err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End(options...)

	timing, ok := ctx.Value(spanTimingKey{}).(spanTiming)
	if !ok {
		util.Log(ctx).Warn("span ended without a start time, latency not recorded")
		return
	}

	t.latency.Record(ctx, float64(time.Since(timing.started).Milliseconds()),
		metric.WithAttributes(
			AttrStatusKey.String(ErrorCode(err)),
			AttrMethodKey.String(timing.method)))
}

// ErrorCode condenses err into the status recorded on latency measurements.
func ErrorCode(err error) string {
	var timeout *queue.TimeoutError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &timeout):
		return "timeout"
	case queue.IsQueueDoesNotExist(err):
		return "not found"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline exceeded"
	default:
		return "err"
	}
}
