package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
	sdklogs "go.opentelemetry.io/otel/sdk/log"
	sdkmetrics "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type Option func(ctx context.Context, m *manager)

// WithDisableTracing turns the manager into a no-op.
func WithDisableTracing() Option {
	return func(_ context.Context, m *manager) {
		m.disabled = true
	}
}

func WithServiceName(name string) Option {
	return func(_ context.Context, m *manager) {
		m.serviceName = name
	}
}

func WithServiceVersion(version string) Option {
	return func(_ context.Context, m *manager) {
		m.serviceVersion = version
	}
}

func WithServiceEnvironment(env string) Option {
	return func(_ context.Context, m *manager) {
		m.environment = env
	}
}

// WithMessagingSystem tags the resource with the transport in use, e.g. aws_sqs or nats.
func WithMessagingSystem(system string) Option {
	return func(_ context.Context, m *manager) {
		m.messagingSystem = system
	}
}

// WithPropagationTextMap sets the propagator trace context travels through message attributes with.
func WithPropagationTextMap(propagator propagation.TextMapPropagator) Option {
	return func(_ context.Context, m *manager) {
		m.propagator = propagator
	}
}

func WithTraceExporter(exporter sdktrace.SpanExporter) Option {
	return func(_ context.Context, m *manager) {
		m.spanExporter = exporter
	}
}

func WithTraceSampler(sampler sdktrace.Sampler) Option {
	return func(_ context.Context, m *manager) {
		m.sampler = sampler
	}
}

// WithMetricsReader specifies the reader consumer and rpc metrics are exported through.
func WithMetricsReader(reader sdkmetrics.Reader) Option {
	return func(_ context.Context, m *manager) {
		m.metricReader = reader
	}
}

// WithViews adds metric views next to the consumer views installed by default.
func WithViews(views ...sdkmetrics.View) Option {
	return func(_ context.Context, m *manager) {
		m.views = append(m.views, views...)
	}
}

func WithTraceLogsExporter(exporter sdklogs.Exporter) Option {
	return func(_ context.Context, m *manager) {
		m.logExporter = exporter
	}
}
