package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/contrib/propagators/autoprop"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklogs "go.opentelemetry.io/otel/sdk/log"
	sdkmetrics "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/pitabwire/vqueue/config"
)

const (
	envTracesExporter  = "OTEL_TRACES_EXPORTER"
	envMetricsExporter = "OTEL_METRICS_EXPORTER"
	envLogsExporter    = "OTEL_LOGS_EXPORTER"
)

type manager struct {
	cfg      config.ConfigurationTelemetry
	disabled bool

	serviceName     string
	serviceVersion  string
	environment     string
	messagingSystem string

	propagator   propagation.TextMapPropagator
	sampler      sdktrace.Sampler
	spanExporter sdktrace.SpanExporter
	metricReader sdkmetrics.Reader
	logExporter  sdklogs.Exporter
	views        []sdkmetrics.View

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetrics.MeterProvider
	loggerProvider *sdklogs.LoggerProvider
	logHandler     slog.Handler
}

// NewManager creates a telemetry manager. Nothing is installed until Init.
func NewManager(ctx context.Context, cfg config.ConfigurationTelemetry, opts ...Option) Manager {
	m := &manager{
		cfg:      cfg,
		disabled: cfg != nil && cfg.DisableOpenTelemetry(),
	}
	for _, opt := range opts {
		opt(ctx, m)
	}
	return m
}

func (m *manager) Disabled() bool {
	return m.disabled
}

// LogHandler is the otel log bridge, nil until Init has installed the providers.
func (m *manager) LogHandler() slog.Handler {
	return m.logHandler
}

// Init installs the global propagator and the trace, metric and log providers.
// Exporters not supplied through options come from the OTEL_*_EXPORTER
// variables and default to none.
func (m *manager) Init(ctx context.Context) error {
	if m.disabled {
		return nil
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, m.resourceAttributes()...))
	if err != nil {
		return err
	}

	if m.propagator == nil {
		m.propagator = autoprop.NewTextMapPropagator()
	}
	if m.sampler == nil {
		ratio := 1.0
		if m.cfg != nil {
			ratio = m.cfg.SamplingRatio()
		}
		m.sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}

	if m.spanExporter == nil {
		m.spanExporter, err = fromEnvironment(ctx, envTracesExporter,
			func(ctx context.Context) (sdktrace.SpanExporter, error) { return autoexport.NewSpanExporter(ctx) })
		if err != nil {
			return err
		}
	}
	if m.metricReader == nil {
		m.metricReader, err = fromEnvironment(ctx, envMetricsExporter,
			func(ctx context.Context) (sdkmetrics.Reader, error) { return autoexport.NewMetricReader(ctx) })
		if err != nil {
			return err
		}
	}
	if m.logExporter == nil {
		m.logExporter, err = fromEnvironment(ctx, envLogsExporter,
			func(ctx context.Context) (sdklogs.Exporter, error) { return autoexport.NewLogExporter(ctx) })
		if err != nil {
			return err
		}
	}

	m.install(res)
	return nil
}

func (m *manager) resourceAttributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(m.serviceName),
		semconv.ServiceVersion(m.serviceVersion),
		semconv.ServiceNamespace(m.environment),
		semconv.DeploymentEnvironmentName(m.environment),
		semconv.ProcessPID(os.Getpid()),
		semconv.ProcessRuntimeName("go"),
		semconv.ProcessRuntimeVersion(runtime.Version()),
	}
	if m.messagingSystem != "" {
		attrs = append(attrs, semconv.MessagingSystemKey.String(m.messagingSystem))
	}
	return attrs
}

// fromEnvironment builds an exporter with autoexport, selecting none when the
// variable is unset.
func fromEnvironment[T any](ctx context.Context, variable string, build func(context.Context) (T, error)) (T, error) {
	if os.Getenv(variable) == "" {
		_ = os.Setenv(variable, "none")
	}
	return build(ctx)
}

func (m *manager) install(res *resource.Resource) {
	otel.SetTextMapPropagator(m.propagator)

	m.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(m.sampler),
		sdktrace.WithBatcher(m.spanExporter))
	otel.SetTracerProvider(m.tracerProvider)

	m.meterProvider = sdkmetrics.NewMeterProvider(
		sdkmetrics.WithResource(res),
		sdkmetrics.WithReader(m.metricReader),
		sdkmetrics.WithView(append(ConsumerViews(), m.views...)...))
	otel.SetMeterProvider(m.meterProvider)

	m.loggerProvider = sdklogs.NewLoggerProvider(
		sdklogs.WithResource(res),
		sdklogs.WithProcessor(sdklogs.NewBatchProcessor(m.logExporter)))
	global.SetLoggerProvider(m.loggerProvider)

	m.logHandler = otelslog.NewHandler(m.serviceName,
		otelslog.WithSource(true),
		otelslog.WithLoggerProvider(m.loggerProvider),
		otelslog.WithAttributes(res.Attributes()...))
}

// Shutdown flushes and stops every provider Init installed.
func (m *manager) Shutdown(ctx context.Context) error {
	var errs []error
	if m.tracerProvider != nil {
		errs = append(errs, m.tracerProvider.Shutdown(ctx))
	}
	if m.meterProvider != nil {
		errs = append(errs, m.meterProvider.Shutdown(ctx))
	}
	if m.loggerProvider != nil {
		errs = append(errs, m.loggerProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
