package vqueue

import (
	"context"

	sdkmetrics "go.opentelemetry.io/otel/sdk/metric"

	"github.com/pitabwire/vqueue/consumer"
	"github.com/pitabwire/vqueue/queue"
	"github.com/pitabwire/vqueue/telemetry"
	"github.com/pitabwire/vqueue/workerpool"
)

// WithName specifies the name the service reports in logs and telemetry.
func WithName(name string) Option {
	return func(_ context.Context, s *Service) {
		s.name = name
	}
}

func WithVersion(version string) Option {
	return func(_ context.Context, s *Service) {
		s.version = version
	}
}

func WithEnvironment(environment string) Option {
	return func(_ context.Context, s *Service) {
		s.environment = environment
	}
}

// WithConfig replaces the environment configuration. cfg is consulted through
// the role interfaces of package config, so it may implement only some of them.
func WithConfig(cfg any) Option {
	return func(_ context.Context, s *Service) {
		s.configuration = cfg
	}
}

// WithTransport uses transport instead of opening one from the configured url.
// The service closes it on Stop when it implements queue.Closer.
func WithTransport(transport queue.Transport) Option {
	return func(_ context.Context, s *Service) {
		s.transport = transport
	}
}

// WithTransportURL overrides the configured transport url.
func WithTransportURL(dsn string) Option {
	return func(_ context.Context, s *Service) {
		s.transportURL = dsn
	}
}

func WithWorkerPoolOptions(opts ...workerpool.Option) Option {
	return func(_ context.Context, s *Service) {
		s.poolOptions = append(s.poolOptions, opts...)
	}
}

// WithMetricsReader installs reader in place of the exporter chosen from the environment.
func WithMetricsReader(reader sdkmetrics.Reader) Option {
	return func(_ context.Context, s *Service) {
		s.metricsReader = reader
	}
}

func WithTelemetry(opts ...telemetry.Option) Option {
	return func(_ context.Context, s *Service) {
		s.telemetryOpts = append(s.telemetryOpts, opts...)
	}
}

// WithRegisterConsumer adds a consumer on queueURL that Run starts and Stop terminates.
func WithRegisterConsumer(queueURL string, handler queue.Handler, opts ...consumer.Option) Option {
	return func(_ context.Context, s *Service) {
		s.registrations = append(s.registrations, registration{
			queueURL: queueURL,
			handler:  handler,
			opts:     opts,
		})
	}
}
