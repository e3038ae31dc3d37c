// Package vqueue ties a queue transport, the virtual queue multiplexer, consumer
// engines and request/response messaging into one service with a managed
// lifecycle.
package vqueue

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pitabwire/util"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetrics "go.opentelemetry.io/otel/sdk/metric"

	"github.com/pitabwire/vqueue/config"
	"github.com/pitabwire/vqueue/consumer"
	"github.com/pitabwire/vqueue/profiler"
	"github.com/pitabwire/vqueue/queue"
	"github.com/pitabwire/vqueue/rpc"
	"github.com/pitabwire/vqueue/telemetry"
	"github.com/pitabwire/vqueue/transport"
	"github.com/pitabwire/vqueue/version"
	"github.com/pitabwire/vqueue/virtual"
	"github.com/pitabwire/vqueue/workerpool"
)

type contextKey string

func (c contextKey) String() string {
	return "vqueue/" + string(c)
}

const (
	ctxKeyService = contextKey("serviceKey")

	meterName = "github.com/pitabwire/vqueue"
)

// Service holds the components of a queue application for its lifetime.
type Service struct {
	name          string
	version       string
	environment   string
	configuration any
	logger        *util.LogEntry

	telemetryManager telemetry.Manager
	telemetryOpts    []telemetry.Option
	metricsReader    sdkmetrics.Reader

	pool        workerpool.WorkerPool
	poolOptions []workerpool.Option
	profiler    *profiler.Server

	transportURL string
	transport    queue.Transport
	client       *virtual.Client
	responder    *rpc.Responder

	mu            sync.Mutex
	registrations []registration
	consumers     []*consumer.Engine
	requesters    []*rpc.Requester
	startupErrors []error

	cancelFunc context.CancelFunc
	stopOnce   sync.Once
	stopErr    error
}

type registration struct {
	queueURL string
	handler  queue.Handler
	opts     []consumer.Option
}

type Option func(ctx context.Context, s *Service)

// NewService builds a service from environment configuration adjusted by opts.
// The returned context is cancelled on SIGINT, SIGTERM, SIGHUP or SIGQUIT and
// carries the service, its configuration and its logger.
func NewService(ctx context.Context, opts ...Option) (context.Context, *Service) {
	ctx, signalCancelFunc := signal.NotifyContext(ctx,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	s := &Service{cancelFunc: signalCancelFunc, profiler: profiler.NewServer()}

	defaultCfg, err := config.FromEnv[config.ConfigurationDefault]()
	if err != nil {
		s.startupErrors = append(s.startupErrors, fmt.Errorf("could not read configuration: %w", err))
	}
	s.configuration = &defaultCfg
	s.name = defaultCfg.ServiceName
	s.environment = defaultCfg.ServiceEnvironment
	s.version = defaultCfg.ServiceVersion
	if s.version == "" {
		s.version = version.Version
	}

	for _, opt := range opts {
		opt(ctx, s)
	}

	s.setupTelemetry(ctx)
	s.setupLogger(ctx)
	ctx = util.ContextWithLogger(ctx, s.logger)

	s.setupWorkerPool(ctx)
	s.setupTransport(ctx)

	ctx = ToContext(ctx, s)
	ctx = config.ToContext(ctx, s.Config())
	return ctx, s
}

// ToContext pushes a service into ctx.
func ToContext(ctx context.Context, s *Service) context.Context {
	return context.WithValue(ctx, ctxKeyService, s)
}

// FromContext returns the service carried by ctx, or nil.
func FromContext(ctx context.Context) *Service {
	s, ok := ctx.Value(ctxKeyService).(*Service)
	if !ok {
		return nil
	}
	return s
}

func (s *Service) Name() string {
	return s.name
}

func (s *Service) Version() string {
	return s.version
}

func (s *Service) Environment() string {
	return s.environment
}

// Config returns the configuration object, a *config.ConfigurationDefault unless replaced by WithConfig.
func (s *Service) Config() any {
	return s.configuration
}

func (s *Service) Log(ctx context.Context) *util.LogEntry {
	return s.logger.WithContext(ctx)
}

func (s *Service) setupTelemetry(ctx context.Context) {
	telCfg, _ := s.configuration.(config.ConfigurationTelemetry)

	opts := []telemetry.Option{
		telemetry.WithServiceName(s.name),
		telemetry.WithServiceVersion(s.version),
		telemetry.WithServiceEnvironment(s.environment),
		telemetry.WithMessagingSystem(transport.MessagingSystem(s.transportDSN())),
		telemetry.WithViews(telemetry.Views(rpc.InstrumentationName)...),
	}
	if s.metricsReader != nil {
		opts = append(opts, telemetry.WithMetricsReader(s.metricsReader))
	}
	opts = append(opts, s.telemetryOpts...)

	s.telemetryManager = telemetry.NewManager(ctx, telCfg, opts...)
	if err := s.telemetryManager.Init(ctx); err != nil {
		s.startupErrors = append(s.startupErrors, fmt.Errorf("could not initialise telemetry: %w", err))
	}
}

func (s *Service) setupLogger(ctx context.Context) {
	var opts []util.Option
	if logCfg, ok := s.configuration.(config.ConfigurationLogLevel); ok {
		if level, err := util.ParseLevel(logCfg.LoggingLevel()); err == nil {
			opts = append(opts, util.WithLogLevel(level))
		}
		opts = append(opts,
			util.WithLogTimeFormat(logCfg.LoggingTimeFormat()),
			util.WithLogNoColor(!logCfg.LoggingColored()))
		if logCfg.LoggingShowStackTrace() {
			opts = append(opts, util.WithLogStackTrace())
		}
	}
	if handler := s.telemetryManager.LogHandler(); handler != nil {
		opts = append(opts, util.WithLogHandler(handler))
	}

	s.logger = util.NewLogger(ctx, opts...).WithField("service", s.name)
}

func (s *Service) setupWorkerPool(ctx context.Context) {
	poolCfg, ok := s.configuration.(config.ConfigurationWorkerPool)
	if !ok {
		defaultCfg := config.ConfigurationDefault{}
		_ = config.FillEnv(&defaultCfg)
		poolCfg = &defaultCfg
	}

	pool, err := workerpool.New(ctx, poolCfg, s.poolOptions...)
	if err != nil {
		s.startupErrors = append(s.startupErrors, fmt.Errorf("could not create worker pool: %w", err))
		return
	}
	s.pool = pool
}

// setupTransport opens the configured transport unless one was supplied and
// places the multiplexer in front of it.
func (s *Service) setupTransport(ctx context.Context) {
	transportCfg, _ := s.configuration.(config.ConfigurationTransport)

	if s.transport == nil {
		tr, err := transport.Open(ctx, s.transportDSN(), transportCfg)
		if err != nil {
			s.startupErrors = append(s.startupErrors, fmt.Errorf("could not open transport: %w", err))
			return
		}
		s.transport = tr
	}

	virtualOpts := []virtual.Option{virtual.WithConsumerOptions(s.consumerOptions()...)}
	if virtualCfg, ok := s.configuration.(config.ConfigurationVirtualQueues); ok {
		virtualOpts = append([]virtual.Option{virtual.WithConfig(virtualCfg)}, virtualOpts...)
	}
	s.client = virtual.NewClient(s.transport, virtualOpts...)
	s.responder = rpc.NewResponder(s.client)
}

// transportDSN is the url the transport is opened from, the option winning over configuration.
func (s *Service) transportDSN() string {
	if s.transportURL != "" {
		return s.transportURL
	}
	if transportCfg, ok := s.configuration.(config.ConfigurationTransport); ok {
		return transportCfg.GetTransportURL()
	}
	return ""
}

func (s *Service) meter() metric.Meter {
	return otel.GetMeterProvider().Meter(meterName)
}

// consumerOptions are the defaults every engine built by the service starts from.
func (s *Service) consumerOptions() []consumer.Option {
	opts := []consumer.Option{consumer.WithMeter(s.meter())}
	if consumerCfg, ok := s.configuration.(config.ConfigurationConsumer); ok {
		opts = append(opts, consumer.WithConfig(consumerCfg))
	}
	if s.pool != nil {
		opts = append(opts, consumer.WithWorkerPool(s.pool))
	}
	return opts
}

// Transport returns the multiplexer, which accepts physical and virtual queue urls alike.
// It is nil when the transport could not be opened.
func (s *Service) Transport() queue.Transport {
	if s.client == nil {
		return nil
	}
	return s.client
}

// Multiplexer exposes the virtual queue client itself.
func (s *Service) Multiplexer() *virtual.Client {
	return s.client
}

// NewConsumer builds an engine over the multiplexer with the service defaults.
// The caller starts and stops it.
func (s *Service) NewConsumer(queueURL string, handler queue.Handler, opts ...consumer.Option) *consumer.Engine {
	return consumer.New(s.client, queueURL, handler, append(s.consumerOptions(), opts...)...)
}

// NewRequester builds a requester the service closes on Stop.
func (s *Service) NewRequester(opts ...rpc.RequesterOption) *rpc.Requester {
	base := []rpc.RequesterOption{rpc.WithListenerOptions(s.consumerOptions()...)}
	if requesterCfg, ok := s.configuration.(config.ConfigurationRequester); ok {
		base = append(base, rpc.WithRequesterConfig(requesterCfg))
	}

	r := rpc.NewRequester(s.client, append(base, opts...)...)

	s.mu.Lock()
	s.requesters = append(s.requesters, r)
	s.mu.Unlock()
	return r
}

func (s *Service) Responder() *rpc.Responder {
	return s.responder
}

// Run starts the registered consumers and blocks until ctx is done, then stops
// the service. Errors met while building the service are returned without
// starting anything.
func (s *Service) Run(ctx context.Context) error {
	if err := s.StartupError(); err != nil {
		s.Log(ctx).WithError(err).Error("service could not start")
		return err
	}

	if profilerCfg, ok := s.configuration.(config.ConfigurationProfiler); ok {
		if err := s.profiler.StartIfEnabled(ctx, profilerCfg); err != nil {
			return fmt.Errorf("could not start profiler: %w", err)
		}
	}

	s.mu.Lock()
	registrations := s.registrations
	s.registrations = nil
	s.mu.Unlock()

	for _, reg := range registrations {
		engine := s.NewConsumer(reg.queueURL, reg.handler, reg.opts...)
		if err := engine.Start(ctx); err != nil {
			return errors.Join(fmt.Errorf("could not start consumer on %s: %w", reg.queueURL, err), s.Stop(ctx))
		}
		s.mu.Lock()
		s.consumers = append(s.consumers, engine)
		s.mu.Unlock()
	}

	s.Log(ctx).WithField("consumers", len(registrations)).Info("service running")
	<-ctx.Done()

	return s.Stop(context.WithoutCancel(ctx))
}

// StartupError joins every error met while the service was built.
func (s *Service) StartupError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.startupErrors...)
}

// Stop terminates consumers, closes requesters, the multiplexer and the
// transport, then releases the worker pool, stops the profiler and flushes
// telemetry. Later calls return the result of the first.
func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.Log(ctx).Info("service stopping")

		s.mu.Lock()
		consumers := s.consumers
		requesters := s.requesters
		s.consumers, s.requesters = nil, nil
		s.mu.Unlock()

		var errs []error
		for _, engine := range consumers {
			errs = append(errs, engine.Terminate(ctx))
		}
		for _, r := range requesters {
			errs = append(errs, r.Close(ctx))
		}
		if s.client != nil {
			errs = append(errs, s.client.Close(ctx))
		}
		if closer, ok := s.transport.(queue.Closer); ok {
			errs = append(errs, closer.Close(ctx))
		}
		if s.pool != nil {
			s.pool.Shutdown()
		}
		errs = append(errs, s.profiler.Stop(ctx))
		if s.telemetryManager != nil {
			errs = append(errs, s.telemetryManager.Shutdown(ctx))
		}
		if s.cancelFunc != nil {
			s.cancelFunc()
		}

		s.stopErr = errors.Join(errs...)
		if s.stopErr != nil {
			s.Log(ctx).WithError(s.stopErr).Error("service stopped with errors")
		}
	})
	return s.stopErr
}
