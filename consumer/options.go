package consumer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/pitabwire/vqueue/config"
	"github.com/pitabwire/vqueue/workerpool"
)

const (
	DefaultMaxWait             = 2 * time.Second
	DefaultTerminateTimeout    = 30 * time.Second
	DefaultMissingQueueBackoff = time.Second
)

// ShutdownHook runs once when the engine starts shutting down.
type ShutdownHook func(ctx context.Context) error

// ExceptionHandler receives every error the engine does not surface to a caller.
type ExceptionHandler func(ctx context.Context, err error)

type options struct {
	maxWait              time.Duration
	terminateTimeout     time.Duration
	missingQueueBackoff  time.Duration
	disableDeleteMessage bool
	shutdownHook         ShutdownHook
	onException          ExceptionHandler
	pool                 workerpool.WorkerPool
	meter                metric.Meter
	limiter              *rate.Limiter
}

// Option configures an Engine.
type Option func(*options)

// WithMaxWait bounds the long-poll wait of a single receive.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.maxWait = d
		}
	}
}

// WithTerminateTimeout bounds how long Terminate waits for the poll loop to exit.
func WithTerminateTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.terminateTimeout = d
		}
	}
}

// WithMissingQueueBackoff sets the pause after a receive against a queue that does not exist.
func WithMissingQueueBackoff(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.missingQueueBackoff = d
		}
	}
}

// WithDisableDeleteMessage leaves successfully handled messages on the queue.
func WithDisableDeleteMessage(disable bool) Option {
	return func(o *options) {
		o.disableDeleteMessage = disable
	}
}

func WithShutdownHook(hook ShutdownHook) Option {
	return func(o *options) {
		o.shutdownHook = hook
	}
}

func WithExceptionHandler(handler ExceptionHandler) Option {
	return func(o *options) {
		o.onException = handler
	}
}

// WithWorkerPool dispatches received batches on pool instead of fresh goroutines.
func WithWorkerPool(pool workerpool.WorkerPool) Option {
	return func(o *options) {
		o.pool = pool
	}
}

// WithMeter records engine metrics on meter instead of the global provider.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) {
		o.meter = meter
	}
}

// WithRateLimit caps handler invocations at perSecond with bursts of up to
// burst messages. A non positive rate removes the limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *options) {
		if perSecond <= 0 {
			o.limiter = nil
			return
		}
		o.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// WithConfig applies the consumer timings from cfg.
func WithConfig(cfg config.ConfigurationConsumer) Option {
	return func(o *options) {
		if cfg == nil {
			return
		}
		o.maxWait = cfg.GetConsumerMaxWait()
		o.terminateTimeout = cfg.GetConsumerTerminateTimeout()
		o.missingQueueBackoff = cfg.GetConsumerMissingQueueBackoff()
		WithRateLimit(cfg.GetConsumerRateLimit(), cfg.GetConsumerRateBurst())(o)
	}
}
