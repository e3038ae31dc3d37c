// Package workerpool bounds the goroutines consumer engines dispatch received
// batches on.
package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pitabwire/util"

	"github.com/pitabwire/vqueue/config"
)

const releaseTimeout = time.Second

// WorkerPool runs submitted tasks on a bounded set of goroutines.
type WorkerPool interface {
	Submit(ctx context.Context, task func()) error
	Shutdown()
}

// Options are the pool settings after configuration and options were applied.
type Options struct {
	PoolCount          int
	SinglePoolCapacity int
	// Concurrency is how many submitters may block waiting for a worker.
	Concurrency    int
	ExpiryDuration time.Duration
	Nonblocking    bool
	PanicHandler   func(any)
	Logger         *util.LogEntry
}

type Option func(*Options)

// WithPoolCount spreads work over count pools, least busy first.
func WithPoolCount(count int) Option {
	return func(o *Options) { o.PoolCount = count }
}

func WithSinglePoolCapacity(capacity int) Option {
	return func(o *Options) { o.SinglePoolCapacity = capacity }
}

func WithConcurrency(concurrency int) Option {
	return func(o *Options) { o.Concurrency = concurrency }
}

// WithPoolExpiryDuration sets how long an idle worker lives.
func WithPoolExpiryDuration(duration time.Duration) Option {
	return func(o *Options) { o.ExpiryDuration = duration }
}

// WithPoolNonblocking makes Submit fail instead of waiting when the pool is full.
func WithPoolNonblocking(nonblocking bool) Option {
	return func(o *Options) { o.Nonblocking = nonblocking }
}

func WithPoolPanicHandler(handler func(any)) Option {
	return func(o *Options) { o.PanicHandler = handler }
}

func WithPoolLogger(logger *util.LogEntry) Option {
	return func(o *Options) { o.Logger = logger }
}

func optionsFrom(cfg config.ConfigurationWorkerPool, log *util.LogEntry) *Options {
	o := &Options{
		PoolCount:          1,
		SinglePoolCapacity: 100,
		Concurrency:        runtime.NumCPU() * 10,
		ExpiryDuration:     time.Second,
		Nonblocking:        true,
		Logger:             log,
	}
	if cfg == nil {
		return o
	}

	o.PoolCount = cfg.GetCount()
	o.SinglePoolCapacity = cfg.GetCapacity()
	o.Concurrency = runtime.NumCPU() * cfg.GetCPUFactor()
	o.ExpiryDuration = cfg.GetExpiryDuration()
	return o
}

func (o *Options) antsOptions() []ants.Option {
	out := []ants.Option{ants.WithNonblocking(o.Nonblocking)}
	if o.ExpiryDuration > 0 {
		out = append(out, ants.WithExpiryDuration(o.ExpiryDuration))
	}
	if o.Concurrency > 0 {
		out = append(out, ants.WithMaxBlockingTasks(o.Concurrency))
	}
	if o.PanicHandler != nil {
		out = append(out, ants.WithPanicHandler(o.PanicHandler))
	}
	if o.Logger != nil {
		out = append(out, ants.WithLogger(o.Logger))
	}
	return out
}

// New builds a pool from configuration, adjusted by opts. More than one pool
// count yields an ants.MultiPool.
func New(ctx context.Context, cfg config.ConfigurationWorkerPool, opts ...Option) (WorkerPool, error) {
	o := optionsFrom(cfg, util.Log(ctx))
	for _, opt := range opts {
		opt(o)
	}

	if o.PoolCount <= 1 {
		p, err := ants.NewPool(o.SinglePoolCapacity, o.antsOptions()...)
		if err != nil {
			return nil, err
		}
		return &pool{submit: p.Submit, release: p.Release}, nil
	}

	mp, err := ants.NewMultiPool(o.PoolCount, o.SinglePoolCapacity, ants.LeastTasks, o.antsOptions()...)
	if err != nil {
		return nil, err
	}
	return &pool{
		submit:  mp.Submit,
		release: func() { _ = mp.ReleaseTimeout(releaseTimeout) },
	}, nil
}

type pool struct {
	submit  func(task func()) error
	release func()
}

func (p *pool) Submit(ctx context.Context, task func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.submit(task)
}

func (p *pool) Shutdown() {
	p.release()
}

// RunAll runs every task and returns once all of them have finished. Tasks the
// pool rejects, or all tasks when pool is nil, get their own goroutine so a
// saturated pool never drops a message.
func RunAll(ctx context.Context, p WorkerPool, tasks ...func(ctx context.Context)) {
	var wg sync.WaitGroup
	wg.Add(len(tasks))

	for _, task := range tasks {
		run := func() {
			defer wg.Done()
			task(ctx)
		}

		if p == nil {
			go run()
			continue
		}
		if err := p.Submit(ctx, run); err != nil {
			if !errors.Is(err, ants.ErrPoolOverload) && !errors.Is(err, context.Canceled) {
				util.Log(ctx).WithError(err).Debug("worker pool rejected task, running it directly")
			}
			go run()
		}
	}

	wg.Wait()
}
