// Package consumer polls one queue and hands every received message to a handler.
//
// An Engine acknowledges messages its handler accepted and makes rejected ones
// visible again so another consumer can retry them. It stops either when asked
// to or when the deadline given to RunFor passes, and never lets a single failed
// receive or handler end the loop.
package consumer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"

	"github.com/pitabwire/vqueue/queue"
	"github.com/pitabwire/vqueue/workerpool"
)

// shortfallTolerance is how far below half its wait budget an iteration may
// finish before the loop pauses to make up the difference.
const shortfallTolerance = 500 * time.Millisecond

type State int32

const (
	StateCreated State = iota
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Engine struct {
	transport queue.Transport
	queueURL  string
	handler   queue.Handler
	opts      options

	state    atomic.Int32
	deadline time.Time
	stopCh   chan struct{}
	hookDone chan struct{}
	done     chan struct{}
	metrics  *engineMetrics
}

// New prepares an engine for queueURL. Nothing is received until Start or RunFor.
func New(transport queue.Transport, queueURL string, handler queue.Handler, opts ...Option) *Engine {
	o := options{
		maxWait:             DefaultMaxWait,
		terminateTimeout:    DefaultTerminateTimeout,
		missingQueueBackoff: DefaultMissingQueueBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Engine{
		transport: transport,
		queueURL:  queueURL,
		handler:   handler,
		opts:      o,
		stopCh:    make(chan struct{}),
		hookDone:  make(chan struct{}),
		done:      make(chan struct{}),
		metrics:   newEngineMetrics(o.meter, queueURL),
	}
}

func (e *Engine) QueueURL() string {
	return e.queueURL
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

// Done is closed once the poll loop has exited and the shutdown hook has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) Metrics() Metrics {
	return e.metrics.snapshot()
}

// Start begins polling in the background. Cancelling ctx shuts the engine down.
func (e *Engine) Start(ctx context.Context) error {
	return e.start(ctx, time.Time{})
}

// RunFor starts polling and shuts the engine down once timeout has elapsed.
func (e *Engine) RunFor(ctx context.Context, timeout time.Duration) error {
	return e.start(ctx, time.Now().Add(timeout))
}

func (e *Engine) start(ctx context.Context, deadline time.Time) error {
	if !e.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		if e.State() == StateRunning {
			return ErrAlreadyStarted
		}
		return ErrShutDown
	}

	e.deadline = deadline
	go e.run(ctx)
	return nil
}

// Shutdown stops scheduling receives and runs the shutdown hook. In-flight
// handlers are left to finish. Calling it again has no effect.
func (e *Engine) Shutdown(ctx context.Context) {
	for {
		current := e.state.Load()
		if current >= int32(StateShuttingDown) {
			return
		}
		if !e.state.CompareAndSwap(current, int32(StateShuttingDown)) {
			continue
		}

		util.Log(ctx).WithField("queue", e.queueURL).Debug("consumer shutting down")
		close(e.stopCh)
		e.runShutdownHook(ctx)
		close(e.hookDone)

		if current == int32(StateCreated) {
			e.state.Store(int32(StateTerminated))
			close(e.done)
		}
		return
	}
}

// Terminate shuts the engine down and waits for the poll loop to exit. The wait
// is bounded by the terminate timeout, after which the engine counts as terminated.
func (e *Engine) Terminate(ctx context.Context) error {
	e.Shutdown(ctx)

	watchdog := time.NewTimer(e.opts.terminateTimeout)
	defer watchdog.Stop()

	select {
	case <-e.done:
		return nil
	case <-watchdog.C:
		util.Log(ctx).
			WithField("queue", e.queueURL).
			WithField("timeout", e.opts.terminateTimeout.String()).
			Warn("consumer did not stop in time, abandoning it")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) isShuttingDown() bool {
	return e.state.Load() >= int32(StateShuttingDown)
}

func (e *Engine) runShutdownHook(ctx context.Context) {
	if e.opts.shutdownHook == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			e.report(ctx, fmt.Errorf("shutdown hook for %s panicked: %v", e.queueURL, r))
		}
	}()

	if err := e.opts.shutdownHook(ctx); err != nil {
		e.report(ctx, fmt.Errorf("shutdown hook for %s: %w", e.queueURL, err))
	}
}

func (e *Engine) report(ctx context.Context, err error) {
	if e.opts.onException != nil {
		e.opts.onException(ctx, err)
		return
	}
	util.Log(ctx).WithField("queue", e.queueURL).WithError(err).Error("consumer error")
}

// sleep pauses for d unless the engine shuts down or ctx ends first.
func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-e.stopCh:
	case <-ctx.Done():
	}
}

func (e *Engine) run(ctx context.Context) {
	log := util.Log(ctx).WithField("queue", e.queueURL)
	log.Debug("consumer started")

	defer func() {
		// Shutdown may still be running the hook on another goroutine.
		<-e.hookDone
		e.state.Store(int32(StateTerminated))
		close(e.done)
		log.Debug("consumer terminated")
	}()

	for !e.isShuttingDown() {
		if ctx.Err() != nil {
			e.Shutdown(context.WithoutCancel(ctx))
			return
		}

		wait := e.opts.maxWait
		if !e.deadline.IsZero() {
			remaining := time.Until(e.deadline)
			if remaining <= 0 {
				e.Shutdown(ctx)
				return
			}
			wait = max(0, min(wait, remaining))
		}

		started := time.Now()
		e.poll(ctx, wait)

		if shortfall := wait/2 - time.Since(started); shortfall > shortfallTolerance {
			e.sleep(ctx, shortfall)
		}
	}
}

// poll performs one receive and processes the batch.
func (e *Engine) poll(ctx context.Context, wait time.Duration) {
	msgs, err := e.transport.ReceiveMessage(ctx, e.queueURL, queue.ReceiveOptions{
		MaxMessages:    queue.MaxReceiveMessages,
		WaitTime:       wait,
		AttributeNames: []string{queue.AllAttributes},
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
		case queue.IsQueueDoesNotExist(err):
			util.Log(ctx).WithField("queue", e.queueURL).Debug("queue does not exist, backing off")
			e.sleep(ctx, e.opts.missingQueueBackoff)
		default:
			e.metrics.pollFailed(ctx)
			e.report(ctx, fmt.Errorf("receive from %s: %w", e.queueURL, err))
		}
		return
	}

	if len(msgs) == 0 {
		return
	}
	e.metrics.batchReceived(ctx, len(msgs))

	tasks := make([]func(context.Context), 0, len(msgs))
	for _, msg := range msgs {
		tasks = append(tasks, func(taskCtx context.Context) {
			e.handleMessage(taskCtx, msg)
		})
	}
	workerpool.RunAll(ctx, e.opts.pool, tasks...)
}

func (e *Engine) handleMessage(ctx context.Context, msg *queue.Message) {
	// Acknowledgement must still happen when the loop context has been cancelled.
	opCtx := context.WithoutCancel(ctx)

	if e.isShuttingDown() {
		e.makeVisible(opCtx, msg)
		return
	}

	if e.opts.limiter != nil {
		if err := e.opts.limiter.Wait(ctx); err != nil || e.isShuttingDown() {
			e.makeVisible(opCtx, msg)
			return
		}
	}

	startTime := e.metrics.openMessage()
	err := e.invoke(ctx, msg)
	e.metrics.closeMessage(ctx, startTime, err)

	if err == nil {
		if !e.opts.disableDeleteMessage {
			e.deleteMessage(opCtx, msg)
		}
		return
	}

	if queue.IsQueueDoesNotExist(err) {
		return
	}
	if !queue.IsDomainError(err) {
		err = &MessageError{Op: "processing", QueueURL: e.queueURL, MessageID: msg.ID, Err: err}
	}
	e.report(ctx, err)
	e.makeVisible(opCtx, msg)
}

func (e *Engine) invoke(ctx context.Context, msg *queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	ctx = queue.ExtractTraceContext(ctx, msg.Attributes)
	return e.handler(ctx, msg)
}

func (e *Engine) deleteMessage(ctx context.Context, msg *queue.Message) {
	err := e.transport.DeleteMessage(ctx, e.queueURL, msg.ReceiptHandle)
	if err == nil || queue.IsQueueDoesNotExist(err) {
		return
	}
	e.report(ctx, &MessageError{Op: "deleting", QueueURL: e.queueURL, MessageID: msg.ID, Err: err})
}

func (e *Engine) makeVisible(ctx context.Context, msg *queue.Message) {
	err := e.transport.ChangeMessageVisibility(ctx, e.queueURL, msg.ReceiptHandle, 0)
	if err == nil || queue.IsQueueDoesNotExist(err) {
		return
	}
	e.report(ctx, &MessageError{Op: "changing visibility of", QueueURL: e.queueURL, MessageID: msg.ID, Err: err})
}
