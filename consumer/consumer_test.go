package consumer_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/pitabwire/vqueue/consumer"
	"github.com/pitabwire/vqueue/queue"
	"github.com/pitabwire/vqueue/transport/memory"
	"github.com/pitabwire/vqueue/workerpool"
)

// recordingTransport counts the calls an engine makes and lets tests inject failures.
type recordingTransport struct {
	queue.Transport

	receives     atomic.Int32
	deletes      atomic.Int32
	resets       atomic.Int32
	receiveErr   func(call int32) error
	afterReceive func([]*queue.Message)
}

func (r *recordingTransport) ReceiveMessage(
	ctx context.Context,
	queueURL string,
	opts queue.ReceiveOptions,
) ([]*queue.Message, error) {
	call := r.receives.Add(1)
	if r.receiveErr != nil {
		if err := r.receiveErr(call); err != nil {
			return nil, err
		}
	}
	msgs, err := r.Transport.ReceiveMessage(ctx, queueURL, opts)
	if err == nil && len(msgs) > 0 && r.afterReceive != nil {
		r.afterReceive(msgs)
	}
	return msgs, err
}

func (r *recordingTransport) DeleteMessage(ctx context.Context, queueURL string, receiptHandle string) error {
	r.deletes.Add(1)
	return r.Transport.DeleteMessage(ctx, queueURL, receiptHandle)
}

func (r *recordingTransport) ChangeMessageVisibility(
	ctx context.Context,
	queueURL string,
	receiptHandle string,
	timeout time.Duration,
) error {
	if timeout == 0 {
		r.resets.Add(1)
	}
	return r.Transport.ChangeMessageVisibility(ctx, queueURL, receiptHandle, timeout)
}

type exceptionSink struct {
	mu   sync.Mutex
	errs []error
}

func (x *exceptionSink) handle(_ context.Context, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.errs = append(x.errs, err)
}

func (x *exceptionSink) all() []error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]error(nil), x.errs...)
}

type ConsumerSuite struct {
	suite.Suite
	ctx       context.Context
	memory    *memory.Transport
	transport *recordingTransport
	queueURL  string
	sink      *exceptionSink
}

func TestConsumer(t *testing.T) {
	suite.Run(t, new(ConsumerSuite))
}

func (s *ConsumerSuite) SetupTest() {
	s.ctx = context.Background()
	s.memory = memory.New()
	s.transport = &recordingTransport{Transport: s.memory}
	s.sink = &exceptionSink{}

	url, err := s.memory.CreateQueue(s.ctx, "work", nil)
	s.Require().NoError(err)
	s.queueURL = url
}

func (s *ConsumerSuite) send(bodies ...string) {
	for _, body := range bodies {
		_, err := s.memory.SendMessage(s.ctx, s.queueURL, body, queue.NewAttributes("origin", "test"))
		s.Require().NoError(err)
	}
}

func (s *ConsumerSuite) engine(handler queue.Handler, opts ...consumer.Option) *consumer.Engine {
	opts = append([]consumer.Option{
		consumer.WithMaxWait(200 * time.Millisecond),
		consumer.WithExceptionHandler(s.sink.handle),
		consumer.WithTerminateTimeout(2 * time.Second),
	}, opts...)
	e := consumer.New(s.transport, s.queueURL, handler, opts...)
	s.T().Cleanup(func() { _ = e.Terminate(context.Background()) })
	return e
}

func (s *ConsumerSuite) depth() (int, int) {
	visible, inFlight, err := s.memory.Depth(s.queueURL)
	s.Require().NoError(err)
	return visible, inFlight
}

func (s *ConsumerSuite) TestHandlesAndDeletesMessages() {
	pool, err := workerpool.New(s.ctx, nil)
	s.Require().NoError(err)
	defer pool.Shutdown()

	var mu sync.Mutex
	var bodies []string
	e := s.engine(func(_ context.Context, msg *queue.Message) error {
		origin, _ := msg.StringAttribute("origin")
		s.Equal("test", origin)
		mu.Lock()
		bodies = append(bodies, msg.Body)
		mu.Unlock()
		return nil
	}, consumer.WithWorkerPool(pool))

	s.send("one", "two", "three")
	s.Require().NoError(e.Start(s.ctx))

	s.Eventually(func() bool {
		visible, inFlight := s.depth()
		return visible == 0 && inFlight == 0
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	s.ElementsMatch([]string{"one", "two", "three"}, bodies)
	mu.Unlock()
	s.Equal(int32(3), s.transport.deletes.Load())

	metrics := e.Metrics()
	s.Equal(int64(3), metrics.Received)
	s.Equal(int64(3), metrics.Processed)
	s.Zero(metrics.Failed)
	s.True(metrics.IsIdle())
	s.Empty(s.sink.all())
}

func (s *ConsumerSuite) TestRateLimitSpacesHandlerCalls() {
	var mu sync.Mutex
	var calls []time.Time
	e := s.engine(func(context.Context, *queue.Message) error {
		mu.Lock()
		calls = append(calls, time.Now())
		mu.Unlock()
		return nil
	}, consumer.WithRateLimit(20, 1))

	s.send("a", "b", "c", "d", "e")
	s.Require().NoError(e.Start(s.ctx))

	s.Eventually(func() bool {
		visible, inFlight := s.depth()
		return visible == 0 && inFlight == 0
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	s.Require().Len(calls, 5)
	slices.SortFunc(calls, func(a, b time.Time) int { return a.Compare(b) })
	s.GreaterOrEqual(calls[4].Sub(calls[0]), 150*time.Millisecond, "five calls at 20/s need about 200ms")
}

func (s *ConsumerSuite) TestHandlerFailureMakesMessageVisibleAgain() {
	var attempts atomic.Int32
	e := s.engine(func(_ context.Context, msg *queue.Message) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient")
		}
		s.Equal("2", msg.SystemAttributes["ApproximateReceiveCount"])
		return nil
	})

	s.send("retry me")
	s.Require().NoError(e.Start(s.ctx))

	s.Eventually(func() bool {
		visible, inFlight := s.depth()
		return attempts.Load() == 2 && visible == 0 && inFlight == 0
	}, 3*time.Second, 20*time.Millisecond)

	s.Equal(int32(1), s.transport.resets.Load())
	errs := s.sink.all()
	s.Require().Len(errs, 1)
	var msgErr *consumer.MessageError
	s.Require().ErrorAs(errs[0], &msgErr)
	s.Equal(s.queueURL, msgErr.QueueURL)
	s.Equal("processing", msgErr.Op)

	metrics := e.Metrics()
	s.Equal(int64(1), metrics.Failed)
	s.Equal(int64(1), metrics.Processed)
}

func (s *ConsumerSuite) TestHandlerPanicIsAFailure() {
	var attempts atomic.Int32
	e := s.engine(func(context.Context, *queue.Message) error {
		if attempts.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})

	s.send("panic")
	s.Require().NoError(e.Start(s.ctx))

	s.Eventually(func() bool { return attempts.Load() == 2 }, 3*time.Second, 20*time.Millisecond)
	s.Require().NotEmpty(s.sink.all())
	s.ErrorContains(s.sink.all()[0], "handler panicked: boom")
}

func (s *ConsumerSuite) TestDomainErrorsAreForwardedAsIs() {
	var attempts atomic.Int32
	domainErr := &queue.UnhandledVirtualQueueError{HostURL: s.queueURL, Name: "ghost"}
	e := s.engine(func(context.Context, *queue.Message) error {
		if attempts.Add(1) == 1 {
			return domainErr
		}
		return nil
	})

	s.send("x")
	s.Require().NoError(e.Start(s.ctx))

	s.Eventually(func() bool { return attempts.Load() == 2 }, 3*time.Second, 20*time.Millisecond)
	errs := s.sink.all()
	s.Require().Len(errs, 1)
	s.Same(domainErr, errs[0])
}

func (s *ConsumerSuite) TestHandlerQueueNotFoundIsSwallowed() {
	handled := make(chan struct{}, 1)
	e := s.engine(func(context.Context, *queue.Message) error {
		select {
		case handled <- struct{}{}:
		default:
		}
		return queue.QueueNotFound("memory://elsewhere")
	})

	s.send("x")
	s.Require().NoError(e.Start(s.ctx))

	select {
	case <-handled:
	case <-time.After(3 * time.Second):
		s.Fail("handler never invoked")
	}
	s.Require().NoError(e.Terminate(s.ctx))

	s.Empty(s.sink.all())
	s.Zero(s.transport.resets.Load())
	s.Zero(s.transport.deletes.Load())
}

func (s *ConsumerSuite) TestDisableDeleteMessage() {
	handled := make(chan struct{}, 1)
	e := s.engine(func(context.Context, *queue.Message) error {
		handled <- struct{}{}
		return nil
	}, consumer.WithDisableDeleteMessage(true))

	s.send("keep")
	s.Require().NoError(e.Start(s.ctx))

	select {
	case <-handled:
	case <-time.After(3 * time.Second):
		s.Fail("handler never invoked")
	}
	s.Require().NoError(e.Terminate(s.ctx))

	s.Zero(s.transport.deletes.Load())
	_, inFlight := s.depth()
	s.Equal(1, inFlight)
}

func (s *ConsumerSuite) TestShutdownWithMessagesInFlightResetsVisibility() {
	var handled atomic.Int32
	e := s.engine(func(context.Context, *queue.Message) error {
		handled.Add(1)
		return nil
	})
	s.transport.afterReceive = func([]*queue.Message) {
		e.Shutdown(s.ctx)
	}

	s.send("a", "b", "c")
	s.Require().NoError(e.Start(s.ctx))

	select {
	case <-e.Done():
	case <-time.After(3 * time.Second):
		s.Fail("engine did not terminate")
	}

	s.Zero(handled.Load())
	s.Zero(s.transport.deletes.Load())
	s.Equal(int32(3), s.transport.resets.Load())
	visible, inFlight := s.depth()
	s.Equal(3, visible)
	s.Zero(inFlight)
}

func (s *ConsumerSuite) TestRunForStopsWithoutMessages() {
	var hookCalls atomic.Int32
	e := s.engine(func(context.Context, *queue.Message) error { return nil },
		consumer.WithMaxWait(time.Second),
		consumer.WithShutdownHook(func(context.Context) error {
			hookCalls.Add(1)
			return nil
		}),
	)

	start := time.Now()
	s.Require().NoError(e.RunFor(s.ctx, 150*time.Millisecond))

	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		s.Fail("engine kept polling past its deadline")
	}
	s.Less(time.Since(start), time.Second)
	s.Equal(consumer.StateTerminated, e.State())
	s.Equal(int32(1), hookCalls.Load())
}

func (s *ConsumerSuite) TestShutdownIsIdempotent() {
	var hookCalls atomic.Int32
	e := s.engine(func(context.Context, *queue.Message) error { return nil },
		consumer.WithShutdownHook(func(context.Context) error {
			hookCalls.Add(1)
			return errors.New("hook failed")
		}),
	)
	s.Require().NoError(e.Start(s.ctx))

	e.Shutdown(s.ctx)
	e.Shutdown(s.ctx)
	s.Require().NoError(e.Terminate(s.ctx))
	s.Require().NoError(e.Terminate(s.ctx))

	s.Equal(int32(1), hookCalls.Load())
	errs := s.sink.all()
	s.Require().Len(errs, 1)
	s.ErrorContains(errs[0], "hook failed")
	s.Equal(consumer.StateTerminated, e.State())
}

func (s *ConsumerSuite) TestLifecycleErrors() {
	e := s.engine(func(context.Context, *queue.Message) error { return nil })
	s.Equal(consumer.StateCreated, e.State())

	s.Require().NoError(e.Start(s.ctx))
	s.Require().ErrorIs(e.Start(s.ctx), consumer.ErrAlreadyStarted)
	s.Require().NoError(e.Terminate(s.ctx))
	s.Require().ErrorIs(e.RunFor(s.ctx, time.Second), consumer.ErrShutDown)

	never := s.engine(func(context.Context, *queue.Message) error { return nil })
	s.Require().NoError(never.Terminate(s.ctx))
	s.Equal(consumer.StateTerminated, never.State())
	s.Require().ErrorIs(never.Start(s.ctx), consumer.ErrShutDown)
}

func (s *ConsumerSuite) TestContextCancellationShutsDown() {
	ctx, cancel := context.WithCancel(s.ctx)
	e := s.engine(func(context.Context, *queue.Message) error { return nil })
	s.Require().NoError(e.Start(ctx))

	cancel()
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		s.Fail("engine ignored context cancellation")
	}
	s.Empty(s.sink.all())
}

func (s *ConsumerSuite) TestMissingQueueIsNotFatal() {
	const name = "appears-later"
	handled := make(chan string, 1)
	e := consumer.New(s.transport, memory.Scheme+name, func(_ context.Context, msg *queue.Message) error {
		handled <- msg.Body
		return nil
	},
		consumer.WithMaxWait(100*time.Millisecond),
		consumer.WithMissingQueueBackoff(50*time.Millisecond),
		consumer.WithExceptionHandler(s.sink.handle),
	)
	s.Require().NoError(e.Start(s.ctx))
	defer func() { _ = e.Terminate(s.ctx) }()

	time.Sleep(150 * time.Millisecond)
	url, err := s.memory.CreateQueue(s.ctx, name, nil)
	s.Require().NoError(err)
	_, err = s.memory.SendMessage(s.ctx, url, "finally", queue.Attributes{})
	s.Require().NoError(err)

	select {
	case body := <-handled:
		s.Equal("finally", body)
	case <-time.After(3 * time.Second):
		s.Fail("message on recreated queue never handled")
	}
	s.Empty(s.sink.all())
	s.GreaterOrEqual(s.transport.receives.Load(), int32(2))
}

func (s *ConsumerSuite) TestTransportErrorsAreReportedAndPollingContinues() {
	s.transport.receiveErr = func(call int32) error {
		if call <= 2 {
			return errors.New("connection reset")
		}
		return nil
	}
	handled := make(chan struct{}, 1)
	e := s.engine(func(context.Context, *queue.Message) error {
		handled <- struct{}{}
		return nil
	}, consumer.WithMaxWait(0))

	s.send("after errors")
	s.Require().NoError(e.Start(s.ctx))

	select {
	case <-handled:
	case <-time.After(3 * time.Second):
		s.Fail("polling stopped after transport errors")
	}
	s.Len(s.sink.all(), 2)
	s.Equal(int64(2), e.Metrics().PollErrors)
}

func (s *ConsumerSuite) TestEmptyPollShortfallIsCompensated() {
	fast := &instantTransport{recordingTransport: s.transport}

	e := consumer.New(fast, s.queueURL, func(context.Context, *queue.Message) error { return nil },
		consumer.WithMaxWait(2*time.Second),
		consumer.WithExceptionHandler(s.sink.handle),
	)
	s.Require().NoError(e.Start(s.ctx))
	time.Sleep(1500 * time.Millisecond)
	s.Require().NoError(e.Terminate(s.ctx))

	calls := fast.calls.Load()
	s.GreaterOrEqual(calls, int32(1))
	s.LessOrEqual(calls, int32(3), "a transport ignoring the wait must not cause a busy loop")
}

func (s *ConsumerSuite) TestRedeliveredFailuresDoNotSpinTheLoop() {
	var attempts atomic.Int32
	e := consumer.New(s.transport, s.queueURL, func(context.Context, *queue.Message) error {
		attempts.Add(1)
		return errors.New("rejected")
	},
		consumer.WithMaxWait(2*time.Second),
		consumer.WithExceptionHandler(s.sink.handle),
	)

	s.send("poison")
	s.Require().NoError(e.Start(s.ctx))
	time.Sleep(1500 * time.Millisecond)
	s.Require().NoError(e.Terminate(s.ctx))

	s.GreaterOrEqual(attempts.Load(), int32(1))
	s.LessOrEqual(s.transport.receives.Load(), int32(3),
		"a message made visible again at once must not cause a busy loop")
	s.Equal(attempts.Load(), s.transport.resets.Load())
}

func (s *ConsumerSuite) TestTerminateWaitsForHookStartedElsewhere() {
	hookStarted := make(chan struct{})
	release := make(chan struct{})
	var hookFinished atomic.Bool

	e := s.engine(func(context.Context, *queue.Message) error { return nil },
		consumer.WithShutdownHook(func(context.Context) error {
			close(hookStarted)
			<-release
			hookFinished.Store(true)
			return nil
		}))
	s.Require().NoError(e.Start(s.ctx))

	go e.Shutdown(s.ctx)
	<-hookStarted

	terminated := make(chan error, 1)
	go func() { terminated <- e.Terminate(s.ctx) }()

	select {
	case <-terminated:
		s.Fail("terminate returned while the shutdown hook was still running")
	case <-time.After(400 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-terminated:
		s.Require().NoError(err)
		s.True(hookFinished.Load())
		s.Equal(consumer.StateTerminated, e.State())
	case <-time.After(2 * time.Second):
		s.Fail("terminate did not return after the hook finished")
	}
}

func (s *ConsumerSuite) TestTerminateWatchdog() {
	release := make(chan struct{})
	started := make(chan struct{})
	e := s.engine(func(context.Context, *queue.Message) error {
		close(started)
		<-release
		return nil
	}, consumer.WithTerminateTimeout(100*time.Millisecond))
	defer close(release)

	s.send("slow")
	s.Require().NoError(e.Start(s.ctx))
	<-started

	begin := time.Now()
	s.Require().NoError(e.Terminate(s.ctx))
	s.Less(time.Since(begin), time.Second)
	s.Equal(consumer.StateShuttingDown, e.State())
}

// instantTransport answers every receive immediately and empty.
type instantTransport struct {
	*recordingTransport
	calls atomic.Int32
}

func (i *instantTransport) ReceiveMessage(context.Context, string, queue.ReceiveOptions) ([]*queue.Message, error) {
	i.calls.Add(1)
	return nil, nil
}
