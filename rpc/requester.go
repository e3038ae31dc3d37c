// Package rpc layers request/response correlation over one-way queues.
//
// Every request gets its own short-lived response queue. The request carries
// that queue's address in the ResponseQueueUrl attribute, the Responder on the
// other side sends its answer there, and the Requester tears the queue down
// once the answer arrived or the caller's timeout passed.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/pitabwire/util"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/vqueue/config"
	"github.com/pitabwire/vqueue/consumer"
	"github.com/pitabwire/vqueue/queue"
	"github.com/pitabwire/vqueue/telemetry"
)

const (
	// InstrumentationName names the tracer and latency histogram of requesters and responders.
	InstrumentationName = "github.com/pitabwire/vqueue/rpc"

	DefaultQueuePrefix = "vq_response_"
)

var errAlreadyAnswered = errors.New("response queue already answered")

type RequesterOption func(*Requester)

// WithQueuePrefix sets the prefix of every response queue name.
func WithQueuePrefix(prefix string) RequesterOption {
	return func(r *Requester) {
		r.prefix = prefix
	}
}

// WithQueueAttributes sets the attributes response queues are created with.
func WithQueueAttributes(attributes map[string]string) RequesterOption {
	return func(r *Requester) {
		maps.Copy(r.queueAttributes, attributes)
	}
}

// WithResponseHost creates response queues as virtual queues on hostURL.
// The transport must then be a virtual queue client.
func WithResponseHost(hostURL string) RequesterOption {
	return func(r *Requester) {
		if hostURL != "" {
			r.queueAttributes[queue.AttributeHostQueueURL] = hostURL
		}
	}
}

// WithListenerOptions configures the engines waiting on response queues.
func WithListenerOptions(opts ...consumer.Option) RequesterOption {
	return func(r *Requester) {
		r.listenerOpts = append(r.listenerOpts, opts...)
	}
}

// WithIDGenerator replaces the source of response queue name suffixes.
func WithIDGenerator(newID func() string) RequesterOption {
	return func(r *Requester) {
		if newID != nil {
			r.newID = newID
		}
	}
}

func WithRequesterConfig(cfg config.ConfigurationRequester) RequesterOption {
	return func(r *Requester) {
		if cfg == nil {
			return
		}
		if prefix := cfg.GetRequesterQueuePrefix(); prefix != "" {
			r.prefix = prefix
		}
		WithQueueAttributes(cfg.GetResponseQueueAttributes())(r)
		WithResponseHost(cfg.GetResponseHostQueueURL())(r)
	}
}

// Requester sends messages and waits for the single answer to each.
type Requester struct {
	transport       queue.Transport
	prefix          string
	queueAttributes map[string]string
	listenerOpts    []consumer.Option
	newID           func() string
	tracer          telemetry.Tracer

	active sync.Map // response queue url -> *responseListener
}

func NewRequester(transport queue.Transport, opts ...RequesterOption) *Requester {
	r := &Requester{
		transport:       transport,
		prefix:          DefaultQueuePrefix,
		queueAttributes: make(map[string]string),
		newID:           func() string { return xid.New().String() },
		tracer:          telemetry.NewTracer(InstrumentationName),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ActiveRequests reports how many requests are waiting for an answer.
func (r *Requester) ActiveRequests() int {
	n := 0
	r.active.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// SendMessageAndGetResponse sends request to queueURL and returns the first
// message answered on its response queue. When nothing arrives within timeout
// the error is a *queue.TimeoutError. Either way the response queue is gone by
// the time the call returns.
func (r *Requester) SendMessageAndGetResponse(
	ctx context.Context,
	queueURL string,
	request *queue.Message,
	timeout time.Duration,
) (response *queue.Message, err error) {
	ctx, span := r.tracer.Start(ctx, "SendMessageAndGetResponse")
	span.SetAttributes(telemetry.AttrQueueKey.String(queueURL))
	defer func() { r.tracer.End(ctx, span, err) }()

	name := r.prefix + r.newID()
	responseURL, err := r.transport.CreateQueue(ctx, name, r.queueAttributes)
	if err != nil {
		return nil, fmt.Errorf("create response queue %s: %w", name, err)
	}

	attrs := request.Attributes.Clone()
	attrs.Set(queue.AttributeResponseQueueURL, queue.StringAttribute(responseURL))
	queue.InjectTraceContext(ctx, &attrs)

	log := util.Log(ctx).WithField("queue", queueURL).WithField("response_queue", responseURL)
	log.Debug("sending request")

	if _, err = r.transport.SendMessage(ctx, queueURL, request.Body, attrs); err != nil {
		if delErr := r.transport.DeleteQueue(context.WithoutCancel(ctx), responseURL); delErr != nil {
			log.WithError(delErr).Warn("could not delete unused response queue")
		}
		return nil, fmt.Errorf("send request to %s: %w", queueURL, err)
	}

	listener := r.newListener(responseURL, timeout)
	r.active.Store(responseURL, listener)
	if err = listener.engine.RunFor(ctx, timeout); err != nil {
		return nil, err
	}

	return listener.await(ctx)
}

// Close abandons every waiting request. Their callers receive timeout errors.
func (r *Requester) Close(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	r.active.Range(func(_, value any) bool {
		l := value.(*responseListener)
		g.Go(func() error {
			return l.engine.Terminate(gctx)
		})
		return true
	})
	return g.Wait()
}

// responseListener is a consumer engine on one response queue that keeps the
// first message and stops.
type responseListener struct {
	requester *Requester
	url       string
	timeout   time.Duration
	future    *Future[*queue.Message]
	cleaned   chan struct{}
	engine    *consumer.Engine
}

func (r *Requester) newListener(url string, timeout time.Duration) *responseListener {
	l := &responseListener{
		requester: r,
		url:       url,
		timeout:   timeout,
		future:    NewFuture[*queue.Message](),
		cleaned:   make(chan struct{}),
	}

	opts := make([]consumer.Option, 0, len(r.listenerOpts)+2)
	opts = append(opts, r.listenerOpts...)
	opts = append(opts,
		consumer.WithShutdownHook(l.cleanup),
		consumer.WithExceptionHandler(l.onException),
	)
	l.engine = consumer.New(r.transport, url, l.handle, opts...)
	return l
}

func (l *responseListener) handle(ctx context.Context, msg *queue.Message) error {
	if !l.future.Resolve(msg) {
		return errAlreadyAnswered
	}
	l.engine.Shutdown(ctx)
	return nil
}

// cleanup runs exactly once, as the engine's shutdown hook.
func (l *responseListener) cleanup(ctx context.Context) error {
	defer close(l.cleaned)

	err := l.requester.transport.DeleteQueue(context.WithoutCancel(ctx), l.url)
	l.requester.active.Delete(l.url)
	l.future.Reject(&queue.TimeoutError{URL: l.url, Timeout: l.timeout})

	if err != nil && !queue.IsQueueDoesNotExist(err) {
		return fmt.Errorf("delete response queue: %w", err)
	}
	return nil
}

func (l *responseListener) onException(ctx context.Context, err error) {
	log := util.Log(ctx).WithField("response_queue", l.url).WithError(err)
	if errors.Is(err, errAlreadyAnswered) {
		log.Debug("extra message on response queue left unconsumed")
		return
	}
	log.Warn("response listener error")
}

func (l *responseListener) await(ctx context.Context) (*queue.Message, error) {
	select {
	case <-l.future.Done():
	case <-ctx.Done():
		l.engine.Shutdown(context.WithoutCancel(ctx))
	}
	<-l.cleaned

	msg, err := l.future.Await(context.WithoutCancel(ctx))
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return msg, err
}
