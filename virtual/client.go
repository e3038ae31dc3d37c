// Package virtual multiplexes many short-lived logical queues onto a few physical ones.
//
// A virtual queue is created by passing the HostQueueUrl attribute to CreateQueue.
// No remote call is made: the client registers an in-memory buffer and returns a
// reference of the form hostURL#name. Messages sent to that reference travel on
// the host queue tagged with the virtual queue name, and one consumer per host
// queue routes them back into the matching buffer.
package virtual

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/vqueue/config"
	"github.com/pitabwire/vqueue/consumer"
	"github.com/pitabwire/vqueue/queue"
)

var (
	ErrClosed               = errors.New("virtual queue client is closed")
	ErrTooManyVirtualQueues = errors.New("virtual queue limit reached")
)

type options struct {
	maxQueues    int
	receiveWait  time.Duration
	consumerOpts []consumer.Option
}

type Option func(*options)

// WithMaxVirtualQueues caps how many virtual queues may be live at once.
func WithMaxVirtualQueues(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxQueues = n
		}
	}
}

// WithReceiveWait sets the wait used by virtual receives that specify none.
func WithReceiveWait(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.receiveWait = d
		}
	}
}

// WithConsumerOptions configures the engines polling host queues.
func WithConsumerOptions(opts ...consumer.Option) Option {
	return func(o *options) {
		o.consumerOpts = append(o.consumerOpts, opts...)
	}
}

func WithConfig(cfg config.ConfigurationVirtualQueues) Option {
	return func(o *options) {
		if cfg == nil {
			return
		}
		WithMaxVirtualQueues(cfg.GetVirtualQueueMaxCount())(o)
		WithReceiveWait(cfg.GetVirtualQueueReceiveWait())(o)
	}
}

// Client is a queue.Transport that serves virtual queue references itself and
// passes everything else to the wrapped transport.
type Client struct {
	transport queue.Transport
	opts      options

	hosts  sync.Map // physical url -> *hostQueue
	queues sync.Map // host#name -> *virtualQueue
	count  atomic.Int64
	closed atomic.Bool
}

var (
	_ queue.Transport = new(Client)
	_ queue.Closer    = new(Client)
)

func NewClient(transport queue.Transport, opts ...Option) *Client {
	o := options{
		maxQueues:   queue.MaxVirtualQueues,
		receiveWait: DefaultReceiveWait,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{transport: transport, opts: o}
}

// Unwrap returns the transport physical queue operations go to.
func (c *Client) Unwrap() queue.Transport {
	return c.transport
}

// VirtualQueueCount reports how many virtual queues are registered.
func (c *Client) VirtualQueueCount() int {
	return int(c.count.Load())
}

func (c *Client) lookup(id queue.VirtualQueueID) (*virtualQueue, bool) {
	v, ok := c.queues.Load(id.String())
	if !ok {
		return nil, false
	}
	return v.(*virtualQueue), true
}

// lookupURL resolves a virtual reference. Physical urls report ok false.
func (c *Client) lookupURL(queueURL string) (*virtualQueue, bool, error) {
	id, ok := queue.ParseVirtualQueueURL(queueURL)
	if !ok {
		return nil, false, nil
	}
	vq, registered := c.lookup(id)
	if !registered {
		return nil, true, queue.QueueNotFound(queueURL)
	}
	return vq, true, nil
}

func (c *Client) CreateQueue(ctx context.Context, name string, attributes map[string]string) (string, error) {
	hostURL := attributes[queue.AttributeHostQueueURL]
	if hostURL == "" {
		return c.transport.CreateQueue(ctx, name, attributes)
	}

	if len(attributes) > 1 {
		others := slices.DeleteFunc(slices.Sorted(maps.Keys(attributes)), func(k string) bool {
			return k == queue.AttributeHostQueueURL
		})
		return "", &queue.ConfigurationError{
			Field: "Attributes",
			Reason: "virtual queues do not support setting these queue attributes independently of their host queues: " +
				strings.Join(others, ","),
		}
	}

	if c.closed.Load() {
		return "", ErrClosed
	}

	id, err := queue.NewVirtualQueueID(hostURL, name)
	if err != nil {
		return "", err
	}
	if _, ok := c.lookup(id); ok {
		return id.String(), nil
	}

	// The check and the insert race; concurrent creators may overshoot the limit by a few.
	if c.count.Load() >= int64(c.opts.maxQueues) {
		return "", fmt.Errorf("cannot create %s: %w (maximum %d)", id.String(), ErrTooManyVirtualQueues, c.opts.maxQueues)
	}

	if err = c.ensureHost(ctx, hostURL); err != nil {
		return "", err
	}

	vq := newVirtualQueue(id, c.opts.receiveWait)
	if _, loaded := c.queues.LoadOrStore(id.String(), vq); !loaded {
		c.count.Add(1)
		util.Log(ctx).WithField("queue", id.String()).Debug("created virtual queue")
	}
	return id.String(), nil
}

// ensureHost starts the consumer for hostURL unless one is already polling it.
func (c *Client) ensureHost(ctx context.Context, hostURL string) error {
	if _, ok := c.hosts.Load(hostURL); ok {
		return nil
	}

	h := newHostQueue(c, hostURL)
	if _, loaded := c.hosts.LoadOrStore(hostURL, h); loaded {
		return nil
	}

	// The host consumer outlives the call that created it.
	if err := h.start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	util.Log(ctx).WithField("host", hostURL).Debug("started host queue consumer")

	if c.closed.Load() {
		c.hosts.Delete(hostURL)
		_ = h.shutdown(ctx)
		return ErrClosed
	}
	return nil
}

func (c *Client) DeleteQueue(ctx context.Context, queueURL string) error {
	id, ok := queue.ParseVirtualQueueURL(queueURL)
	if !ok {
		return c.transport.DeleteQueue(ctx, queueURL)
	}

	v, loaded := c.queues.LoadAndDelete(id.String())
	if !loaded {
		return queue.QueueNotFound(queueURL)
	}
	c.count.Add(-1)
	v.(*virtualQueue).close()

	util.Log(ctx).WithField("queue", queueURL).Debug("deleted virtual queue")
	return nil
}

// SendMessage routes messages for a virtual reference through its host queue.
// The virtual queue need not be registered in this process.
func (c *Client) SendMessage(ctx context.Context, queueURL string, body string, attributes queue.Attributes) (string, error) {
	id, ok := queue.ParseVirtualQueueURL(queueURL)
	if !ok {
		return c.transport.SendMessage(ctx, queueURL, body, attributes)
	}

	tagged := attributes.Clone()
	tagged.Set(queue.AttributeVirtualQueueName, queue.StringAttribute(id.Name))
	return c.transport.SendMessage(ctx, id.HostURL, body, tagged)
}

func (c *Client) ReceiveMessage(ctx context.Context, queueURL string, opts queue.ReceiveOptions) ([]*queue.Message, error) {
	vq, virtual, err := c.lookupURL(queueURL)
	if err != nil {
		return nil, err
	}
	if !virtual {
		return c.transport.ReceiveMessage(ctx, queueURL, opts)
	}
	return vq.receive(ctx, opts)
}

// DeleteMessage acknowledges on the host queue, where the message actually lives.
func (c *Client) DeleteMessage(ctx context.Context, queueURL string, receiptHandle string) error {
	if id, ok := queue.ParseVirtualQueueURL(queueURL); ok {
		queueURL = id.HostURL
	}
	return c.transport.DeleteMessage(ctx, queueURL, receiptHandle)
}

func (c *Client) ChangeMessageVisibility(
	ctx context.Context,
	queueURL string,
	receiptHandle string,
	timeout time.Duration,
) error {
	if id, ok := queue.ParseVirtualQueueURL(queueURL); ok {
		queueURL = id.HostURL
	}
	return c.transport.ChangeMessageVisibility(ctx, queueURL, receiptHandle, timeout)
}

// Close stops every host queue consumer and closes every virtual queue.
// The wrapped transport is left open.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)

	c.hosts.Range(func(key, value any) bool {
		c.hosts.Delete(key)
		h := value.(*hostQueue)
		g.Go(func() error {
			if err := h.shutdown(gctx); err != nil {
				return fmt.Errorf("stop host queue %s: %w", h.url, err)
			}
			return nil
		})
		return true
	})

	c.queues.Range(func(key, value any) bool {
		if _, loaded := c.queues.LoadAndDelete(key); loaded {
			c.count.Add(-1)
			vq := value.(*virtualQueue)
			g.Go(func() error {
				vq.close()
				return nil
			})
		}
		return true
	})

	return g.Wait()
}
