package virtual

import (
	"context"
	"errors"
	"fmt"

	"github.com/pitabwire/util"

	"github.com/pitabwire/vqueue/consumer"
	"github.com/pitabwire/vqueue/queue"
)

// hostQueue polls one physical queue and routes what it receives to the
// virtual queues registered on it.
type hostQueue struct {
	url    string
	client *Client
	engine *consumer.Engine
}

func newHostQueue(c *Client, url string) *hostQueue {
	h := &hostQueue{url: url, client: c}

	opts := make([]consumer.Option, 0, len(c.opts.consumerOpts)+2)
	opts = append(opts, c.opts.consumerOpts...)
	opts = append(opts,
		// Deletion happens once the virtual queue's own consumer accepts the message.
		consumer.WithDisableDeleteMessage(true),
		consumer.WithExceptionHandler(h.onException),
	)
	h.engine = consumer.New(c.transport, url, h.dispatch, opts...)
	return h
}

func (h *hostQueue) start(ctx context.Context) error {
	return h.engine.Start(ctx)
}

func (h *hostQueue) dispatch(ctx context.Context, msg *queue.Message) error {
	name, ok := msg.StringAttribute(queue.AttributeVirtualQueueName)
	if !ok || name == "" {
		util.Log(ctx).
			WithField("host", h.url).
			WithField("message_id", msg.ID).
			Debug("cannot dispatch orphan message")
		return nil
	}

	id := queue.VirtualQueueID{HostURL: h.url, Name: name}
	vq, ok := h.client.lookup(id)
	if !ok {
		util.Log(ctx).WithField("queue", id.String()).Debug("virtual queue not handled here")
		return &queue.UnhandledVirtualQueueError{HostURL: h.url, Name: name}
	}

	delivered := msg.Clone()
	delivered.Attributes.Delete(queue.AttributeVirtualQueueName)
	if err := vq.buffer.Deliver(delivered); err != nil {
		if errors.Is(err, ErrBufferClosed) {
			// Deleted between lookup and delivery.
			util.Log(ctx).WithField("queue", id.String()).Debug("virtual queue closed during dispatch")
			return &queue.UnhandledVirtualQueueError{HostURL: h.url, Name: name}
		}
		return fmt.Errorf("dispatch to %s: %w", id.String(), err)
	}

	util.Log(ctx).
		WithField("queue", id.String()).
		WithField("message_id", msg.ID).
		Debug("dispatched message to virtual queue")
	return nil
}

func (h *hostQueue) onException(ctx context.Context, err error) {
	log := util.Log(ctx).WithField("host", h.url).WithError(err)

	var unhandled *queue.UnhandledVirtualQueueError
	if errors.As(err, &unhandled) {
		log.Debug("message left for another process")
		return
	}
	log.Error("host queue consumer error")
}

func (h *hostQueue) shutdown(ctx context.Context) error {
	return h.engine.Terminate(ctx)
}
