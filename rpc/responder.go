package rpc

import (
	"context"
	"fmt"
	"strings"

	"github.com/pitabwire/util"

	"github.com/pitabwire/vqueue/queue"
	"github.com/pitabwire/vqueue/telemetry"
)

// Responder answers requests that carry a response queue address.
type Responder struct {
	transport queue.Transport
	tracer    telemetry.Tracer
}

func NewResponder(transport queue.Transport) *Responder {
	return &Responder{
		transport: transport,
		tracer:    telemetry.NewTracer(InstrumentationName),
	}
}

// IsResponseMessageRequested reports whether request names a queue to answer on.
func (r *Responder) IsResponseMessageRequested(request *queue.Message) bool {
	_, ok := request.ResponseQueueURL()
	return ok
}

// SendResponseMessage sends response to the queue request asked to be answered on.
// A request without one, or whose requester has already given up and deleted
// its queue, is logged and otherwise ignored.
func (r *Responder) SendResponseMessage(ctx context.Context, request, response *queue.Message) (err error) {
	replyTo, ok := request.ResponseQueueURL()
	if !ok {
		util.Log(ctx).WithField("message_id", request.ID).Warn("attempted to send a response when none was requested")
		return nil
	}

	ctx, span := r.tracer.Start(ctx, "SendResponseMessage")
	span.SetAttributes(telemetry.AttrQueueKey.String(replyTo))
	defer func() { r.tracer.End(ctx, span, err) }()

	attrs := response.Attributes.Clone()
	attrs.Delete(queue.AttributeResponseQueueURL)
	queue.InjectTraceContext(ctx, &attrs)

	_, err = r.transport.SendMessage(ctx, replyTo, response.Body, attrs)
	if err == nil {
		return nil
	}
	if queue.IsQueueDoesNotExist(err) {
		util.Log(ctx).WithField("queue", replyTo).Warn("ignoring response to deleted response queue")
		return nil
	}
	return fmt.Errorf("send response to %s: %w", replyTo, err)
}

// PongHandler answers every request whose body starts with PING with the same
// body starting with PONG. Other messages are consumed without a reply.
func PongHandler(responder *Responder) queue.Handler {
	return func(ctx context.Context, msg *queue.Message) error {
		rest, ok := strings.CutPrefix(msg.Body, "PING")
		if !ok || !responder.IsResponseMessageRequested(msg) {
			util.Log(ctx).WithField("message_id", msg.ID).Debug("ignoring message that is not a ping")
			return nil
		}
		return responder.SendResponseMessage(ctx, msg, &queue.Message{Body: "PONG" + rest})
	}
}
