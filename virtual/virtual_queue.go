package virtual

import (
	"context"
	"time"

	"github.com/pitabwire/vqueue/queue"
)

// virtualQueue is a logical queue living inside one host queue.
type virtualQueue struct {
	id        queue.VirtualQueueID
	buffer    *Buffer
	createdAt time.Time
}

func newVirtualQueue(id queue.VirtualQueueID, defaultWait time.Duration) *virtualQueue {
	return &virtualQueue{
		id:        id,
		buffer:    NewBuffer(defaultWait),
		createdAt: time.Now(),
	}
}

// receive hands out at most one message per call regardless of the requested batch size.
func (v *virtualQueue) receive(ctx context.Context, opts queue.ReceiveOptions) ([]*queue.Message, error) {
	msgs, err := v.buffer.Receive(ctx, 1, opts.WaitTime)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		msg.Attributes = msg.Attributes.Select(opts.AttributeNames)
	}
	return msgs, nil
}

func (v *virtualQueue) close() {
	v.buffer.Close()
}
