package queue

import (
	"context"
	"time"
)

// Transport is the at-least-once queue service everything else is built on.
// Implementations return errors wrapping ErrQueueDoesNotExist for unknown queues.
type Transport interface {
	CreateQueue(ctx context.Context, name string, attributes map[string]string) (string, error)
	DeleteQueue(ctx context.Context, queueURL string) error
	SendMessage(ctx context.Context, queueURL string, body string, attributes Attributes) (string, error)
	ReceiveMessage(ctx context.Context, queueURL string, opts ReceiveOptions) ([]*Message, error)
	DeleteMessage(ctx context.Context, queueURL string, receiptHandle string) error
	ChangeMessageVisibility(ctx context.Context, queueURL string, receiptHandle string, timeout time.Duration) error
}

// ReceiveOptions parameterise a long-poll receive.
type ReceiveOptions struct {
	// MaxMessages is capped at MaxReceiveMessages. Zero means one.
	MaxMessages int
	// WaitTime bounds how long the call blocks when nothing is available.
	WaitTime time.Duration
	// AttributeNames lists the message attributes to return, AllAttributes for every one.
	AttributeNames []string
}

// BatchSize clamps MaxMessages into [1, MaxReceiveMessages].
func (o ReceiveOptions) BatchSize() int {
	switch {
	case o.MaxMessages <= 0:
		return 1
	case o.MaxMessages > MaxReceiveMessages:
		return MaxReceiveMessages
	default:
		return o.MaxMessages
	}
}

// Closer is implemented by transports holding connections.
type Closer interface {
	Close(ctx context.Context) error
}

// Handler processes one received message. A returned error makes the message visible again.
type Handler func(ctx context.Context, msg *Message) error
