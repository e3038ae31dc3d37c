package virtual

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/vqueue/queue"
)

// DefaultReceiveWait applies to receives that do not ask for a wait time.
const DefaultReceiveWait = 10 * time.Second

var ErrBufferClosed = errors.New("receive buffer is closed")

// Buffer is the in-memory FIFO behind one virtual queue. Receivers long-poll it
// the way they would long-poll a physical queue.
type Buffer struct {
	mu          sync.Mutex
	messages    []*queue.Message
	closed      bool
	changed     chan struct{}
	defaultWait time.Duration
}

func NewBuffer(defaultWait time.Duration) *Buffer {
	if defaultWait <= 0 {
		defaultWait = DefaultReceiveWait
	}
	return &Buffer{
		changed:     make(chan struct{}),
		defaultWait: defaultWait,
	}
}

// broadcast wakes every waiter. Callers hold mu.
func (b *Buffer) broadcast() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Deliver appends msg without blocking.
func (b *Buffer) Deliver(msg *queue.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBufferClosed
	}
	b.messages = append(b.messages, msg)
	b.broadcast()
	return nil
}

func (b *Buffer) take(maxCount int) []*queue.Message {
	n := min(maxCount, len(b.messages))
	if n == 0 {
		return nil
	}
	out := make([]*queue.Message, n)
	copy(out, b.messages)
	clear(b.messages[:n])
	b.messages = b.messages[n:]
	return out
}

// Receive returns up to maxCount messages. It waits until that many are queued,
// the wait elapses, the buffer closes or ctx ends, whichever comes first, and
// then hands out whatever is queued. A wait of zero uses the buffer default.
func (b *Buffer) Receive(ctx context.Context, maxCount int, wait time.Duration) ([]*queue.Message, error) {
	maxCount = max(maxCount, 1)
	if wait <= 0 {
		wait = b.defaultWait
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if b.closed || len(b.messages) >= maxCount {
			out := b.take(maxCount)
			b.mu.Unlock()
			return out, nil
		}
		changed := b.changed
		b.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			b.mu.Lock()
			out := b.take(maxCount)
			b.mu.Unlock()
			return out, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close rejects further deliveries and releases waiting receivers. Messages
// already queued can still be received.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.broadcast()
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}
