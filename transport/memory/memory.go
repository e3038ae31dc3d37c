// Package memory implements queue.Transport inside the process with the same
// delivery semantics as a remote queue service: receipt handles, visibility
// timeouts and long-poll receives. It backs tests and single process setups.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/util"
	"github.com/rs/xid"

	"github.com/pitabwire/vqueue/queue"
)

const (
	Scheme = "memory://"

	// AttributeVisibilityTimeout overrides the transport default per queue, in seconds.
	AttributeVisibilityTimeout = "VisibilityTimeout"

	defaultVisibilityTimeout = 30 * time.Second
)

type Option func(*Transport)

// WithVisibilityTimeout sets how long a received message stays hidden.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.visibilityTimeout = d
	}
}

type Transport struct {
	mu                sync.Mutex
	queues            map[string]*memQueue
	visibilityTimeout time.Duration
}

var _ queue.Transport = new(Transport)

func New(opts ...Option) *Transport {
	t := &Transport{
		queues:            make(map[string]*memQueue),
		visibilityTimeout: defaultVisibilityTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type entry struct {
	id           string
	body         string
	md5          string
	attributes   queue.Attributes
	sentAt       time.Time
	visibleAt    time.Time
	receipt      string
	receiveCount int
}

type memQueue struct {
	url        string
	attributes map[string]string
	visibility time.Duration
	entries    []*entry
	changed    chan struct{}
}

func (q *memQueue) notify() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *memQueue) find(receiptHandle string) (*entry, int) {
	for i, e := range q.entries {
		if e.receipt != "" && e.receipt == receiptHandle {
			return e, i
		}
	}
	return nil, -1
}

// take hides up to limit visible entries and returns their deliveries, plus the
// earliest time a hidden entry becomes visible again.
func (q *memQueue) take(now time.Time, limit int, names []string) ([]*queue.Message, time.Time) {
	var out []*queue.Message
	var next time.Time

	for _, e := range q.entries {
		if e.visibleAt.After(now) {
			if next.IsZero() || e.visibleAt.Before(next) {
				next = e.visibleAt
			}
			continue
		}
		if len(out) == limit {
			break
		}

		e.receipt = e.id + ":" + xid.New().String()
		e.receiveCount++
		e.visibleAt = now.Add(q.visibility)

		out = append(out, &queue.Message{
			ID:            e.id,
			Body:          e.body,
			MD5OfBody:     e.md5,
			ReceiptHandle: e.receipt,
			Attributes:    e.attributes.Select(names),
			SystemAttributes: map[string]string{
				"ApproximateReceiveCount": strconv.Itoa(e.receiveCount),
				"SentTimestamp":           strconv.FormatInt(e.sentAt.UnixMilli(), 10),
			},
		})
	}
	return out, next
}

func (t *Transport) lookup(queueURL string) (*memQueue, error) {
	q, ok := t.queues[queueURL]
	if !ok {
		return nil, queue.QueueNotFound(queueURL)
	}
	return q, nil
}

func (t *Transport) CreateQueue(ctx context.Context, name string, attributes map[string]string) (string, error) {
	if strings.TrimSpace(name) == "" || strings.Contains(name, queue.VirtualQueueSeparator) {
		return "", &queue.ConfigurationError{Field: "QueueName", Reason: fmt.Sprintf("%q is not a valid queue name", name)}
	}

	visibility := t.visibilityTimeout
	if raw, ok := attributes[AttributeVisibilityTimeout]; ok {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 0 {
			return "", &queue.ConfigurationError{Field: AttributeVisibilityTimeout, Reason: "must be a non negative integer"}
		}
		visibility = time.Duration(seconds) * time.Second
	}

	url := Scheme + name

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.queues[url]; ok {
		return url, nil
	}

	attrs := make(map[string]string, len(attributes))
	for k, v := range attributes {
		attrs[k] = v
	}
	t.queues[url] = &memQueue{
		url:        url,
		attributes: attrs,
		visibility: visibility,
		changed:    make(chan struct{}),
	}

	util.Log(ctx).WithField("queue", url).Debug("created in memory queue")
	return url, nil
}

func (t *Transport) DeleteQueue(_ context.Context, queueURL string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, err := t.lookup(queueURL)
	if err != nil {
		return err
	}
	delete(t.queues, queueURL)
	close(q.changed)
	return nil
}

func (t *Transport) SendMessage(_ context.Context, queueURL string, body string, attributes queue.Attributes) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, err := t.lookup(queueURL)
	if err != nil {
		return "", err
	}

	now := time.Now()
	e := &entry{
		id:         xid.New().String(),
		body:       body,
		md5:        queue.BodyMD5(body),
		attributes: attributes.Clone(),
		sentAt:     now,
		visibleAt:  now,
	}
	q.entries = append(q.entries, e)
	q.notify()
	return e.id, nil
}

func (t *Transport) ReceiveMessage(ctx context.Context, queueURL string, opts queue.ReceiveOptions) ([]*queue.Message, error) {
	deadline := time.Now().Add(opts.WaitTime)

	for {
		t.mu.Lock()
		q, err := t.lookup(queueURL)
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		msgs, next := q.take(time.Now(), opts.BatchSize(), opts.AttributeNames)
		changed := q.changed
		t.mu.Unlock()

		if len(msgs) > 0 {
			return msgs, nil
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		if !next.IsZero() {
			wait = min(wait, max(time.Until(next), time.Millisecond))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-changed:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (t *Transport) DeleteMessage(_ context.Context, queueURL string, receiptHandle string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, err := t.lookup(queueURL)
	if err != nil {
		return err
	}
	_, idx := q.find(receiptHandle)
	if idx < 0 {
		return fmt.Errorf("delete on %s: %w", queueURL, queue.ErrInvalidReceiptHandle)
	}
	q.entries = slices.Delete(q.entries, idx, idx+1)
	return nil
}

func (t *Transport) ChangeMessageVisibility(
	_ context.Context,
	queueURL string,
	receiptHandle string,
	timeout time.Duration,
) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, err := t.lookup(queueURL)
	if err != nil {
		return err
	}
	e, _ := q.find(receiptHandle)
	if e == nil {
		return fmt.Errorf("change visibility on %s: %w", queueURL, queue.ErrInvalidReceiptHandle)
	}
	e.visibleAt = time.Now().Add(max(timeout, 0))
	q.notify()
	return nil
}

// Close drops every queue, waking blocked receivers.
func (t *Transport) Close(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for url, q := range t.queues {
		delete(t.queues, url)
		close(q.changed)
	}
	return nil
}

// Exists reports whether queueURL names a live queue.
func (t *Transport) Exists(queueURL string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.queues[queueURL]
	return ok
}

// Depth returns the number of visible and in-flight messages on a queue.
func (t *Transport) Depth(queueURL string) (int, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, err := t.lookup(queueURL)
	if err != nil {
		return 0, 0, err
	}
	now := time.Now()
	var visible, inFlight int
	for _, e := range q.entries {
		if e.visibleAt.After(now) {
			inFlight++
		} else {
			visible++
		}
	}
	return visible, inFlight, nil
}

// QueueURLs lists the live queues, sorted.
func (t *Transport) QueueURLs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	urls := make([]string, 0, len(t.queues))
	for url := range t.queues {
		urls = append(urls, url)
	}
	slices.Sort(urls)
	return urls
}
