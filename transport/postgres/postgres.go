// Package postgres implements queue.Transport on PostgreSQL tables.
//
// Receives claim rows with FOR UPDATE SKIP LOCKED so concurrent receivers
// never share a delivery. Visibility is a timestamp column compared against
// the database clock.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pitabwire/util"
	"github.com/rs/xid"

	"github.com/pitabwire/vqueue/queue"
)

const (
	// AttributeVisibilityTimeout overrides the transport default per queue, in seconds.
	AttributeVisibilityTimeout = "VisibilityTimeout"

	defaultVisibilityTimeout = 30 * time.Second
	defaultPollInterval      = 200 * time.Millisecond

	pgForeignKeyViolation = "23503"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS vq_queues (
	name          text PRIMARY KEY,
	visibility_ms bigint NOT NULL,
	attributes    jsonb NOT NULL DEFAULT '{}'::jsonb,
	created_at    timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS vq_messages (
	id            text PRIMARY KEY,
	queue_name    text NOT NULL REFERENCES vq_queues (name) ON DELETE CASCADE,
	body          text NOT NULL,
	attributes    jsonb NOT NULL,
	sent_at       timestamptz NOT NULL DEFAULT clock_timestamp(),
	visible_at    timestamptz NOT NULL DEFAULT clock_timestamp(),
	receipt       text,
	receive_count integer NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS vq_messages_visible_idx ON vq_messages (queue_name, visible_at);
`

const receiveSQL = `
WITH picked AS (
	SELECT id FROM vq_messages
	WHERE queue_name = $1 AND visible_at <= clock_timestamp()
	ORDER BY visible_at, sent_at
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
UPDATE vq_messages m
SET visible_at    = clock_timestamp() + q.visibility_ms * interval '1 millisecond',
	receipt       = m.id || ':' || gen_random_uuid()::text,
	receive_count = m.receive_count + 1
FROM picked, vq_queues q
WHERE m.id = picked.id AND q.name = m.queue_name
RETURNING m.id, m.receipt, m.body, m.attributes, m.sent_at, m.receive_count
`

type Option func(*Transport)

// WithVisibilityTimeout sets how long a received message stays hidden.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.visibilityTimeout = d
	}
}

// WithPollInterval sets how often a waiting receive queries for new messages.
func WithPollInterval(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

type Transport struct {
	pool              *pgxpool.Pool
	prefix            string
	visibilityTimeout time.Duration
	pollInterval      time.Duration
	ownsPool          bool
}

var _ queue.Transport = new(Transport)

// New opens a traced connection pool on dsn and creates the queue tables if missing.
func New(ctx context.Context, dsn string, opts ...Option) (*Transport, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err = otelpgx.RecordStats(pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to record database stats: %w", err)
	}

	t, err := NewWithPool(ctx, pool, dsn, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	t.ownsPool = true
	return t, nil
}

// NewWithPool uses an existing pool. Queue urls are derived from dsn without its credentials.
func NewWithPool(ctx context.Context, pool *pgxpool.Pool, dsn string, opts ...Option) (*Transport, error) {
	prefix, err := queuePrefix(dsn)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		pool:              pool,
		prefix:            prefix,
		visibilityTimeout: defaultVisibilityTimeout,
		pollInterval:      defaultPollInterval,
	}
	for _, opt := range opts {
		opt(t)
	}

	if err = t.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func queuePrefix(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("postgres dsn must be a url: %q", dsn)
	}
	out := url.URL{Scheme: "postgres", Host: u.Host, Path: strings.TrimRight(u.Path, "/") + "/queues/"}
	return out.String(), nil
}

// EnsureSchema creates the queue tables when they do not exist.
func (t *Transport) EnsureSchema(ctx context.Context) error {
	if _, err := t.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create queue schema: %w", err)
	}
	return nil
}

func (t *Transport) nameOf(queueURL string) (string, error) {
	name, ok := strings.CutPrefix(queueURL, t.prefix)
	if !ok || name == "" {
		return "", queue.QueueNotFound(queueURL)
	}
	return name, nil
}

func (t *Transport) exists(ctx context.Context, name string) (bool, error) {
	var found bool
	err := t.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM vq_queues WHERE name = $1)`, name).Scan(&found)
	return found, err
}

func (t *Transport) CreateQueue(ctx context.Context, name string, attributes map[string]string) (string, error) {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, queue.VirtualQueueSeparator+"/ ") {
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

	attrs, err := json.Marshal(attributes)
	if err != nil {
		return "", fmt.Errorf("encode queue attributes: %w", err)
	}
	if attributes == nil {
		attrs = []byte("{}")
	}

	_, err = t.pool.Exec(ctx,
		`INSERT INTO vq_queues (name, visibility_ms, attributes) VALUES ($1, $2, $3) ON CONFLICT (name) DO NOTHING`,
		name, visibility.Milliseconds(), attrs)
	if err != nil {
		return "", fmt.Errorf("postgres create queue %s: %w", name, err)
	}

	queueURL := t.prefix + name
	util.Log(ctx).WithField("queue", queueURL).Debug("created postgres queue")
	return queueURL, nil
}

func (t *Transport) DeleteQueue(ctx context.Context, queueURL string) error {
	name, err := t.nameOf(queueURL)
	if err != nil {
		return err
	}

	tag, err := t.pool.Exec(ctx, `DELETE FROM vq_queues WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("postgres delete queue %s: %w", queueURL, err)
	}
	if tag.RowsAffected() == 0 {
		return queue.QueueNotFound(queueURL)
	}
	return nil
}

func (t *Transport) SendMessage(ctx context.Context, queueURL string, body string, attributes queue.Attributes) (string, error) {
	name, err := t.nameOf(queueURL)
	if err != nil {
		return "", err
	}

	attrs, err := attributes.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("encode attributes: %w", err)
	}

	id := xid.New().String()
	_, err = t.pool.Exec(ctx,
		`INSERT INTO vq_messages (id, queue_name, body, attributes) VALUES ($1, $2, $3, $4)`,
		id, name, body, attrs)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return "", fmt.Errorf("postgres send message: %w", queue.QueueNotFound(queueURL))
		}
		return "", fmt.Errorf("postgres send message on %s: %w", queueURL, err)
	}
	return id, nil
}

func (t *Transport) ReceiveMessage(ctx context.Context, queueURL string, opts queue.ReceiveOptions) ([]*queue.Message, error) {
	name, err := t.nameOf(queueURL)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(opts.WaitTime)
	for {
		msgs, takeErr := t.take(ctx, name, opts)
		if takeErr != nil {
			return nil, fmt.Errorf("postgres receive message on %s: %w", queueURL, takeErr)
		}
		if len(msgs) > 0 {
			return msgs, nil
		}

		found, existsErr := t.exists(ctx, name)
		if existsErr != nil {
			return nil, fmt.Errorf("postgres receive message on %s: %w", queueURL, existsErr)
		}
		if !found {
			return nil, queue.QueueNotFound(queueURL)
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(min(wait, t.pollInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

type row struct {
	id, receipt, body string
	attributes        []byte
	sentAt            time.Time
	receiveCount      int32
}

func (t *Transport) take(ctx context.Context, name string, opts queue.ReceiveOptions) ([]*queue.Message, error) {
	rows, err := t.pool.Query(ctx, receiveSQL, name, opts.BatchSize())
	if err != nil {
		return nil, err
	}

	claimed, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (row, error) {
		var out row
		scanErr := r.Scan(&out.id, &out.receipt, &out.body, &out.attributes, &out.sentAt, &out.receiveCount)
		return out, scanErr
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(claimed, func(a, b row) int { return a.sentAt.Compare(b.sentAt) })

	msgs := make([]*queue.Message, 0, len(claimed))
	for _, r := range claimed {
		var attrs queue.Attributes
		if err = attrs.UnmarshalJSON(r.attributes); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", r.id, err)
		}
		msgs = append(msgs, &queue.Message{
			ID:            r.id,
			Body:          r.body,
			MD5OfBody:     queue.BodyMD5(r.body),
			ReceiptHandle: r.receipt,
			Attributes:    attrs.Select(opts.AttributeNames),
			SystemAttributes: map[string]string{
				"ApproximateReceiveCount": strconv.Itoa(int(r.receiveCount)),
				"SentTimestamp":           strconv.FormatInt(r.sentAt.UnixMilli(), 10),
			},
		})
	}
	return msgs, nil
}

// settle maps an update that touched no row onto not-found or a stale receipt.
func (t *Transport) settle(ctx context.Context, op, queueURL, name string, tag pgconn.CommandTag, err error) error {
	if err != nil {
		return fmt.Errorf("postgres %s on %s: %w", op, queueURL, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	found, err := t.exists(ctx, name)
	if err != nil {
		return fmt.Errorf("postgres %s on %s: %w", op, queueURL, err)
	}
	if !found {
		return fmt.Errorf("postgres %s: %w", op, queue.QueueNotFound(queueURL))
	}
	return fmt.Errorf("postgres %s on %s: %w", op, queueURL, queue.ErrInvalidReceiptHandle)
}

func (t *Transport) DeleteMessage(ctx context.Context, queueURL string, receiptHandle string) error {
	name, err := t.nameOf(queueURL)
	if err != nil {
		return err
	}
	tag, err := t.pool.Exec(ctx, `DELETE FROM vq_messages WHERE queue_name = $1 AND receipt = $2`, name, receiptHandle)
	return t.settle(ctx, "delete message", queueURL, name, tag, err)
}

func (t *Transport) ChangeMessageVisibility(
	ctx context.Context,
	queueURL string,
	receiptHandle string,
	timeout time.Duration,
) error {
	name, err := t.nameOf(queueURL)
	if err != nil {
		return err
	}
	tag, err := t.pool.Exec(ctx,
		`UPDATE vq_messages SET visible_at = clock_timestamp() + $3::bigint * interval '1 millisecond'
		WHERE queue_name = $1 AND receipt = $2`,
		name, receiptHandle, max(timeout, 0).Milliseconds())
	return t.settle(ctx, "change message visibility", queueURL, name, tag, err)
}

// Close releases the pool when the transport created it.
func (t *Transport) Close(_ context.Context) error {
	if t.ownsPool {
		t.pool.Close()
	}
	return nil
}
