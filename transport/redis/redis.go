// Package redis implements queue.Transport on Redis or Valkey.
//
// A queue is a set of keys sharing one hash tag: a meta hash marking it live,
// a ready list of message ids, an in-flight sorted set scored by the time each
// delivery becomes visible again, and hashes holding envelopes, current
// receipts and receive counts. Every state change runs as a Lua script.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/util"
	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"

	"github.com/pitabwire/vqueue/queue"
)

const (
	// AttributeVisibilityTimeout overrides the transport default per queue, in seconds.
	AttributeVisibilityTimeout = "VisibilityTimeout"

	defaultVisibilityTimeout = 30 * time.Second
	defaultPollInterval      = 100 * time.Millisecond
	connectionTimeout        = 5 * time.Second

	queuesPath = "/queues/"

	replyNoQueue    = "NOQUEUE"
	replyBadReceipt = "BADRECEIPT"
)

var sendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return redis.error_reply('NOQUEUE') end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// receiveScript first returns expired deliveries to the head of the ready
// list, then hides up to ARGV[3] messages.
var receiveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return redis.error_reply('NOQUEUE') end
local now = tonumber(ARGV[1])
local visibility = tonumber(redis.call('HGET', KEYS[1], 'visibility') or ARGV[2])
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now)
for i = #expired, 1, -1 do
  redis.call('ZREM', KEYS[3], expired[i])
  redis.call('LPUSH', KEYS[2], expired[i])
end
local out = {}
for i = 1, tonumber(ARGV[3]) do
  local id = redis.call('LPOP', KEYS[2])
  if not id then break end
  local envelope = redis.call('HGET', KEYS[4], id)
  if envelope then
    local receipt = id .. ':' .. ARGV[4] .. i
    redis.call('ZADD', KEYS[3], now + visibility, id)
    redis.call('HSET', KEYS[5], id, receipt)
    local count = redis.call('HINCRBY', KEYS[6], id, 1)
    table.insert(out, {id, receipt, envelope, count})
  end
end
return out
`)

var deleteScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return redis.error_reply('NOQUEUE') end
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then return redis.error_reply('BADRECEIPT') end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
return 1
`)

var visibilityScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return redis.error_reply('NOQUEUE') end
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then return redis.error_reply('BADRECEIPT') end
if redis.call('ZSCORE', KEYS[3], ARGV[1]) == false then return 1 end
local timeout = tonumber(ARGV[4])
if timeout <= 0 then
  redis.call('ZREM', KEYS[3], ARGV[1])
  redis.call('LPUSH', KEYS[2], ARGV[1])
else
  redis.call('ZADD', KEYS[3], tonumber(ARGV[3]) + timeout, ARGV[1])
end
return 1
`)

type Option func(*Transport)

// WithVisibilityTimeout sets how long a received message stays hidden.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.visibilityTimeout = d
	}
}

// WithPollInterval sets how often a waiting receive checks for new messages.
func WithPollInterval(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

type Transport struct {
	client            redis.UniversalClient
	prefix            string
	visibilityTimeout time.Duration
	pollInterval      time.Duration
	ownsClient        bool
}

var _ queue.Transport = new(Transport)

// New connects to the server at dsn, a redis:// or rediss:// url, and checks
// the connection.
func New(ctx context.Context, dsn string, opts ...Option) (*Transport, error) {
	redisOpts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err = client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	t := NewWithClient(client, baseURL(dsn), opts...)
	t.ownsClient = true
	return t, nil
}

// baseURL drops credentials and query from dsn so queue urls can be shared.
func baseURL(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}

// NewWithClient uses an existing client. Queue urls are built under baseURL.
func NewWithClient(client redis.UniversalClient, baseURL string, opts ...Option) *Transport {
	t := &Transport{
		client:            client,
		prefix:            strings.TrimRight(baseURL, "/") + queuesPath,
		visibilityTimeout: defaultVisibilityTimeout,
		pollInterval:      defaultPollInterval,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// keys of one queue, sharing a hash tag so a cluster keeps them on one slot.
type keys struct {
	meta, ready, inflight, messages, receipts, counts string
}

func keysFor(name string) keys {
	base := "vq:{" + name + "}:"
	return keys{
		meta:     base + "meta",
		ready:    base + "ready",
		inflight: base + "inflight",
		messages: base + "messages",
		receipts: base + "receipts",
		counts:   base + "counts",
	}
}

func (k keys) all() []string {
	return []string{k.meta, k.ready, k.inflight, k.messages, k.receipts, k.counts}
}

// envelope is the stored form of a message.
type envelope struct {
	Body       string           `json:"body"`
	Attributes queue.Attributes `json:"attributes"`
	SentAt     int64            `json:"sentAt"`
}

func (t *Transport) nameOf(queueURL string) (string, error) {
	name, ok := strings.CutPrefix(queueURL, t.prefix)
	if !ok || name == "" {
		return "", queue.QueueNotFound(queueURL)
	}
	return name, nil
}

func (t *Transport) CreateQueue(ctx context.Context, name string, attributes map[string]string) (string, error) {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, queue.VirtualQueueSeparator+"{}/ ") {
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

	k := keysFor(name)
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, k.meta, "created", time.Now().UnixMilli())
		pipe.HSetNX(ctx, k.meta, "visibility", visibility.Milliseconds())
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redis create queue %s: %w", name, err)
	}

	queueURL := t.prefix + name
	util.Log(ctx).WithField("queue", queueURL).Debug("created redis queue")
	return queueURL, nil
}

func (t *Transport) DeleteQueue(ctx context.Context, queueURL string) error {
	name, err := t.nameOf(queueURL)
	if err != nil {
		return err
	}

	k := keysFor(name)
	removed, err := t.client.Del(ctx, k.meta).Result()
	if err != nil {
		return fmt.Errorf("redis delete queue %s: %w", queueURL, err)
	}
	if removed == 0 {
		return queue.QueueNotFound(queueURL)
	}
	if err = t.client.Del(ctx, k.all()[1:]...).Err(); err != nil {
		return fmt.Errorf("redis delete queue %s: %w", queueURL, err)
	}
	return nil
}

func (t *Transport) SendMessage(ctx context.Context, queueURL string, body string, attributes queue.Attributes) (string, error) {
	name, err := t.nameOf(queueURL)
	if err != nil {
		return "", err
	}

	encoded, err := json.Marshal(envelope{Body: body, Attributes: attributes, SentAt: time.Now().UnixMilli()})
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	id := xid.New().String()
	k := keysFor(name)
	err = sendScript.Run(ctx, t.client, []string{k.meta, k.ready, k.messages}, id, encoded).Err()
	if err != nil {
		return "", mapError("send message", queueURL, err)
	}
	return id, nil
}

func (t *Transport) ReceiveMessage(ctx context.Context, queueURL string, opts queue.ReceiveOptions) ([]*queue.Message, error) {
	name, err := t.nameOf(queueURL)
	if err != nil {
		return nil, err
	}

	k := keysFor(name)
	deadline := time.Now().Add(opts.WaitTime)
	for {
		msgs, recvErr := t.take(ctx, k, opts)
		if recvErr != nil {
			return nil, mapError("receive message", queueURL, recvErr)
		}
		if len(msgs) > 0 {
			return msgs, nil
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

func (t *Transport) take(ctx context.Context, k keys, opts queue.ReceiveOptions) ([]*queue.Message, error) {
	reply, err := receiveScript.Run(ctx, t.client, k.all(),
		time.Now().UnixMilli(),
		t.visibilityTimeout.Milliseconds(),
		opts.BatchSize(),
		xid.New().String(),
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	msgs := make([]*queue.Message, 0, len(reply))
	for _, row := range reply {
		fields, ok := row.([]any)
		if !ok || len(fields) != 4 {
			return nil, fmt.Errorf("unexpected receive reply %v", row)
		}
		id, _ := fields[0].(string)
		receipt, _ := fields[1].(string)
		raw, _ := fields[2].(string)
		count, _ := fields[3].(int64)

		var env envelope
		if err = json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", id, err)
		}
		msgs = append(msgs, &queue.Message{
			ID:            id,
			Body:          env.Body,
			MD5OfBody:     queue.BodyMD5(env.Body),
			ReceiptHandle: receipt,
			Attributes:    env.Attributes.Select(opts.AttributeNames),
			SystemAttributes: map[string]string{
				"ApproximateReceiveCount": strconv.FormatInt(count, 10),
				"SentTimestamp":           strconv.FormatInt(env.SentAt, 10),
			},
		})
	}
	return msgs, nil
}

// messageID recovers the id a receipt handle was issued for.
func messageID(queueURL, receiptHandle string) (string, error) {
	id, _, ok := strings.Cut(receiptHandle, ":")
	if !ok || id == "" {
		return "", fmt.Errorf("%s: %w", queueURL, queue.ErrInvalidReceiptHandle)
	}
	return id, nil
}

func (t *Transport) DeleteMessage(ctx context.Context, queueURL string, receiptHandle string) error {
	name, err := t.nameOf(queueURL)
	if err != nil {
		return err
	}
	id, err := messageID(queueURL, receiptHandle)
	if err != nil {
		return err
	}

	k := keysFor(name)
	err = deleteScript.Run(ctx, t.client,
		[]string{k.meta, k.inflight, k.messages, k.receipts, k.counts}, id, receiptHandle).Err()
	return mapError("delete message", queueURL, err)
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
	id, err := messageID(queueURL, receiptHandle)
	if err != nil {
		return err
	}

	k := keysFor(name)
	err = visibilityScript.Run(ctx, t.client,
		[]string{k.meta, k.ready, k.inflight, k.receipts},
		id, receiptHandle, time.Now().UnixMilli(), max(timeout, 0).Milliseconds()).Err()
	return mapError("change message visibility", queueURL, err)
}

// Close releases the client when the transport created it.
func (t *Transport) Close(_ context.Context) error {
	if !t.ownsClient {
		return nil
	}
	return t.client.Close()
}

func mapError(op, queueURL string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case strings.HasPrefix(err.Error(), replyNoQueue):
		return fmt.Errorf("redis %s: %w", op, queue.QueueNotFound(queueURL))
	case strings.HasPrefix(err.Error(), replyBadReceipt):
		return fmt.Errorf("redis %s on %s: %w", op, queueURL, queue.ErrInvalidReceiptHandle)
	default:
		return fmt.Errorf("redis %s on %s: %w", op, queueURL, err)
	}
}
