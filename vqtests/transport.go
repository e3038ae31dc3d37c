package vqtests

import (
	"context"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/vqueue/queue"
)

const (
	conformanceWait    = time.Second
	conformanceTimeout = 10 * time.Second
	pollEvery          = 50 * time.Millisecond
)

// Check exercises one behaviour on a freshly created queue.
type Check struct {
	Name string
	Run  func(t *testing.T, ctx context.Context, transport queue.Transport, url string)
}

var (
	CheckRoundTrip       = Check{Name: "round trip", Run: checkRoundTrip}
	CheckVisibilityReset = Check{Name: "visibility reset redelivers", Run: checkVisibilityReset}
	CheckBatchReceive    = Check{Name: "batch receive", Run: checkBatchReceive}
	CheckDeletedQueue    = Check{Name: "deleted queue is not found", Run: checkDeletedQueue}
)

// CheckTransport runs checks, every one of them when none are given, against
// transport. Queue names are unique per call so a shared backend can be
// reused between runs.
func CheckTransport(t *testing.T, transport queue.Transport, checks ...Check) {
	t.Helper()

	if len(checks) == 0 {
		checks = []Check{CheckRoundTrip, CheckVisibilityReset, CheckBatchReceive, CheckDeletedQueue}
	}

	for _, check := range checks {
		t.Run(check.Name, func(t *testing.T) {
			ctx := t.Context()
			url, err := transport.CreateQueue(ctx, "conformance_"+xid.New().String(), nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = transport.DeleteQueue(context.Background(), url) })

			check.Run(t, ctx, transport, url)
		})
	}
}

// ReceiveOne waits for a single message on url.
func ReceiveOne(ctx context.Context, transport queue.Transport, url string) (*queue.Message, error) {
	return WaitFor(ctx, func() (*queue.Message, bool, error) {
		msgs, err := transport.ReceiveMessage(ctx, url, queue.ReceiveOptions{
			MaxMessages:    1,
			WaitTime:       conformanceWait,
			AttributeNames: []string{queue.AllAttributes},
		})
		if err != nil {
			return nil, true, err
		}
		if len(msgs) == 0 {
			return nil, false, nil
		}
		return msgs[0], true, nil
	}, conformanceTimeout, pollEvery)
}

func checkRoundTrip(t *testing.T, ctx context.Context, transport queue.Transport, url string) {
	var attrs queue.Attributes
	attrs.Set("a-string", queue.StringAttribute("text"))
	attrs.Set("b-number", queue.NumberAttribute("42"))
	attrs.Set("c-binary", queue.BinaryAttribute([]byte{0, 1, 2}))

	id, err := transport.SendMessage(ctx, url, "PING 42", attrs)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msg, err := ReceiveOne(ctx, transport, url)
	require.NoError(t, err)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "PING 42", msg.Body)
	assert.Equal(t, queue.BodyMD5("PING 42"), msg.MD5OfBody)
	assert.NotEmpty(t, msg.ReceiptHandle)
	assert.True(t, attrs.Equal(msg.Attributes), "attributes %v", msg.Attributes.Names())

	require.NoError(t, transport.DeleteMessage(ctx, url, msg.ReceiptHandle))

	msgs, err := transport.ReceiveMessage(ctx, url, queue.ReceiveOptions{MaxMessages: 1})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func checkVisibilityReset(t *testing.T, ctx context.Context, transport queue.Transport, url string) {
	id, err := transport.SendMessage(ctx, url, "again", queue.Attributes{})
	require.NoError(t, err)

	first, err := ReceiveOne(ctx, transport, url)
	require.NoError(t, err)
	require.NoError(t, transport.ChangeMessageVisibility(ctx, url, first.ReceiptHandle, 0))

	second, err := ReceiveOne(ctx, transport, url)
	require.NoError(t, err)
	assert.Equal(t, id, second.ID)
	assert.NotEqual(t, first.ReceiptHandle, second.ReceiptHandle)
	require.NoError(t, transport.DeleteMessage(ctx, url, second.ReceiptHandle))
}

func checkBatchReceive(t *testing.T, ctx context.Context, transport queue.Transport, url string) {
	const count = 3
	sent := make(map[string]bool, count)
	for range count {
		id, err := transport.SendMessage(ctx, url, "batch", queue.Attributes{})
		require.NoError(t, err)
		sent[id] = true
	}

	seen := make(map[string]bool, count)
	_, err := WaitFor(ctx, func() (int, bool, error) {
		msgs, err := transport.ReceiveMessage(ctx, url, queue.ReceiveOptions{
			MaxMessages: queue.MaxReceiveMessages,
			WaitTime:    conformanceWait,
		})
		if err != nil {
			return 0, true, err
		}
		for _, m := range msgs {
			seen[m.ID] = true
			if delErr := transport.DeleteMessage(ctx, url, m.ReceiptHandle); delErr != nil {
				return 0, true, delErr
			}
		}
		return len(seen), len(seen) == count, nil
	}, conformanceTimeout, pollEvery)
	require.NoError(t, err)
	assert.Equal(t, sent, seen)
}

func checkDeletedQueue(t *testing.T, ctx context.Context, transport queue.Transport, url string) {
	require.NoError(t, transport.DeleteQueue(ctx, url))

	_, err := WaitFor(ctx, func() (string, bool, error) {
		_, sendErr := transport.SendMessage(ctx, url, "late", queue.Attributes{})
		return "", queue.IsQueueDoesNotExist(sendErr), sendErr
	}, conformanceTimeout, pollEvery)
	require.Error(t, err)
	assert.True(t, queue.IsQueueDoesNotExist(err))
}
