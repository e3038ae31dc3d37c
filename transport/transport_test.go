package transport_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/vqueue/config"
	"github.com/pitabwire/vqueue/queue"
	"github.com/pitabwire/vqueue/transport"
	"github.com/pitabwire/vqueue/transport/memory"
	"github.com/pitabwire/vqueue/transport/pubsub"
	"github.com/pitabwire/vqueue/transport/sqs"
)

func TestOpen(t *testing.T) {
	cfg := &config.ConfigurationDefault{SQSRegion: "eu-west-1"}

	testCases := []struct {
		name    string
		dsn     string
		check   func(t *testing.T, tr queue.Transport)
		wantErr error
	}{
		{
			name: "empty defaults to memory",
			dsn:  "",
			check: func(t *testing.T, tr queue.Transport) {
				assert.IsType(t, &memory.Transport{}, tr)
			},
		},
		{
			name: "memory",
			dsn:  "memory://",
			check: func(t *testing.T, tr queue.Transport) {
				assert.IsType(t, &memory.Transport{}, tr)
			},
		},
		{
			name: "gocloud mem",
			dsn:  "mem://",
			check: func(t *testing.T, tr queue.Transport) {
				assert.IsType(t, &pubsub.Transport{}, tr)
			},
		},
		{
			name: "sqs by region",
			dsn:  "sqs://x:y@us-east-1?endpoint=http://localhost:9324",
			check: func(t *testing.T, tr queue.Transport) {
				assert.IsType(t, &sqs.Transport{}, tr)
			},
		},
		{
			name: "sqs endpoint",
			dsn:  "https://sqs.us-east-1.amazonaws.com",
			check: func(t *testing.T, tr queue.Transport) {
				assert.IsType(t, &sqs.Transport{}, tr)
			},
		},
		{name: "unknown scheme", dsn: "kafka://broker:9092", wantErr: transport.ErrUnsupportedScheme},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tr, err := transport.Open(context.Background(), tc.dsn, cfg)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			tc.check(t, tr)
			if closer, ok := tr.(queue.Closer); ok {
				require.NoError(t, closer.Close(context.Background()))
			}
		})
	}
}

func TestOpenMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr, err := transport.Open(ctx, "memory://", nil)
	require.NoError(t, err)

	url, err := tr.CreateQueue(ctx, "factory", nil)
	require.NoError(t, err)
	_, err = tr.SendMessage(ctx, url, "hello", queue.Attributes{})
	require.NoError(t, err)

	msgs, err := tr.ReceiveMessage(ctx, url, queue.ReceiveOptions{MaxMessages: 1})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Body)
}

func TestMessagingSystem(t *testing.T) {
	testCases := []struct {
		dsn  string
		want string
	}{
		{dsn: "", want: "memory"},
		{dsn: "mem://", want: "memory"},
		{dsn: "sqs://us-east-1", want: "aws_sqs"},
		{dsn: "https://sqs.eu-west-1.amazonaws.com/123/orders", want: "aws_sqs"},
		{dsn: "nats://localhost:4222", want: "nats"},
		{dsn: "rediss://cache:6380", want: "redis"},
		{dsn: "postgresql://db/app", want: "postgres"},
		{dsn: "kafka://broker:9092", want: "kafka"},
	}

	for _, tc := range testCases {
		t.Run(tc.dsn, func(t *testing.T) {
			assert.Equal(t, tc.want, transport.MessagingSystem(tc.dsn))
		})
	}
}
