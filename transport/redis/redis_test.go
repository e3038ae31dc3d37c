package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/stretchr/testify/suite"

	"github.com/pitabwire/vqueue/queue"
	"github.com/pitabwire/vqueue/transport/redis"
	"github.com/pitabwire/vqueue/vqtests"
)

type RedisTransportSuite struct {
	vqtests.ContainerSuite
}

func TestRedisTransport(t *testing.T) {
	suite.Run(t, &RedisTransportSuite{
		ContainerSuite: vqtests.ContainerSuite{
			InitResourceFunc: func(_ context.Context) []vqtests.Resource {
				return []vqtests.Resource{vqtests.NewValkey()}
			},
		},
	})
}

func (s *RedisTransportSuite) open(opts ...redis.Option) *redis.Transport {
	opts = append([]redis.Option{redis.WithPollInterval(20 * time.Millisecond)}, opts...)
	transport, err := redis.New(s.T().Context(), s.DSN(0), opts...)
	s.Require().NoError(err)
	s.T().Cleanup(func() { s.NoError(transport.Close(context.Background())) })
	return transport
}

func (s *RedisTransportSuite) TestConformance() {
	vqtests.CheckTransport(s.T(), s.open())
}

func (s *RedisTransportSuite) TestExpiredDeliveryIsReclaimed() {
	ctx := s.T().Context()
	transport := s.open(redis.WithVisibilityTimeout(200 * time.Millisecond))

	url, err := transport.CreateQueue(ctx, "reclaim_"+xid.New().String(), nil)
	s.Require().NoError(err)
	defer func() { s.NoError(transport.DeleteQueue(context.Background(), url)) }()

	id, err := transport.SendMessage(ctx, url, "slow", queue.Attributes{})
	s.Require().NoError(err)

	first, err := vqtests.ReceiveOne(ctx, transport, url)
	s.Require().NoError(err)
	s.Equal("1", first.SystemAttributes["ApproximateReceiveCount"])

	second, err := vqtests.ReceiveOne(ctx, transport, url)
	s.Require().NoError(err)
	s.Equal(id, second.ID)
	s.Equal("2", second.SystemAttributes["ApproximateReceiveCount"])

	s.Require().ErrorIs(transport.DeleteMessage(ctx, url, first.ReceiptHandle), queue.ErrInvalidReceiptHandle)
	s.Require().NoError(transport.DeleteMessage(ctx, url, second.ReceiptHandle))
}

func (s *RedisTransportSuite) TestCreateQueue() {
	ctx := s.T().Context()
	transport := s.open()

	testCases := []struct {
		name       string
		queueName  string
		attributes map[string]string
		wantErr    bool
	}{
		{name: "plain", queueName: "plain_" + xid.New().String()},
		{
			name:       "visibility attribute",
			queueName:  "timed_" + xid.New().String(),
			attributes: map[string]string{redis.AttributeVisibilityTimeout: "5"},
		},
		{
			name:       "bad visibility",
			queueName:  "bad_" + xid.New().String(),
			attributes: map[string]string{redis.AttributeVisibilityTimeout: "soon"},
			wantErr:    true,
		},
		{name: "hash tag in name", queueName: "a{b}", wantErr: true},
		{name: "virtual separator in name", queueName: "host#v", wantErr: true},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			url, err := transport.CreateQueue(ctx, tc.queueName, tc.attributes)
			if tc.wantErr {
				var cfgErr *queue.ConfigurationError
				s.Require().ErrorAs(err, &cfgErr)
				return
			}
			s.Require().NoError(err)
			s.NotContains(url, vqtests.DefaultPassword)

			again, err := transport.CreateQueue(ctx, tc.queueName, tc.attributes)
			s.Require().NoError(err)
			s.Equal(url, again)
			s.Require().NoError(transport.DeleteQueue(ctx, url))
		})
	}
}

func (s *RedisTransportSuite) TestForeignURLIsNotFound() {
	transport := s.open()
	_, err := transport.SendMessage(s.T().Context(), "https://sqs.local/000/orders", "x", queue.Attributes{})
	s.True(queue.IsQueueDoesNotExist(err))
}
