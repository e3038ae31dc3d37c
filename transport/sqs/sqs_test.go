package sqs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/pitabwire/vqueue/queue"
	"github.com/pitabwire/vqueue/transport/sqs"
	"github.com/pitabwire/vqueue/vqtests"
)

// fakeAPI records the last input of every call and answers with canned values.
type fakeAPI struct {
	err error

	created    *awssqs.CreateQueueInput
	sent       *awssqs.SendMessageInput
	received   *awssqs.ReceiveMessageInput
	visibility *awssqs.ChangeMessageVisibilityInput
	messages   []types.Message
}

func (f *fakeAPI) CreateQueue(_ context.Context, in *awssqs.CreateQueueInput, _ ...func(*awssqs.Options)) (*awssqs.CreateQueueOutput, error) {
	f.created = in
	if f.err != nil {
		return nil, f.err
	}
	return &awssqs.CreateQueueOutput{QueueUrl: aws.String("https://sqs.local/000/" + aws.ToString(in.QueueName))}, nil
}

func (f *fakeAPI) DeleteQueue(context.Context, *awssqs.DeleteQueueInput, ...func(*awssqs.Options)) (*awssqs.DeleteQueueOutput, error) {
	return &awssqs.DeleteQueueOutput{}, f.err
}

func (f *fakeAPI) SendMessage(_ context.Context, in *awssqs.SendMessageInput, _ ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error) {
	f.sent = in
	if f.err != nil {
		return nil, f.err
	}
	return &awssqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (f *fakeAPI) ReceiveMessage(_ context.Context, in *awssqs.ReceiveMessageInput, _ ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error) {
	f.received = in
	if f.err != nil {
		return nil, f.err
	}
	return &awssqs.ReceiveMessageOutput{Messages: f.messages}, nil
}

func (f *fakeAPI) DeleteMessage(context.Context, *awssqs.DeleteMessageInput, ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error) {
	return &awssqs.DeleteMessageOutput{}, f.err
}

func (f *fakeAPI) ChangeMessageVisibility(
	_ context.Context,
	in *awssqs.ChangeMessageVisibilityInput,
	_ ...func(*awssqs.Options),
) (*awssqs.ChangeMessageVisibilityOutput, error) {
	f.visibility = in
	return &awssqs.ChangeMessageVisibilityOutput{}, f.err
}

func TestSendMapsAttributes(t *testing.T) {
	api := &fakeAPI{}
	transport := sqs.NewWithAPI(api)

	var attrs queue.Attributes
	attrs.Set("s", queue.StringAttribute("text"))
	attrs.Set("n", queue.NumberAttribute("42"))
	attrs.Set("b", queue.BinaryAttribute([]byte{7}))

	id, err := transport.SendMessage(t.Context(), "https://sqs.local/000/q", "body", attrs)
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)

	require.NotNil(t, api.sent)
	assert.Equal(t, "body", aws.ToString(api.sent.MessageBody))
	assert.Equal(t, "text", aws.ToString(api.sent.MessageAttributes["s"].StringValue))
	assert.Equal(t, "Number", aws.ToString(api.sent.MessageAttributes["n"].DataType))
	assert.Equal(t, []byte{7}, api.sent.MessageAttributes["b"].BinaryValue)
}

func TestReceiveMapsMessages(t *testing.T) {
	api := &fakeAPI{messages: []types.Message{{
		MessageId:     aws.String("id-1"),
		Body:          aws.String("PING 42"),
		ReceiptHandle: aws.String("rh-1"),
		MD5OfBody:     aws.String(queue.BodyMD5("PING 42")),
		Attributes:    map[string]string{"ApproximateReceiveCount": "1"},
		MessageAttributes: map[string]types.MessageAttributeValue{
			"z": {DataType: aws.String("String"), StringValue: aws.String("last")},
			"a": {DataType: aws.String("Binary"), BinaryValue: []byte("first")},
		},
	}}}
	transport := sqs.NewWithAPI(api)

	msgs, err := transport.ReceiveMessage(t.Context(), "https://sqs.local/000/q", queue.ReceiveOptions{
		MaxMessages:    25,
		WaitTime:       2500 * time.Millisecond,
		AttributeNames: []string{queue.AllAttributes},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	assert.Equal(t, int32(queue.MaxReceiveMessages), api.received.MaxNumberOfMessages)
	assert.Equal(t, int32(2), api.received.WaitTimeSeconds)
	assert.Equal(t, []string{queue.AllAttributes}, api.received.MessageAttributeNames)

	msg := msgs[0]
	assert.Equal(t, "id-1", msg.ID)
	assert.Equal(t, "rh-1", msg.ReceiptHandle)
	assert.Equal(t, []string{"a", "z"}, msg.Attributes.Names())
	v, _ := msg.Attributes.Get("a")
	assert.Equal(t, queue.KindBinary, v.Kind)
	assert.Equal(t, "1", msg.SystemAttributes["ApproximateReceiveCount"])
}

func TestWaitAndVisibilityAreClamped(t *testing.T) {
	api := &fakeAPI{}
	transport := sqs.NewWithAPI(api)

	_, err := transport.ReceiveMessage(t.Context(), "q", queue.ReceiveOptions{WaitTime: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, int32(20), api.received.WaitTimeSeconds)
	assert.Equal(t, int32(1), api.received.MaxNumberOfMessages)

	require.NoError(t, transport.ChangeMessageVisibility(t.Context(), "q", "rh", -time.Second))
	assert.Equal(t, int32(0), api.visibility.VisibilityTimeout)
}

func TestErrorMapping(t *testing.T) {
	testCases := []struct {
		name    string
		err     error
		wantIs  error
		notWant error
	}{
		{
			name:   "typed queue does not exist",
			err:    &types.QueueDoesNotExist{Message: aws.String("gone")},
			wantIs: queue.ErrQueueDoesNotExist,
		},
		{
			name:   "legacy error code",
			err:    &smithy.GenericAPIError{Code: "AWS.SimpleQueueService.NonExistentQueue"},
			wantIs: queue.ErrQueueDoesNotExist,
		},
		{
			name:   "invalid receipt",
			err:    &smithy.GenericAPIError{Code: "ReceiptHandleIsInvalid"},
			wantIs: queue.ErrInvalidReceiptHandle,
		},
		{
			name:    "other",
			err:     errors.New("throttled"),
			notWant: queue.ErrQueueDoesNotExist,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			transport := sqs.NewWithAPI(&fakeAPI{err: tc.err})
			err := transport.DeleteMessage(t.Context(), "q", "rh")
			require.Error(t, err)
			require.ErrorIs(t, err, tc.err)
			if tc.wantIs != nil {
				require.ErrorIs(t, err, tc.wantIs)
			}
			if tc.notWant != nil {
				require.NotErrorIs(t, err, tc.notWant)
			}
		})
	}
}

func TestCreateQueuePassesAttributes(t *testing.T) {
	api := &fakeAPI{}
	transport := sqs.NewWithAPI(api)

	url, err := transport.CreateQueue(t.Context(), "requests", map[string]string{"VisibilityTimeout": "30"})
	require.NoError(t, err)
	assert.Equal(t, "https://sqs.local/000/requests", url)
	assert.Equal(t, "30", api.created.Attributes["VisibilityTimeout"])
}

type ElasticMQSuite struct {
	vqtests.ContainerSuite
}

func TestElasticMQ(t *testing.T) {
	suite.Run(t, &ElasticMQSuite{
		ContainerSuite: vqtests.ContainerSuite{
			InitResourceFunc: func(_ context.Context) []vqtests.Resource {
				return []vqtests.Resource{vqtests.NewElasticMQ()}
			},
		},
	})
}

func (s *ElasticMQSuite) TestConformance() {
	transport, err := sqs.New(s.T().Context(), sqs.Config{
		Region:    "elasticmq",
		Endpoint:  s.DSN(0),
		AccessKey: "x",
		SecretKey: "x",
	})
	s.Require().NoError(err)

	vqtests.CheckTransport(s.T(), transport)
}
