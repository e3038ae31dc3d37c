// Package sqs adapts Amazon SQS, or any service speaking its API such as
// ElasticMQ, to queue.Transport.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	smithy "github.com/aws/smithy-go"

	"github.com/pitabwire/vqueue/queue"
)

const (
	maxWaitTimeSeconds       = 20
	maxVisibilityTimeoutSecs = 12 * 60 * 60
)

// API is the subset of the SQS client the transport calls.
type API interface {
	CreateQueue(ctx context.Context, params *awssqs.CreateQueueInput, optFns ...func(*awssqs.Options)) (*awssqs.CreateQueueOutput, error)
	DeleteQueue(ctx context.Context, params *awssqs.DeleteQueueInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteQueueOutput, error)
	SendMessage(ctx context.Context, params *awssqs.SendMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(
		ctx context.Context,
		params *awssqs.ChangeMessageVisibilityInput,
		optFns ...func(*awssqs.Options),
	) (*awssqs.ChangeMessageVisibilityOutput, error)
}

// Config selects the region and, for emulators, the endpoint and static credentials.
type Config struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

type Transport struct {
	api API
}

var _ queue.Transport = new(Transport)

// New builds a transport from the default AWS credential chain, overridden by cfg.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sqs: load config: %w", err)
	}

	client := awssqs.NewFromConfig(awsCfg, func(o *awssqs.Options) {
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			if !strings.Contains(endpoint, "://") {
				endpoint = "https://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewWithAPI(client), nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API) *Transport {
	return &Transport{api: api}
}

func (t *Transport) CreateQueue(ctx context.Context, name string, attributes map[string]string) (string, error) {
	out, err := t.api.CreateQueue(ctx, &awssqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: attributes,
	})
	if err != nil {
		return "", mapError("create queue", name, err)
	}
	return aws.ToString(out.QueueUrl), nil
}

func (t *Transport) DeleteQueue(ctx context.Context, queueURL string) error {
	_, err := t.api.DeleteQueue(ctx, &awssqs.DeleteQueueInput{QueueUrl: aws.String(queueURL)})
	return mapError("delete queue", queueURL, err)
}

func (t *Transport) SendMessage(ctx context.Context, queueURL string, body string, attributes queue.Attributes) (string, error) {
	out, err := t.api.SendMessage(ctx, &awssqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       aws.String(body),
		MessageAttributes: toSQSAttributes(attributes),
	})
	if err != nil {
		return "", mapError("send message", queueURL, err)
	}
	return aws.ToString(out.MessageId), nil
}

func (t *Transport) ReceiveMessage(ctx context.Context, queueURL string, opts queue.ReceiveOptions) ([]*queue.Message, error) {
	out, err := t.api.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(queueURL),
		MaxNumberOfMessages:         int32(opts.BatchSize()), //nolint:gosec // bounded by MaxReceiveMessages
		WaitTimeSeconds:             waitTimeSeconds(opts.WaitTime),
		MessageAttributeNames:       opts.AttributeNames,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameAll},
	})
	if err != nil {
		return nil, mapError("receive message", queueURL, err)
	}

	msgs := make([]*queue.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, fromSQSMessage(m))
	}
	return msgs, nil
}

func (t *Transport) DeleteMessage(ctx context.Context, queueURL string, receiptHandle string) error {
	_, err := t.api.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	return mapError("delete message", queueURL, err)
}

func (t *Transport) ChangeMessageVisibility(
	ctx context.Context,
	queueURL string,
	receiptHandle string,
	timeout time.Duration,
) error {
	seconds := min(max(int64(timeout/time.Second), 0), maxVisibilityTimeoutSecs)
	_, err := t.api.ChangeMessageVisibility(ctx, &awssqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(seconds), //nolint:gosec // clamped above
	})
	return mapError("change message visibility", queueURL, err)
}

// waitTimeSeconds rounds down to whole seconds within the range SQS accepts.
func waitTimeSeconds(wait time.Duration) int32 {
	return int32(min(max(int64(wait/time.Second), 0), maxWaitTimeSeconds)) //nolint:gosec // clamped
}

func mapError(op, queueURL string, err error) error {
	if err == nil {
		return nil
	}
	if isQueueDoesNotExist(err) {
		return fmt.Errorf("sqs %s: %w: %s: %w", op, queue.ErrQueueDoesNotExist, queueURL, err)
	}
	if isInvalidReceipt(err) {
		return fmt.Errorf("sqs %s: %w: %w", op, queue.ErrInvalidReceiptHandle, err)
	}
	return fmt.Errorf("sqs %s on %s: %w", op, queueURL, err)
}

func isQueueDoesNotExist(err error) bool {
	var missing *types.QueueDoesNotExist
	if errors.As(err, &missing) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist":
			return true
		}
	}
	return false
}

func isInvalidReceipt(err error) bool {
	var invalid *types.ReceiptHandleIsInvalid
	if errors.As(err, &invalid) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ReceiptHandleIsInvalid"
}

func toSQSAttributes(attrs queue.Attributes) map[string]types.MessageAttributeValue {
	if attrs.Len() == 0 {
		return nil
	}
	out := make(map[string]types.MessageAttributeValue, attrs.Len())
	for name, v := range attrs.All() {
		value := types.MessageAttributeValue{DataType: aws.String(v.DataType)}
		switch v.Kind {
		case queue.KindString:
			value.StringValue = aws.String(v.StringValue)
		case queue.KindBinary:
			value.BinaryValue = v.BinaryValue
		case queue.KindStringList:
			value.StringListValues = v.StringListValues
		case queue.KindBinaryList:
			value.BinaryListValues = v.BinaryListValues
		}
		out[name] = value
	}
	return out
}

func fromSQSMessage(m types.Message) *queue.Message {
	msg := &queue.Message{
		ID:               aws.ToString(m.MessageId),
		Body:             aws.ToString(m.Body),
		ReceiptHandle:    aws.ToString(m.ReceiptHandle),
		MD5OfBody:        aws.ToString(m.MD5OfBody),
		SystemAttributes: m.Attributes,
	}

	// SQS returns attributes as a map; sorting keeps the order stable between receives.
	names := make([]string, 0, len(m.MessageAttributes))
	for name := range m.MessageAttributes {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		v := m.MessageAttributes[name]
		value := queue.AttributeValue{DataType: aws.ToString(v.DataType)}
		switch {
		case v.StringValue != nil:
			value.Kind = queue.KindString
			value.StringValue = *v.StringValue
		case v.BinaryValue != nil:
			value.Kind = queue.KindBinary
			value.BinaryValue = v.BinaryValue
		case len(v.StringListValues) > 0:
			value.Kind = queue.KindStringList
			value.StringListValues = v.StringListValues
		case len(v.BinaryListValues) > 0:
			value.Kind = queue.KindBinaryList
			value.BinaryListValues = v.BinaryListValues
		}
		msg.Attributes.Set(name, value)
	}
	return msg
}
