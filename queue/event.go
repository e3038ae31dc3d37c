package queue

import (
	"maps"
	"slices"

	"github.com/aws/aws-lambda-go/events"
)

// FromSQSEventMessage adapts a record from a lambda SQS event into a Message.
// Attribute types and values are carried over unchanged. Map iteration has no
// order, so attributes are added sorted by name.
func FromSQSEventMessage(record events.SQSMessage) *Message {
	msg := &Message{
		ID:               record.MessageId,
		Body:             record.Body,
		ReceiptHandle:    record.ReceiptHandle,
		MD5OfBody:        record.Md5OfBody,
		SystemAttributes: maps.Clone(record.Attributes),
	}

	for _, name := range slices.Sorted(maps.Keys(record.MessageAttributes)) {
		msg.Attributes.Set(name, fromEventAttribute(record.MessageAttributes[name]))
	}
	return msg
}

// FromSQSEvent adapts every record of a lambda SQS event.
func FromSQSEvent(event events.SQSEvent) []*Message {
	out := make([]*Message, 0, len(event.Records))
	for _, record := range event.Records {
		out = append(out, FromSQSEventMessage(record))
	}
	return out
}

func fromEventAttribute(attr events.SQSMessageAttribute) AttributeValue {
	v := AttributeValue{DataType: attr.DataType}
	switch {
	case attr.StringValue != nil:
		v.Kind = KindString
		v.StringValue = *attr.StringValue
	case attr.BinaryValue != nil:
		v.Kind = KindBinary
		v.BinaryValue = attr.BinaryValue
	case len(attr.StringListValues) > 0:
		v.Kind = KindStringList
		v.StringListValues = attr.StringListValues
	case len(attr.BinaryListValues) > 0:
		v.Kind = KindBinaryList
		v.BinaryListValues = attr.BinaryListValues
	}
	return v
}
