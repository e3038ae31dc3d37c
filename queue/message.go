package queue

import (
	"crypto/md5" //nolint:gosec // checksum format fixed by the wire protocol
	"encoding/hex"
	"maps"

	"github.com/pitabwire/vqueue/internal"
)

// Message is one delivery of a queued payload.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
	MD5OfBody     string
	Attributes    Attributes
	// SystemAttributes holds transport-maintained values such as ApproximateReceiveCount.
	SystemAttributes map[string]string
}

// NewMessage encodes payload into a message body.
func NewMessage(payload any) (*Message, error) {
	body, err := internal.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Body: string(body)}, nil
}

// Decode unpacks the body into holder, the inverse of NewMessage.
func (m *Message) Decode(holder any) error {
	return internal.Unmarshal([]byte(m.Body), holder)
}

func (m *Message) StringAttribute(name string) (string, bool) {
	return m.Attributes.String(name)
}

// ResponseQueueURL returns the reply-to address, if the sender asked for a response.
func (m *Message) ResponseQueueURL() (string, bool) {
	url, ok := m.Attributes.String(AttributeResponseQueueURL)
	return url, ok && url != ""
}

func (m *Message) Clone() *Message {
	out := *m
	out.Attributes = m.Attributes.Clone()
	out.SystemAttributes = maps.Clone(m.SystemAttributes)
	return &out
}

// BodyMD5 is the hex md5 digest transports report as MD5OfBody.
func BodyMD5(body string) string {
	sum := md5.Sum([]byte(body)) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}
