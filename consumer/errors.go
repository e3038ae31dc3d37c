package consumer

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyStarted = errors.New("consumer already started")
	ErrShutDown       = errors.New("consumer is shut down")
)

// MessageError reports a failure tied to one received message.
type MessageError struct {
	Op        string
	QueueURL  string
	MessageID string
	Err       error
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("error %s message #%s on %s: %v", e.Op, e.MessageID, e.QueueURL, e.Err)
}

func (e *MessageError) Unwrap() error {
	return e.Err
}
