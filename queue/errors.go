package queue

import (
	"errors"
	"fmt"
	"time"
)

// ErrQueueDoesNotExist is the transient not-found condition every transport maps its native error onto.
var ErrQueueDoesNotExist = errors.New("queue does not exist")

// ErrInvalidReceiptHandle is returned when a receipt handle does not match the current delivery.
var ErrInvalidReceiptHandle = errors.New("receipt handle is invalid")

// QueueNotFound wraps ErrQueueDoesNotExist with the offending queue url.
func QueueNotFound(queueURL string) error {
	return fmt.Errorf("%w: %s", ErrQueueDoesNotExist, queueURL)
}

func IsQueueDoesNotExist(err error) bool {
	return errors.Is(err, ErrQueueDoesNotExist)
}

// DomainError is a condition meaningful to callers, tied to the queue it concerns.
type DomainError interface {
	error
	QueueURL() string
}

func IsDomainError(err error) bool {
	var de DomainError
	return errors.As(err, &de)
}

// TimeoutError reports that no response arrived on a response queue before the caller's deadline.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no response received on %s within %s", e.URL, e.Timeout)
}

func (e *TimeoutError) QueueURL() string {
	return e.URL
}

// UnhandledVirtualQueueError reports a message routed to a virtual queue this process has not registered.
type UnhandledVirtualQueueError struct {
	HostURL string
	Name    string
}

func (e *UnhandledVirtualQueueError) Error() string {
	return fmt.Sprintf("virtual queue %q is not registered on host %s", e.Name, e.HostURL)
}

func (e *UnhandledVirtualQueueError) QueueURL() string {
	return VirtualQueueID{HostURL: e.HostURL, Name: e.Name}.String()
}

// ConfigurationError is raised synchronously to a caller misusing the api.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var (
	_ DomainError = new(TimeoutError)
	_ DomainError = new(UnhandledVirtualQueueError)
)
