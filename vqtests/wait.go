package vqtests

import (
	"context"
	"fmt"
	"time"
)

// WaitFor polls condition until it reports done or timeout passes. The last
// result and error are returned once done.
func WaitFor[T any](
	ctx context.Context,
	condition func() (T, bool, error),
	timeout time.Duration,
	pollInterval time.Duration,
) (T, error) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		result, done, err := condition()
		if done {
			return result, err
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	var zero T
	return zero, fmt.Errorf("condition not met within timeout of %v", timeout)
}
