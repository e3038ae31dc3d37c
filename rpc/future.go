package rpc

import (
	"context"
	"sync"
)

type FutureState int32

const (
	FuturePending FutureState = iota
	FutureResolved
	FutureRejected
)

func (s FutureState) String() string {
	switch s {
	case FuturePending:
		return "pending"
	case FutureResolved:
		return "resolved"
	case FutureRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Future is a single assignment result cell. The first Resolve or Reject wins;
// later completions report false and change nothing.
type Future[T any] struct {
	mu    sync.Mutex
	state FutureState
	value T
	err   error
	done  chan struct{}
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(state FutureState, value T, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != FuturePending {
		return false
	}
	f.state = state
	f.value = value
	f.err = err
	close(f.done)
	return true
}

func (f *Future[T]) Resolve(value T) bool {
	return f.complete(FutureResolved, value, nil)
}

func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.complete(FutureRejected, zero, err)
}

// Done is closed once the future is resolved or rejected.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

func (f *Future[T]) State() FutureState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Await blocks until the future completes or ctx ends.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}
