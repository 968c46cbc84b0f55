// Package deferred provides a single-resolution future that bridges callback
// style completion to goroutines waiting on the outcome.
package deferred

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyDone is returned when a Deferred is settled more than once.
var ErrAlreadyDone = errors.New("already done")

// Deferred is a manually settled future. The zero value is not usable; use New.
type Deferred[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	value T
	err   error
	ok    bool
}

// New creates a pending Deferred.
func New[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{})}
}

// Resolved returns a Deferred already settled with value.
func Resolved[T any](value T) *Deferred[T] {
	d := New[T]()
	_ = d.Resolve(value)
	return d
}

// Rejected returns a Deferred already settled with err.
func Rejected[T any](err error) *Deferred[T] {
	d := New[T]()
	_ = d.Reject(err)
	return d
}

// Resolve settles the Deferred with value.
// It returns ErrAlreadyDone if the Deferred was settled before; the first
// outcome is kept.
func (d *Deferred[T]) Resolve(value T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ok {
		return ErrAlreadyDone
	}
	d.value = value
	d.ok = true
	close(d.done)
	return nil
}

// Reject settles the Deferred with err.
// It returns ErrAlreadyDone if the Deferred was settled before.
func (d *Deferred[T]) Reject(err error) error {
	if err == nil {
		err = errors.New("rejected")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ok {
		return ErrAlreadyDone
	}
	d.err = err
	d.ok = true
	close(d.done)
	return nil
}

// IsPending reports whether the Deferred has not been settled yet.
func (d *Deferred[T]) IsPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.ok
}

// Done returns a channel closed once the Deferred is settled.
func (d *Deferred[T]) Done() <-chan struct{} {
	return d.done
}

// Result returns the outcome. It must only be called after Done is closed;
// before that it returns the zero value and a nil error.
func (d *Deferred[T]) Result() (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value, d.err
}

// Wait blocks until the Deferred is settled or ctx ends.
func (d *Deferred[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		return d.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
