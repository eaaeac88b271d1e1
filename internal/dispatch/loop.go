// v0
// internal/dispatch/loop.go
// Package dispatch provides the single serialized goroutine on which every
// mutation of the in-memory caches runs. Code executed by the loop must not
// block on I/O and must never call Do on the same loop.
package dispatch

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned when work is submitted after the loop has exited.
var ErrStopped = errors.New("dispatch loop stopped")

// DefaultQueue bounds the pending work items.
const DefaultQueue = 256

// Loop runs submitted functions one at a time in submission order.
type Loop struct {
	queue chan func()
	done  chan struct{}
	once  sync.Once
}

// New returns a loop with the given queue size. Run must be called before
// Do can complete.
func New(queue int) *Loop {
	if queue <= 0 {
		queue = DefaultQueue
	}
	return &Loop{queue: make(chan func(), queue), done: make(chan struct{})}
}

// Run drains the queue until ctx ends. It returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	defer l.once.Do(func() { close(l.done) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.queue:
			fn()
		}
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Post enqueues fn without waiting for it to run. It blocks only while the
// queue is full.
func (l *Loop) Post(ctx context.Context, fn func()) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}
	select {
	case l.queue <- fn:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do enqueues fn and waits until it has run.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(ctx, func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// the item may have been picked up just before the loop exited
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
