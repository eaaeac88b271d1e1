// v0
// internal/dispatch/subscription.go
package dispatch

import (
	"context"
	"sync"
)

// Subscription delivers the latest value published to it. It holds at most
// one pending value: a newer value replaces an unread one, so slow consumers
// skip intermediate states but always converge on the current one.
type Subscription[T any] struct {
	ch      chan T
	done    chan struct{}
	mu      sync.Mutex
	once    sync.Once
	release func(*Subscription[T])
}

// C returns the value channel. It is never closed; select on Done.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Done is closed once the subscription is released.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Close releases the subscription. It is idempotent.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		if s.release != nil {
			s.release(s)
		}
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()
	})
}

func (s *Subscription[T]) offer(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- v
}

// Broadcaster fans values out to subscriptions, cloning per subscriber so no
// two consumers share mutable data.
type Broadcaster[T any] struct {
	mu    sync.Mutex
	subs  map[*Subscription[T]]struct{}
	clone func(T) T
}

// NewBroadcaster returns a broadcaster. clone may be nil for value types.
func NewBroadcaster[T any](clone func(T) T) *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[*Subscription[T]]struct{}), clone: clone}
}

// Subscribe registers a subscription primed with initial. It is released by
// Close or when ctx ends.
func (b *Broadcaster[T]) Subscribe(ctx context.Context, initial T) *Subscription[T] {
	sub := &Subscription[T]{ch: make(chan T, 1), done: make(chan struct{}), release: b.remove}
	sub.offer(b.copy(initial))
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub
}

// Publish offers v to every live subscription without blocking.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	targets := make([]*Subscription[T], 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.Unlock()
	for _, s := range targets {
		s.offer(b.copy(v))
	}
}

// Len reports the number of live subscriptions.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster[T]) remove(s *Subscription[T]) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

func (b *Broadcaster[T]) copy(v T) T {
	if b.clone == nil {
		return v
	}
	return b.clone(v)
}
