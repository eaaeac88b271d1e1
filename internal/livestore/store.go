// v0
// internal/livestore/store.go
// Package livestore abstracts the hierarchical live store addressed by
// path-like keys (locations/{id}/current, alerts/{id}, ...). Backends deliver
// changes through bounded watches.
package livestore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrSubscriptionDropped reports a watch closed by the transport rather
	// than by its owner.
	ErrSubscriptionDropped = errors.New("subscription dropped")
	// ErrNotConnected is returned by backends that cannot serve a request
	// while the transport is down.
	ErrNotConnected = errors.New("live store not connected")
)

// DefaultWatchBuffer bounds the pending events of a watch.
const DefaultWatchBuffer = 64

// EventKind tells whether a path received a value or was removed.
type EventKind int

const (
	EventPut EventKind = iota
	EventDelete
)

func (k EventKind) String() string {
	if k == EventDelete {
		return "delete"
	}
	return "put"
}

// Event is one change observed at Path. Value is nil for deletes.
type Event struct {
	Kind  EventKind
	Path  string
	Value []byte
}

// Store is the contract every live store backend satisfies. Get returns a nil
// value when nothing is stored at path.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Set(ctx context.Context, path string, value []byte) error
	Delete(ctx context.Context, path string) error
	// Watch streams changes at path and below it, plus deletes of any
	// ancestor. The watch is released by Close or when ctx ends.
	Watch(ctx context.Context, path string, buffer int) (*Watch, error)
}

// Watch is a bounded event stream. When the buffer is full the oldest pending
// event is discarded and Dropped is incremented; consumers use that signal to
// resynchronize.
type Watch struct {
	path    string
	ch      chan Event
	done    chan struct{}
	dropped atomic.Uint64
	once    sync.Once
	release func(*Watch)

	mu  sync.Mutex
	err error
}

func newWatch(path string, buffer int, release func(*Watch)) *Watch {
	if buffer <= 0 {
		buffer = DefaultWatchBuffer
	}
	return &Watch{path: path, ch: make(chan Event, buffer), done: make(chan struct{}), release: release}
}

// Path returns the watched path.
func (w *Watch) Path() string { return w.path }

// Events exposes the event channel. It is never closed; select on Done.
func (w *Watch) Events() <-chan Event { return w.ch }

// Done is closed once the watch is released.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Dropped reports how many events were discarded on overflow.
func (w *Watch) Dropped() uint64 { return w.dropped.Load() }

// Err returns ErrSubscriptionDropped when the transport ended the watch and
// nil after a regular Close.
func (w *Watch) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close releases the watch. It is safe to call more than once.
func (w *Watch) Close() {
	w.closeWith(nil)
}

func (w *Watch) closeWith(err error) {
	w.once.Do(func() {
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		close(w.done)
		if w.release != nil {
			w.release(w)
		}
	})
}

func (w *Watch) deliver(ev Event) {
	for {
		select {
		case <-w.done:
			return
		default:
		}
		select {
		case w.ch <- ev:
			return
		default:
		}
		select {
		case <-w.ch:
			w.dropped.Add(1)
		default:
		}
	}
}

func (w *Watch) matches(path string) bool {
	return Within(path, w.path) || Within(w.path, path)
}

// hub fans events out to the watches of a backend.
type hub struct {
	mu      sync.Mutex
	watches map[*Watch]struct{}
}

func newHub() *hub {
	return &hub{watches: make(map[*Watch]struct{})}
}

func (h *hub) add(ctx context.Context, path string, buffer int) *Watch {
	w := newWatch(path, buffer, h.remove)
	h.mu.Lock()
	h.watches[w] = struct{}{}
	h.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			w.Close()
		case <-w.done:
		}
	}()
	return w
}

func (h *hub) remove(w *Watch) {
	h.mu.Lock()
	delete(h.watches, w)
	h.mu.Unlock()
}

// publish must be called while the backend holds its write lock so every
// watch observes writes in the order they were applied.
func (h *hub) publish(ev Event) {
	h.mu.Lock()
	targets := make([]*Watch, 0, len(h.watches))
	for w := range h.watches {
		if w.matches(ev.Path) {
			targets = append(targets, w)
		}
	}
	h.mu.Unlock()
	for _, w := range targets {
		w.deliver(ev)
	}
}

// dropAll ends every watch with ErrSubscriptionDropped.
func (h *hub) dropAll() {
	h.mu.Lock()
	targets := make([]*Watch, 0, len(h.watches))
	for w := range h.watches {
		targets = append(targets, w)
	}
	h.mu.Unlock()
	for _, w := range targets {
		w.closeWith(ErrSubscriptionDropped)
	}
}
