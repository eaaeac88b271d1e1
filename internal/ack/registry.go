// v0
// internal/ack/registry.go
package ack

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned for unknown attempt ids.
var ErrNotFound = errors.New("acknowledgment not found")

// DefaultRegistrySize bounds the attempts kept for lookup.
const DefaultRegistrySize = 256

// Registry keeps attempts addressable by id so a request and its
// confirmation can arrive as separate calls. When full, the oldest finished
// attempts are pruned first.
type Registry struct {
	wf    *Workflow
	limit int

	mu       sync.Mutex
	attempts map[string]*Attempt
	order    []string
}

func NewRegistry(wf *Workflow, limit int) *Registry {
	if limit <= 0 {
		limit = DefaultRegistrySize
	}
	return &Registry{wf: wf, limit: limit, attempts: make(map[string]*Attempt)}
}

// Request creates and registers a new attempt.
func (r *Registry) Request(locationID, actor string) (*Attempt, error) {
	a, err := r.wf.Request(locationID, actor)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := a.ID()
	r.attempts[id] = a
	r.order = append(r.order, id)
	r.pruneLocked()
	return a, nil
}

func (r *Registry) Get(id string) (*Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

func (r *Registry) Confirm(ctx context.Context, id string) (Result, error) {
	a, err := r.Get(id)
	if err != nil {
		return Result{}, err
	}
	return a.Confirm(ctx)
}

func (r *Registry) Cancel(id string) (Result, error) {
	a, err := r.Get(id)
	if err != nil {
		return Result{}, err
	}
	return a.Cancel()
}

// Len reports the number of registered attempts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}

func (r *Registry) pruneLocked() {
	if len(r.order) <= r.limit {
		return
	}
	excess := len(r.order) - r.limit
	kept := r.order[:0]
	for _, id := range r.order {
		if excess > 0 && r.attempts[id].State().Terminal() {
			delete(r.attempts, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	// still over the limit: only pending attempts remain, drop the oldest
	for len(r.order) > r.limit {
		delete(r.attempts, r.order[0])
		r.order = r.order[1:]
	}
}
