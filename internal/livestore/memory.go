// v0
// internal/livestore/memory.go
package livestore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Op names a store operation for fault injection.
type Op string

const (
	OpGet    Op = "get"
	OpSet    Op = "set"
	OpDelete Op = "delete"
)

// FaultFunc lets tests and the offline demo mode fail selected operations.
// Returning nil lets the operation proceed.
type FaultFunc func(op Op, path string) error

// MemoryStore is an in-process Store holding leaf values in a flat map keyed
// by path. It backs tests and the single-node mode.
type MemoryStore struct {
	mu        sync.Mutex
	data      map[string][]byte
	connected bool
	hub       *hub
	fault     FaultFunc
}

// NewMemoryStore returns a connected, empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte), connected: true, hub: newHub()}
}

// SetFault installs fn as the fault hook; nil clears it.
func (m *MemoryStore) SetFault(fn FaultFunc) {
	m.mu.Lock()
	m.fault = fn
	m.mu.Unlock()
}

func (m *MemoryStore) check(op Op, path string) error {
	if m.fault == nil {
		return nil
	}
	return m.fault(op, path)
}

func (m *MemoryStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path = cleanPath(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpGet, path); err != nil {
		return nil, err
	}
	if path == ConnectionStatePath {
		return connectionPayload(m.connected), nil
	}
	v, ok := m.data[path]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Set(ctx context.Context, path string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = cleanPath(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpSet, path); err != nil {
		return err
	}
	if IsNullPayload(value) {
		m.deleteLocked(path)
		return nil
	}
	stored := append([]byte(nil), value...)
	// a leaf replaces any subtree previously stored below it
	for key := range m.data {
		if strings.HasPrefix(key, path+"/") {
			delete(m.data, key)
		}
	}
	m.data[path] = stored
	m.hub.publish(Event{Kind: EventPut, Path: path, Value: append([]byte(nil), stored...)})
	return nil
}

// Push stores value under a fresh, time-ordered child key of parent and
// returns the key.
func (m *MemoryStore) Push(ctx context.Context, parent string, value []byte) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	key := id.String()
	if err := m.Set(ctx, cleanPath(parent)+"/"+key, value); err != nil {
		return "", err
	}
	return key, nil
}

func (m *MemoryStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = cleanPath(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpDelete, path); err != nil {
		return err
	}
	m.deleteLocked(path)
	return nil
}

func (m *MemoryStore) deleteLocked(path string) {
	for key := range m.data {
		if key == path || strings.HasPrefix(key, path+"/") {
			delete(m.data, key)
		}
	}
	m.hub.publish(Event{Kind: EventDelete, Path: path})
}

func (m *MemoryStore) Watch(ctx context.Context, path string, buffer int) (*Watch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.hub.add(ctx, cleanPath(path), buffer), nil
}

// Children lists the leaf paths stored below prefix in lexical order.
func (m *MemoryStore) Children(prefix string) []string {
	prefix = cleanPath(prefix)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0)
	for key := range m.data {
		if strings.HasPrefix(key, prefix+"/") {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// SetConnected flips the simulated transport state and emits the change on
// ConnectionStatePath.
func (m *MemoryStore) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected == connected {
		return
	}
	m.connected = connected
	m.hub.publish(Event{Kind: EventPut, Path: ConnectionStatePath, Value: connectionPayload(connected)})
}

// DropWatches ends every watch as if the transport had discarded them.
func (m *MemoryStore) DropWatches() {
	m.hub.dropAll()
}

func connectionPayload(connected bool) []byte {
	if connected {
		return []byte("true")
	}
	return []byte("false")
}

// IsNullPayload reports whether value encodes "nothing stored": empty or the
// JSON literal null.
func IsNullPayload(value []byte) bool {
	trimmed := strings.TrimSpace(string(value))
	return trimmed == "" || trimmed == "null"
}

// ParseConnectionState decodes the ConnectionStatePath payload.
func ParseConnectionState(value []byte) bool {
	return strings.TrimSpace(string(value)) == "true"
}
