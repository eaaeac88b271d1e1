// v0
// internal/alertlog/log.go
// Package alertlog keeps the bounded, newest-first record of alert events fed
// by the live store's alert stream.
package alertlog

import "hygienewatch/realtime/internal/model"

// DefaultCapacity is the number of entries kept before the oldest is evicted.
// It is also the largest capacity a Log accepts.
const DefaultCapacity = 50

// retiredLimit bounds how many evicted keys a Log remembers.
const retiredLimit = 1024

// Log is a bounded sequence of alerts, newest first. Order is arrival order,
// not timestamp order. Log is not safe for concurrent use; Service confines
// it to the dispatch loop.
type Log struct {
	capacity int
	entries  []model.AlertEvent

	// keys evicted from the tail, oldest first
	retired      map[string]struct{}
	retiredOrder []string
}

// New returns an empty log. capacity <= 0 selects DefaultCapacity; larger
// values are clamped to it.
func New(capacity int) *Log {
	if capacity <= 0 || capacity > DefaultCapacity {
		capacity = DefaultCapacity
	}
	return &Log{
		capacity: capacity,
		entries:  make([]model.AlertEvent, 0, capacity),
		retired:  make(map[string]struct{}),
	}
}

// OnAlert inserts ev at the head and evicts from the tail beyond capacity.
// It returns the evicted entries, oldest last.
func (l *Log) OnAlert(ev model.AlertEvent) []model.AlertEvent {
	l.entries = append(l.entries, model.AlertEvent{})
	copy(l.entries[1:], l.entries)
	l.entries[0] = ev
	if len(l.entries) <= l.capacity {
		return nil
	}
	evicted := append([]model.AlertEvent(nil), l.entries[l.capacity:]...)
	l.entries = l.entries[:l.capacity]
	for _, ev := range evicted {
		l.retire(ev.Key)
	}
	return evicted
}

func (l *Log) retire(key string) {
	if key == "" {
		return
	}
	if _, ok := l.retired[key]; ok {
		return
	}
	l.retired[key] = struct{}{}
	l.retiredOrder = append(l.retiredOrder, key)
	if len(l.retiredOrder) > retiredLimit {
		delete(l.retired, l.retiredOrder[0])
		l.retiredOrder = l.retiredOrder[1:]
	}
}

// ClearFor removes every entry of locationID and keeps the relative order of
// the rest. It returns the number of removed entries.
func (l *Log) ClearFor(locationID string) int {
	kept := l.entries[:0]
	removed := 0
	for _, ev := range l.entries {
		if ev.LocationID == locationID {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	for i := len(kept); i < len(l.entries); i++ {
		l.entries[i] = model.AlertEvent{}
	}
	l.entries = kept
	return removed
}

// Remove drops the entry with the given store key, if present.
func (l *Log) Remove(key string) bool {
	if key == "" {
		return false
	}
	for i, ev := range l.entries {
		if ev.Key == key {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether an entry with the given store key is present.
func (l *Log) Contains(key string) bool {
	if key == "" {
		return false
	}
	for _, ev := range l.entries {
		if ev.Key == key {
			return true
		}
	}
	return false
}

// Known reports whether key is present or was evicted recently enough to
// be remembered. A stored child replayed after its eviction is known.
func (l *Log) Known(key string) bool {
	if l.Contains(key) {
		return true
	}
	_, ok := l.retired[key]
	return ok
}

// CountByType counts the current entries of type t.
func (l *Log) CountByType(t model.AlertType) int {
	n := 0
	for _, ev := range l.entries {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// CountFor counts the current entries of a location.
func (l *Log) CountFor(locationID string) int {
	n := 0
	for _, ev := range l.entries {
		if ev.LocationID == locationID {
			n++
		}
	}
	return n
}

// Counts returns the per-type counts of every known type.
func (l *Log) Counts() map[model.AlertType]int {
	return map[model.AlertType]int{
		model.AlertInfo:    l.CountByType(model.AlertInfo),
		model.AlertHygiene: l.CountByType(model.AlertHygiene),
	}
}

// Len returns the number of entries.
func (l *Log) Len() int { return len(l.entries) }

// Capacity returns the eviction bound.
func (l *Log) Capacity() int { return l.capacity }

// Entries returns a copy of the entries, newest first.
func (l *Log) Entries() []model.AlertEvent {
	return append([]model.AlertEvent(nil), l.entries...)
}
