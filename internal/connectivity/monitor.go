// v0
// internal/connectivity/monitor.go
// Package connectivity tracks transport liveness of the live store
// subscription channel. It says nothing about whether any location's data is
// stale.
package connectivity

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"hygienewatch/realtime/internal/dispatch"
	"hygienewatch/realtime/internal/livestore"
)

const (
	LabelOnline  = "ONLINE"
	LabelOffline = "OFFLINE"
)

// Label renders the liveness flag. OFFLINE is its own state, distinct from
// "no anomalies" and "no data yet".
func Label(online bool) string {
	if online {
		return LabelOnline
	}
	return LabelOffline
}

// Monitor follows the store's connection-state sentinel.
type Monitor struct {
	store     livestore.Store
	logger    *slog.Logger
	out       *dispatch.Broadcaster[bool]
	retryWait time.Duration

	mu        sync.Mutex
	online    bool
	listeners []func(online bool)
}

// New returns a monitor that starts offline until the first reading.
func New(store livestore.Store, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Monitor{
		store:     store,
		logger:    logger.With(slog.String("component", "connectivity")),
		out:       dispatch.NewBroadcaster[bool](nil),
		retryWait: time.Second,
	}
}

// OnTransition registers fn to run on every change. Register before Run.
func (m *Monitor) OnTransition(fn func(online bool)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Online reports the latest known value.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe streams liveness values, primed with the current one.
func (m *Monitor) Subscribe(ctx context.Context) *dispatch.Subscription[bool] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out.Subscribe(ctx, m.online)
}

// Run follows the sentinel until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		w, err := m.store.Watch(ctx, livestore.ConnectionStatePath, 4)
		if err == nil {
			if v, err := m.store.Get(ctx, livestore.ConnectionStatePath); err == nil && v != nil {
				m.set(livestore.ParseConnectionState(v))
			}
			m.follow(ctx, w)
		} else if ctx.Err() == nil {
			m.logger.Warn("connection_watch_failed", "error", err.Error())
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// a dropped watch means the channel is down until proven otherwise
		m.set(false)
		timer := time.NewTimer(m.retryWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *Monitor) follow(ctx context.Context, w *livestore.Watch) {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.Done():
			return
		case ev := <-w.Events():
			m.set(ev.Kind == livestore.EventPut && livestore.ParseConnectionState(ev.Value))
		}
	}
}

// Set records a liveness value directly. The store watch calls it too.
func (m *Monitor) Set(online bool) { m.set(online) }

func (m *Monitor) set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := append([]func(bool){}, m.listeners...)
	m.out.Publish(online)
	m.mu.Unlock()

	m.logger.Info("connectivity_changed", "state", Label(online))
	for _, fn := range listeners {
		fn(online)
	}
}
