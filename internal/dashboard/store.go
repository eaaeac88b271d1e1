// v0
// internal/dashboard/store.go
// Package dashboard is the single store object presentation layers talk to.
// It joins the live location list, the alert log and the connectivity flag
// into one View and exposes the mutations an operator can trigger.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"hygienewatch/realtime/internal/ack"
	"hygienewatch/realtime/internal/alertlog"
	"hygienewatch/realtime/internal/connectivity"
	"hygienewatch/realtime/internal/dispatch"
	"hygienewatch/realtime/internal/livesync"
	"hygienewatch/realtime/internal/model"
)

// View is the combined state handed to subscribers.
type View struct {
	Snapshots []model.LocationSnapshot `json:"locations"`
	Alerts    []model.AlertEvent       `json:"alerts"`
	Counts    map[model.AlertType]int  `json:"counts"`
	Online    bool                     `json:"online"`
}

func cloneView(v View) View {
	counts := make(map[model.AlertType]int, len(v.Counts))
	for k, n := range v.Counts {
		counts[k] = n
	}
	return View{
		Snapshots: model.CloneSnapshots(v.Snapshots),
		Alerts:    append([]model.AlertEvent(nil), v.Alerts...),
		Counts:    counts,
		Online:    v.Online,
	}
}

// Deps are the components a Store composes. Loop must be the loop the sync
// and alert service were built with; Run drives it.
type Deps struct {
	Loop     *dispatch.Loop
	Sync     *livesync.Sync
	Alerts   *alertlog.Service
	Monitor  *connectivity.Monitor
	Registry *ack.Registry
	Logger   *slog.Logger
}

// Store composes the pipeline behind a narrow API.
type Store struct {
	loop     *dispatch.Loop
	sync     *livesync.Sync
	alerts   *alertlog.Service
	monitor  *connectivity.Monitor
	registry *ack.Registry
	logger   *slog.Logger
	out      *dispatch.Broadcaster[View]
	ready    chan struct{}

	mu   sync.Mutex
	view View
}

func New(d Deps) (*Store, error) {
	if d.Loop == nil || d.Sync == nil || d.Alerts == nil || d.Monitor == nil || d.Registry == nil {
		return nil, errors.New("dashboard: missing dependency")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Store{
		loop:     d.Loop,
		sync:     d.Sync,
		alerts:   d.Alerts,
		monitor:  d.Monitor,
		registry: d.Registry,
		logger:   logger.With(slog.String("component", "dashboard")),
		out:      dispatch.NewBroadcaster(cloneView),
		ready:    make(chan struct{}),
		view: View{
			Snapshots: []model.LocationSnapshot{},
			Alerts:    []model.AlertEvent{},
			Counts:    map[model.AlertType]int{},
		},
	}
	// coming back online resynchronizes everything the outage may have hidden
	d.Monitor.OnTransition(func(online bool) {
		if online {
			s.sync.RequestResync("reconnected")
		}
	})
	return s, nil
}

// Ready is closed once the initial load finished and the view is fed.
func (s *Store) Ready() <-chan struct{} { return s.ready }

// Run drives the dispatch loop and every feed until ctx ends. A failed
// initial catalog load is logged and the store keeps running with an empty
// catalog.
func (s *Store) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopCh := make(chan error, 1)
	go func() { loopCh <- s.loop.Run(ctx) }()

	monitorCh := make(chan error, 1)
	go func() { monitorCh <- s.monitor.Run(ctx) }()

	alertsCh := make(chan error, 1)
	go func() { alertsCh <- s.alerts.Run(ctx) }()

	if err := s.sync.Start(ctx); err != nil {
		if ctx.Err() != nil {
			cancel()
			return s.drain(loopCh, monitorCh, alertsCh, nil)
		}
		s.logger.Warn("initial_load_incomplete", "error", err.Error())
	}

	feedCh := make(chan error, 1)
	go func() { feedCh <- s.feed(ctx) }()

	var firstErr error
	select {
	case err := <-loopCh:
		loopCh = nil
		firstErr = err
	case err := <-feedCh:
		feedCh = nil
		firstErr = err
	case <-ctx.Done():
	}
	cancel()
	if err := s.drain(loopCh, monitorCh, alertsCh, feedCh); firstErr == nil {
		firstErr = err
	}
	if errors.Is(firstErr, context.Canceled) || errors.Is(firstErr, dispatch.ErrStopped) {
		return nil
	}
	return firstErr
}

func (s *Store) drain(chans ...chan error) error {
	var first error
	for _, ch := range chans {
		if ch == nil {
			continue
		}
		if err := <-ch; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, dispatch.ErrStopped) && first == nil {
			first = err
		}
	}
	s.logger.Info("dashboard_stopped")
	return first
}

// feed merges the three source streams into the combined view.
func (s *Store) feed(ctx context.Context) error {
	snaps, err := s.sync.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe snapshots: %w", err)
	}
	defer snaps.Close()
	alerts, err := s.alerts.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe alerts: %w", err)
	}
	defer alerts.Close()
	online := s.monitor.Subscribe(ctx)
	defer online.Close()

	// each subscription is primed, so three reads fill the view
	s.update(func(v *View) { v.Snapshots = <-snaps.C() })
	s.update(func(v *View) {
		av := <-alerts.C()
		v.Alerts, v.Counts = av.Entries, av.Counts
	})
	s.update(func(v *View) { v.Online = <-online.C() })
	close(s.ready)
	s.logger.Info("dashboard_ready")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case list := <-snaps.C():
			s.update(func(v *View) { v.Snapshots = list })
		case av := <-alerts.C():
			s.update(func(v *View) { v.Alerts, v.Counts = av.Entries, av.Counts })
		case up := <-online.C():
			s.update(func(v *View) { v.Online = up })
		case <-snaps.Done():
			return errors.New("snapshot stream closed")
		case <-alerts.Done():
			return errors.New("alert stream closed")
		}
	}
}

func (s *Store) update(fn func(v *View)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.view)
	s.out.Publish(s.view)
}

// Subscribe streams combined views, primed with the current one.
func (s *Store) Subscribe(ctx context.Context) *dispatch.Subscription[View] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Subscribe(ctx, s.view)
}

// Current returns a copy of the latest combined view.
func (s *Store) Current() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneView(s.view)
}

// ApplyLocationUpdate replaces the live state of id. A nil state removes it.
func (s *Store) ApplyLocationUpdate(ctx context.Context, id string, state *model.LocationState) error {
	return s.sync.ApplyState(ctx, id, state)
}

// ApplyAlert inserts ev at the head of the alert log.
func (s *Store) ApplyAlert(ctx context.Context, ev model.AlertEvent) error {
	return s.alerts.OnAlert(ctx, ev)
}

// Acknowledge requests and immediately confirms a cleaning acknowledgment.
// Write failures come back in the result, not the error.
func (s *Store) Acknowledge(ctx context.Context, locationID, actor string) (ack.Result, error) {
	a, err := s.registry.Request(locationID, actor)
	if err != nil {
		return ack.Result{}, err
	}
	return a.Confirm(ctx)
}

// Refresh forces a catalog reload and point read of every location.
func (s *Store) Refresh(ctx context.Context) ([]model.LocationSnapshot, error) {
	return s.sync.Refresh(ctx)
}

// Registry exposes the two-step acknowledgment flow.
func (s *Store) Registry() *ack.Registry { return s.registry }

// Alerts exposes the alert log service.
func (s *Store) Alerts() *alertlog.Service { return s.alerts }

// CountByType reads the live alert log.
func (s *Store) CountByType(ctx context.Context, t model.AlertType) (int, error) {
	return s.alerts.CountByType(ctx, t)
}

// Online reports the transport liveness flag.
func (s *Store) Online() bool { return s.monitor.Online() }
