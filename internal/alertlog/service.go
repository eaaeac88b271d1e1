// v0
// internal/alertlog/service.go
package alertlog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"hygienewatch/realtime/internal/dispatch"
	"hygienewatch/realtime/internal/livestore"
	"hygienewatch/realtime/internal/model"
)

// View is what subscribers receive: the entries newest first and the
// per-type counts of the same log state.
type View struct {
	Entries []model.AlertEvent
	Counts  map[model.AlertType]int
}

func cloneView(v View) View {
	counts := make(map[model.AlertType]int, len(v.Counts))
	for k, n := range v.Counts {
		counts[k] = n
	}
	return View{Entries: append([]model.AlertEvent(nil), v.Entries...), Counts: counts}
}

// Observer receives alert pipeline events for metrics.
type Observer interface {
	AlertInserted(t model.AlertType)
	AlertsEvicted(n int)
	AlertsCleared(locationID string, n int)
	AlertsDropped(n uint64)
}

type nopObserver struct{}

func (nopObserver) AlertInserted(model.AlertType) {}
func (nopObserver) AlertsEvicted(int)             {}
func (nopObserver) AlertsCleared(string, int)     {}
func (nopObserver) AlertsDropped(uint64)          {}

// Options tunes a Service.
type Options struct {
	Capacity        int
	WatchBuffer     int
	ResubscribeWait time.Duration
	Observer        Observer
	Logger          *slog.Logger
}

// Service confines a Log to the dispatch loop and feeds it from the
// alerts/ subtree of the live store.
type Service struct {
	loop      *dispatch.Loop
	store     livestore.Store
	log       *Log
	out       *dispatch.Broadcaster[View]
	obs       Observer
	logger    *slog.Logger
	buffer    int
	resubWait time.Duration
}

func NewService(loop *dispatch.Loop, store livestore.Store, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	wait := opts.ResubscribeWait
	if wait <= 0 {
		wait = time.Second
	}
	return &Service{
		loop:      loop,
		store:     store,
		log:       New(opts.Capacity),
		out:       dispatch.NewBroadcaster(cloneView),
		obs:       obs,
		logger:    logger.With(slog.String("component", "alertlog")),
		buffer:    opts.WatchBuffer,
		resubWait: wait,
	}
}

// OnAlert inserts ev at the head of the log. A keyed event already present,
// or evicted earlier, is ignored.
func (s *Service) OnAlert(ctx context.Context, ev model.AlertEvent) error {
	return s.loop.Do(ctx, func() {
		if ev.Key != "" && s.log.Known(ev.Key) {
			return
		}
		s.insert(ev)
	})
}

// ClearFor removes every entry of locationID and returns how many went.
func (s *Service) ClearFor(ctx context.Context, locationID string) (int, error) {
	var n int
	err := s.loop.Do(ctx, func() { n = s.clear(locationID) })
	return n, err
}

// CountByType reads the live log.
func (s *Service) CountByType(ctx context.Context, t model.AlertType) (int, error) {
	var n int
	err := s.loop.Do(ctx, func() { n = s.log.CountByType(t) })
	return n, err
}

// CountFor counts the entries of one location.
func (s *Service) CountFor(ctx context.Context, locationID string) (int, error) {
	var n int
	err := s.loop.Do(ctx, func() { n = s.log.CountFor(locationID) })
	return n, err
}

// View returns the current entries and counts.
func (s *Service) View(ctx context.Context) (View, error) {
	var v View
	err := s.loop.Do(ctx, func() { v = s.view() })
	return v, err
}

// Subscribe streams views, primed with the current one.
func (s *Service) Subscribe(ctx context.Context) (*dispatch.Subscription[View], error) {
	var sub *dispatch.Subscription[View]
	err := s.loop.Do(ctx, func() { sub = s.out.Subscribe(ctx, s.view()) })
	return sub, err
}

// Run watches alerts/ until ctx ends, resubscribing when the transport drops
// the watch.
func (s *Service) Run(ctx context.Context) error {
	for {
		w, err := s.store.Watch(ctx, livestore.AlertsRoot, s.buffer)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("alert_watch_failed", "error", err.Error())
		} else {
			s.logger.Info("alert_watch_started")
			err = s.consume(ctx, w)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("alert_watch_lost", "error", err)
		}
		timer := time.NewTimer(s.resubWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Service) consume(ctx context.Context, w *livestore.Watch) error {
	defer w.Close()
	var seenDropped uint64
	for {
		select {
		case <-w.Done():
			if err := w.Err(); err != nil {
				return err
			}
			return livestore.ErrSubscriptionDropped
		case ev := <-w.Events():
			if d := w.Dropped(); d != seenDropped {
				// pushed children cannot be re-read; the gap is only reported
				s.obs.AlertsDropped(d - seenDropped)
				s.logger.Warn("alert_events_dropped", "dropped", d-seenDropped)
				seenDropped = d
			}
			fn, ok := s.handle(ev)
			if !ok {
				continue
			}
			if err := s.loop.Post(ctx, fn); err != nil {
				if errors.Is(err, dispatch.ErrStopped) {
					return err
				}
				return ctx.Err()
			}
		}
	}
}

// handle maps a store event to the loop mutation it causes.
func (s *Service) handle(ev livestore.Event) (func(), bool) {
	if ev.Path == livestore.AlertsRoot && ev.Kind == livestore.EventDelete {
		return s.reset, true
	}
	locationID, key, ok := livestore.SplitAlertPath(ev.Path)
	if !ok {
		return nil, false
	}
	if ev.Kind == livestore.EventDelete {
		if key == "" {
			return func() { s.clear(locationID) }, true
		}
		return func() {
			if s.log.Remove(key) {
				s.publish()
			}
		}, true
	}
	if key == "" {
		s.logger.Debug("alert_node_ignored", "location", locationID)
		return nil, false
	}
	alert, err := model.DecodeAlert(locationID, key, ev.Value)
	if err != nil {
		s.logger.Warn("alert_parse_error", "location", locationID, "key", key, "error", err.Error())
		return nil, false
	}
	return func() {
		// retained children come back on every reconnect
		if s.log.Known(key) {
			return
		}
		s.insert(alert)
	}, true
}

// insert, clear, reset and publish run on the loop.
func (s *Service) insert(ev model.AlertEvent) {
	evicted := s.log.OnAlert(ev)
	s.obs.AlertInserted(ev.Type)
	if len(evicted) > 0 {
		s.obs.AlertsEvicted(len(evicted))
	}
	s.logger.Debug("alert_inserted", "location", ev.LocationID, "type", string(ev.Type), "size", s.log.Len())
	s.publish()
}

func (s *Service) clear(locationID string) int {
	n := s.log.ClearFor(locationID)
	if n > 0 {
		s.obs.AlertsCleared(locationID, n)
		s.logger.Info("alerts_cleared", "location", locationID, "removed", n)
		s.publish()
	}
	return n
}

func (s *Service) reset() {
	if s.log.Len() == 0 {
		return
	}
	s.log = New(s.log.Capacity())
	s.publish()
}

func (s *Service) publish() {
	s.out.Publish(s.view())
}

func (s *Service) view() View {
	return View{Entries: s.log.Entries(), Counts: s.log.Counts()}
}
