// v0
// internal/livesync/sync.go
// Package livesync merges the location catalog with live per-location state
// pushed by the live store and publishes the ordered snapshot list.
package livesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"hygienewatch/realtime/internal/catalog"
	"hygienewatch/realtime/internal/dispatch"
	"hygienewatch/realtime/internal/livestore"
	"hygienewatch/realtime/internal/model"
)

// ErrReadFailed marks a refresh in which at least one point read failed.
// Locations whose read failed keep their previous state.
var ErrReadFailed = errors.New("point read failed")

// ErrNotStarted is returned by Refresh before Start.
var ErrNotStarted = errors.New("live sync not started")

// Observer receives pipeline events for metrics. Every method may be called
// from any goroutine.
type Observer interface {
	PushApplied(locationID string)
	ParseError(locationID string)
	WatchOverflow(locationID string)
	RefreshDone(elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) PushApplied(string)               {}
func (nopObserver) ParseError(string)                {}
func (nopObserver) WatchOverflow(string)             {}
func (nopObserver) RefreshDone(time.Duration, error) {}

// Options tunes a Sync.
type Options struct {
	WatchBuffer     int
	ResubscribeWait time.Duration
	Observer        Observer
	Logger          *slog.Logger
}

// Sync owns the current LocationState set. Its cache fields are only touched
// from the dispatch loop.
type Sync struct {
	loop      *dispatch.Loop
	store     livestore.Store
	catalog   catalog.Catalog
	logger    *slog.Logger
	obs       Observer
	buffer    int
	resubWait time.Duration

	// loop-owned
	configs   []model.LocationConfig
	states    map[string]model.LocationState
	beats     map[string]model.Heartbeat
	pushSeq   map[string]uint64
	beatSeq   map[string]uint64
	seq       uint64
	snapshots []model.LocationSnapshot

	out *dispatch.Broadcaster[[]model.LocationSnapshot]

	refreshMu sync.Mutex

	wmu     sync.Mutex
	runCtx  context.Context
	watches map[string]*livestore.Watch
	resync  chan struct{}
}

// New builds a Sync. The loop must be running before Start is called.
func New(loop *dispatch.Loop, store livestore.Store, cat catalog.Catalog, opts Options) *Sync {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	resubWait := opts.ResubscribeWait
	if resubWait <= 0 {
		resubWait = time.Second
	}
	return &Sync{
		loop:      loop,
		store:     store,
		catalog:   cat,
		logger:    logger.With(slog.String("component", "livesync")),
		obs:       obs,
		buffer:    opts.WatchBuffer,
		resubWait: resubWait,
		states:    make(map[string]model.LocationState),
		beats:     make(map[string]model.Heartbeat),
		pushSeq:   make(map[string]uint64),
		beatSeq:   make(map[string]uint64),
		snapshots: []model.LocationSnapshot{},
		out:       dispatch.NewBroadcaster(model.CloneSnapshots),
		watches:   make(map[string]*livestore.Watch),
		resync:    make(chan struct{}, 1),
	}
}

// Start performs the initial load and opens one watch per catalog location.
// Watches live until ctx ends. A catalog failure is returned so callers can
// offer a retry, but the sync keeps running with an empty catalog.
func (s *Sync) Start(ctx context.Context) error {
	s.wmu.Lock()
	if s.runCtx != nil {
		s.wmu.Unlock()
		return errors.New("live sync already started")
	}
	s.runCtx = ctx
	s.wmu.Unlock()

	go s.resyncWorker(ctx)
	go func() {
		<-ctx.Done()
		s.closeWatches()
	}()

	_, err := s.Refresh(ctx)
	return err
}

// Subscribe returns a stream of snapshot lists, primed with the current one.
func (s *Sync) Subscribe(ctx context.Context) (*dispatch.Subscription[[]model.LocationSnapshot], error) {
	var sub *dispatch.Subscription[[]model.LocationSnapshot]
	err := s.loop.Do(ctx, func() {
		sub = s.out.Subscribe(ctx, s.snapshots)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Snapshots returns a copy of the current ordered list.
func (s *Sync) Snapshots(ctx context.Context) ([]model.LocationSnapshot, error) {
	var out []model.LocationSnapshot
	err := s.loop.Do(ctx, func() { out = model.CloneSnapshots(s.snapshots) })
	return out, err
}

// ApplyState replaces the state of a location as if a push had arrived.
// A nil state removes the location from the list.
func (s *Sync) ApplyState(ctx context.Context, id string, state *model.LocationState) error {
	return s.loop.Do(ctx, func() { s.applyPush(id, state) })
}

// RequestResync schedules a Refresh on the background worker. Requests
// arriving while one is pending are merged.
func (s *Sync) RequestResync(reason string) {
	select {
	case s.resync <- struct{}{}:
		s.logger.Info("resync_requested", "reason", reason)
	default:
	}
}

type readKind int

const (
	readKeep readKind = iota
	readAbsent
	readState
)

type readResult struct {
	kind  readKind
	state model.LocationState
	beat  readKind
	hb    model.Heartbeat
}

// Refresh reloads the catalog, point-reads every location's state and
// heartbeat and applies the result. Values pushed after the refresh began
// win over the read ones. The returned error wraps catalog.ErrCatalogUnavailable
// and/or ErrReadFailed; the list is valid in both cases.
func (s *Sync) Refresh(ctx context.Context) ([]model.LocationSnapshot, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.wmu.Lock()
	started := s.runCtx != nil
	s.wmu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}

	begin := time.Now()
	var startSeq uint64
	var previous []model.LocationConfig
	if err := s.loop.Do(ctx, func() {
		startSeq = s.seq
		previous = append([]model.LocationConfig(nil), s.configs...)
	}); err != nil {
		return nil, err
	}

	configs, catErr := s.catalog.LoadAll(ctx)
	if catErr != nil {
		if !errors.Is(catErr, catalog.ErrCatalogUnavailable) {
			catErr = fmt.Errorf("%w: %v", catalog.ErrCatalogUnavailable, catErr)
		}
		s.logger.Warn("catalog_unavailable", "error", catErr.Error(), "kept_locations", len(previous))
		configs = previous
	}

	// watches open before the reads so nothing pushed in between is lost
	s.reconcileWatches(configs)

	reads := make(map[string]readResult, len(configs))
	var readErrs []error
	for _, cfg := range configs {
		r, errs := s.readLocation(ctx, cfg.ID)
		reads[cfg.ID] = r
		readErrs = append(readErrs, errs...)
	}

	var out []model.LocationSnapshot
	err := s.loop.Do(ctx, func() {
		s.configs = configs
		known := make(map[string]struct{}, len(configs))
		for _, c := range configs {
			known[c.ID] = struct{}{}
		}
		for id := range s.states {
			if _, ok := known[id]; !ok {
				delete(s.states, id)
			}
		}
		for id := range s.beats {
			if _, ok := known[id]; !ok {
				delete(s.beats, id)
			}
		}
		for id, r := range reads {
			if s.pushSeq[id] <= startSeq {
				switch r.kind {
				case readAbsent:
					delete(s.states, id)
				case readState:
					s.states[id] = r.state
				}
			}
			if s.beatSeq[id] <= startSeq {
				switch r.beat {
				case readAbsent:
					delete(s.beats, id)
				case readState:
					s.beats[id] = r.hb
				}
			}
		}
		s.publish()
		out = model.CloneSnapshots(s.snapshots)
	})
	if err != nil {
		return nil, err
	}

	var result error
	if len(readErrs) > 0 {
		result = fmt.Errorf("%w: %w", ErrReadFailed, errors.Join(readErrs...))
	}
	result = errors.Join(catErr, result)
	s.obs.RefreshDone(time.Since(begin), result)
	s.logger.Info("refresh_completed", "locations", len(out), "elapsed", time.Since(begin).String(), "failed_reads", len(readErrs))
	return out, result
}

// readLocation point-reads the state and heartbeat of id. A failed or
// malformed read yields readKeep so the cached value survives.
func (s *Sync) readLocation(ctx context.Context, id string) (readResult, []error) {
	var r readResult
	var errs []error

	raw, err := s.store.Get(ctx, livestore.CurrentPath(id))
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("%s: %w", id, err))
	case model.IsAbsent(raw):
		r.kind = readAbsent
	default:
		st, err := model.DecodeLocationState(id, raw)
		if err != nil {
			s.obs.ParseError(id)
			s.logger.Warn("state_parse_error", "location", id, "error", err.Error())
			break
		}
		r.kind, r.state = readState, st
	}

	raw, err = s.store.Get(ctx, livestore.HeartbeatPath(id))
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("%s heartbeat: %w", id, err))
	case model.IsAbsent(raw):
		r.beat = readAbsent
	default:
		hb, err := model.DecodeHeartbeat(id, raw)
		if err != nil {
			s.obs.ParseError(id)
			s.logger.Warn("heartbeat_parse_error", "location", id, "error", err.Error())
			break
		}
		r.beat, r.hb = readState, hb
	}
	return r, errs
}

// applyPush runs on the loop.
func (s *Sync) applyPush(id string, state *model.LocationState) {
	s.seq++
	s.pushSeq[id] = s.seq
	if state == nil {
		if _, ok := s.states[id]; !ok {
			return
		}
		delete(s.states, id)
	} else {
		s.states[id] = state.Clone()
	}
	s.obs.PushApplied(id)
	s.publish()
}

// applyHeartbeat runs on the loop. A nil heartbeat clears the record.
func (s *Sync) applyHeartbeat(id string, hb *model.Heartbeat) {
	s.seq++
	s.beatSeq[id] = s.seq
	if hb == nil {
		if _, ok := s.beats[id]; !ok {
			return
		}
		delete(s.beats, id)
	} else {
		s.beats[id] = *hb
	}
	s.publish()
}

// publish runs on the loop.
func (s *Sync) publish() {
	s.snapshots = Merge(s.configs, s.states)
	for i := range s.snapshots {
		if hb, ok := s.beats[s.snapshots[i].Config.ID]; ok {
			s.snapshots[i].Heartbeat = &hb
		}
	}
	s.out.Publish(s.snapshots)
}

// Merge joins configs with states in config order, drops locations without
// state and sorts ascending by score. Ties keep config order.
func Merge(configs []model.LocationConfig, states map[string]model.LocationState) []model.LocationSnapshot {
	out := make([]model.LocationSnapshot, 0, len(configs))
	for _, c := range configs {
		st, ok := states[c.ID]
		if !ok {
			continue
		}
		out = append(out, model.LocationSnapshot{Config: c, State: st.Clone()})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].State.Score < out[j].State.Score })
	return out
}

func (s *Sync) resyncWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.resync:
			if _, err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("resync_incomplete", "error", err.Error())
			}
		}
	}
}
