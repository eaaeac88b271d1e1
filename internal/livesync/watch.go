// v0
// internal/livesync/watch.go
package livesync

import (
	"errors"
	"time"

	"hygienewatch/realtime/internal/livestore"
	"hygienewatch/realtime/internal/model"
)

// reconcileWatches opens watches for new locations and releases the ones no
// longer in the catalog.
func (s *Sync) reconcileWatches(configs []model.LocationConfig) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.runCtx == nil || s.runCtx.Err() != nil {
		return
	}
	wanted := make(map[string]struct{}, len(configs))
	for _, c := range configs {
		wanted[c.ID] = struct{}{}
		if _, ok := s.watches[c.ID]; ok {
			continue
		}
		w, err := s.store.Watch(s.runCtx, livestore.LocationPath(c.ID), s.buffer)
		if err != nil {
			s.logger.Warn("watch_open_failed", "location", c.ID, "error", err.Error())
			continue
		}
		s.watches[c.ID] = w
		go s.consume(c.ID, w)
	}
	for id, w := range s.watches {
		if _, ok := wanted[id]; !ok {
			delete(s.watches, id)
			w.Close()
		}
	}
}

func (s *Sync) closeWatches() {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	for id, w := range s.watches {
		delete(s.watches, id)
		w.Close()
	}
}

// consume turns one location's events into loop mutations. Events of a
// single location are posted in arrival order.
func (s *Sync) consume(id string, w *livestore.Watch) {
	ctx := s.runCtx
	var seenDropped uint64
	for {
		select {
		case <-w.Done():
			if errors.Is(w.Err(), livestore.ErrSubscriptionDropped) {
				s.resubscribe(id, w)
			}
			return
		case ev := <-w.Events():
			if d := w.Dropped(); d != seenDropped {
				seenDropped = d
				s.obs.WatchOverflow(id)
				s.logger.Warn("watch_overflow", "location", id, "dropped", d)
				s.RequestResync("watch_overflow")
			}
			apply := s.mutationFor(id, ev)
			if apply == nil {
				continue
			}
			if err := s.loop.Post(ctx, apply); err != nil {
				return
			}
		}
	}
}

// resubscribe replaces a watch the transport dropped, then schedules a
// resync so anything missed in between is read back.
func (s *Sync) resubscribe(id string, old *livestore.Watch) {
	ctx := s.runCtx
	s.logger.Warn("subscription_dropped", "location", id)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.wmu.Lock()
		if s.watches[id] != old {
			s.wmu.Unlock()
			return
		}
		w, err := s.store.Watch(ctx, livestore.LocationPath(id), s.buffer)
		if err == nil {
			s.watches[id] = w
			s.wmu.Unlock()
			go s.consume(id, w)
			s.RequestResync("resubscribed")
			return
		}
		s.wmu.Unlock()
		s.logger.Warn("resubscribe_failed", "location", id, "error", err.Error())
		timer.Reset(s.resubWait)
	}
}

// mutationFor maps an event below locations/{id} to a loop mutation, or nil
// when the event leaves the cached state untouched. A delete only removes
// what it covers: deleting a child of current is not a removal of current.
func (s *Sync) mutationFor(id string, ev livestore.Event) func() {
	current := livestore.CurrentPath(id)
	beat := livestore.HeartbeatPath(id)

	if ev.Kind == livestore.EventDelete {
		dropState := livestore.Within(current, ev.Path)
		dropBeat := livestore.Within(beat, ev.Path)
		if !dropState && !dropBeat {
			return nil
		}
		return func() {
			if dropState {
				s.applyPush(id, nil)
			}
			if dropBeat {
				s.applyHeartbeat(id, nil)
			}
		}
	}

	switch {
	case ev.Path == current:
		if model.IsAbsent(ev.Value) {
			return func() { s.applyPush(id, nil) }
		}
		st, err := model.DecodeLocationState(id, ev.Value)
		if err != nil {
			s.obs.ParseError(id)
			s.logger.Warn("state_parse_error", "location", id, "error", err.Error())
			return nil
		}
		return func() { s.applyPush(id, &st) }
	case ev.Path == beat:
		if model.IsAbsent(ev.Value) {
			return func() { s.applyHeartbeat(id, nil) }
		}
		hb, err := model.DecodeHeartbeat(id, ev.Value)
		if err != nil {
			s.obs.ParseError(id)
			s.logger.Warn("heartbeat_parse_error", "location", id, "error", err.Error())
			return nil
		}
		return func() { s.applyHeartbeat(id, &hb) }
	case livestore.Within(current, ev.Path):
		// a value written over an ancestor replaced the whole subtree
		s.RequestResync("subtree_replaced")
	}
	return nil
}
