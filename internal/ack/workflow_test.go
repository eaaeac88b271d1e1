// v0
// internal/ack/workflow_test.go
package ack

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"hygienewatch/realtime/internal/livestore"
	"hygienewatch/realtime/internal/model"
)

type fakeClearer struct {
	calls []string
}

func (f *fakeClearer) ClearFor(_ context.Context, id string) (int, error) {
	f.calls = append(f.calls, id)
	return 2, nil
}

type fakeRefresher struct {
	calls int
	err   error
}

func (f *fakeRefresher) Refresh(context.Context) ([]model.LocationSnapshot, error) {
	f.calls++
	return nil, f.err
}

var fixedNow = time.Date(2024, 7, 10, 12, 30, 0, 0, time.UTC)

func seededStore(t *testing.T) *livestore.MemoryStore {
	t.Helper()
	s := livestore.NewMemoryStore()
	ctx := context.Background()
	for _, loc := range []string{"wr-1", "wr-1", "wr-2"} {
		if _, err := s.Push(ctx, livestore.AlertsPath(loc), []byte(`{"message":"odor"}`)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return s
}

func newWorkflow(store livestore.Store, clearer AlertClearer, refresher Refresher) *Workflow {
	return NewWorkflow(store, clearer, refresher, Options{WriteTimeout: time.Second, Now: func() time.Time { return fixedNow }})
}

func TestConfirmSucceeds(t *testing.T) {
	store := seededStore(t)
	clearer, refresher := &fakeClearer{}, &fakeRefresher{}
	wf := newWorkflow(store, clearer, refresher)

	a, err := wf.Request("wr-1", "alice")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if a.State() != StateRequested {
		t.Fatalf("expected REQUESTED, got %s", a.State())
	}
	res, err := a.Confirm(context.Background())
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.State != StateSucceeded || res.Err != nil || res.Partial {
		t.Fatalf("unexpected result %+v", res)
	}

	raw, _ := store.Get(context.Background(), livestore.LastCleanedPath("wr-1"))
	var rec model.CleaningRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("cleaning record not written: %q %v", raw, err)
	}
	if rec.Actor != "alice" || rec.Timestamp != model.NowISO(fixedNow) {
		t.Fatalf("unexpected record %+v", rec)
	}
	if left := store.Children(livestore.AlertsPath("wr-1")); len(left) != 0 {
		t.Fatalf("alerts for wr-1 not cleared: %v", left)
	}
	if left := store.Children(livestore.AlertsPath("wr-2")); len(left) != 1 {
		t.Fatalf("alerts of other locations touched: %v", left)
	}
	if len(clearer.calls) != 1 || clearer.calls[0] != "wr-1" || res.AlertsCleared != 2 {
		t.Fatalf("local alert log not cleared: %v", clearer.calls)
	}
	if refresher.calls != 1 {
		t.Fatalf("expected one refresh, got %d", refresher.calls)
	}
}

func TestPartialFailureLeavesAlertsVisible(t *testing.T) {
	store := seededStore(t)
	store.SetFault(func(op livestore.Op, path string) error {
		if op == livestore.OpDelete {
			return errors.New("permission denied")
		}
		return nil
	})
	clearer, refresher := &fakeClearer{}, &fakeRefresher{}
	wf := newWorkflow(store, clearer, refresher)

	a, _ := wf.Request("wr-1", "bob")
	res, err := a.Confirm(context.Background())
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.State != StateFailed || !res.Partial || res.FailedStage != StageClearAlerts {
		t.Fatalf("unexpected result %+v", res)
	}
	if !errors.Is(res.Err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", res.Err)
	}
	if raw, _ := store.Get(context.Background(), livestore.LastCleanedPath("wr-1")); raw == nil {
		t.Fatalf("cleaning record should be observable after partial failure")
	}
	if left := store.Children(livestore.AlertsPath("wr-1")); len(left) != 2 {
		t.Fatalf("alerts must remain after failed clear, got %v", left)
	}
	if len(clearer.calls) != 0 || refresher.calls != 0 {
		t.Fatalf("no local clear or refresh expected, got %v / %d", clearer.calls, refresher.calls)
	}
	if a.State() != StateFailed {
		t.Fatalf("attempt state not updated: %s", a.State())
	}
}

func TestFirstWriteFailureIsNotPartial(t *testing.T) {
	store := seededStore(t)
	deletes := 0
	store.SetFault(func(op livestore.Op, path string) error {
		switch op {
		case livestore.OpSet:
			return errors.New("unavailable")
		case livestore.OpDelete:
			deletes++
		}
		return nil
	})
	wf := newWorkflow(store, &fakeClearer{}, &fakeRefresher{})
	a, _ := wf.Request("wr-1", "carol")
	res, _ := a.Confirm(context.Background())
	if res.State != StateFailed || res.Partial || res.FailedStage != StageCleaningRecord {
		t.Fatalf("unexpected result %+v", res)
	}
	if deletes != 0 {
		t.Fatalf("second write must not run after the first failed")
	}
}

func TestCancelHasNoSideEffects(t *testing.T) {
	store := seededStore(t)
	writes := 0
	store.SetFault(func(op livestore.Op, path string) error {
		if op != livestore.OpGet {
			writes++
		}
		return nil
	})
	wf := newWorkflow(store, &fakeClearer{}, &fakeRefresher{})
	a, _ := wf.Request("wr-1", "dave")
	res, err := a.Cancel()
	if err != nil || res.State != StateCancelled {
		t.Fatalf("cancel: %+v %v", res, err)
	}
	if _, err := a.Confirm(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := a.Cancel(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected second cancel to be rejected, got %v", err)
	}
	if writes != 0 {
		t.Fatalf("cancelled attempt wrote %d times", writes)
	}
}

func TestRefreshFailureKeepsSuccess(t *testing.T) {
	refresher := &fakeRefresher{err: errors.New("catalog down")}
	wf := newWorkflow(seededStore(t), &fakeClearer{}, refresher)
	a, _ := wf.Request("wr-2", "erin")
	res, _ := a.Confirm(context.Background())
	if res.State != StateSucceeded || res.RefreshErr == nil || res.RefreshError == "" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRequestValidation(t *testing.T) {
	wf := newWorkflow(livestore.NewMemoryStore(), nil, nil)
	if _, err := wf.Request("  ", "x"); !errors.Is(err, ErrLocationRequired) {
		t.Fatalf("expected ErrLocationRequired, got %v", err)
	}
	a, err := wf.Request("wr-1", "")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if a.Result().Actor != "unknown" {
		t.Fatalf("expected default actor, got %q", a.Result().Actor)
	}
}

func TestRegistryLookupAndPrune(t *testing.T) {
	wf := newWorkflow(livestore.NewMemoryStore(), nil, nil)
	r := NewRegistry(wf, 2)

	first, _ := r.Request("wr-1", "a")
	if _, err := r.Cancel(first.ID()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	second, _ := r.Request("wr-2", "a")
	third, _ := r.Request("wr-3", "a")

	if r.Len() != 2 {
		t.Fatalf("expected registry bounded at 2, got %d", r.Len())
	}
	if _, err := r.Get(first.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected finished attempt pruned first, got %v", err)
	}
	if _, err := r.Get(second.ID()); err != nil {
		t.Fatalf("pending attempt pruned: %v", err)
	}
	res, err := r.Confirm(context.Background(), third.ID())
	if err != nil || res.State != StateSucceeded {
		t.Fatalf("confirm via registry: %+v %v", res, err)
	}
	if _, err := r.Confirm(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
