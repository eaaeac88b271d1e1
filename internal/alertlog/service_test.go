// v0
// internal/alertlog/service_test.go
package alertlog

import (
	"context"
	"testing"
	"time"

	"hygienewatch/realtime/internal/dispatch"
	"hygienewatch/realtime/internal/livestore"
	"hygienewatch/realtime/internal/model"
)

func startService(t *testing.T, capacity int) (context.Context, *livestore.MemoryStore, *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	loop := dispatch.New(0)
	go loop.Run(ctx)
	store := livestore.NewMemoryStore()
	svc := NewService(loop, store, Options{Capacity: capacity, WatchBuffer: 32, ResubscribeWait: 10 * time.Millisecond})
	go svc.Run(ctx)
	return ctx, store, svc
}

func waitCount(t *testing.T, ctx context.Context, svc *Service, loc string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := svc.CountFor(ctx, loc); n == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	n, _ := svc.CountFor(ctx, loc)
	t.Fatalf("expected %d alerts for %s, got %d", want, loc, n)
}

func waitWatching(t *testing.T, ctx context.Context, store *livestore.MemoryStore, svc *Service) {
	t.Helper()
	// a probe alert proves the watch is live before the test proper starts
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, _ = store.Push(ctx, livestore.AlertsPath("probe"), []byte(`{"message":"probe"}`))
		time.Sleep(5 * time.Millisecond)
		if n, _ := svc.CountFor(ctx, "probe"); n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("alert watch never became live")
		}
	}
	// the delete is ordered after every probe on the same watch
	if err := store.Delete(ctx, livestore.AlertsPath("probe")); err != nil {
		t.Fatalf("clear probe: %v", err)
	}
	waitCount(t, ctx, svc, "probe", 0)
}

func TestServiceFeedsFromStore(t *testing.T) {
	ctx, store, svc := startService(t, 5)
	waitWatching(t, ctx, store, svc)

	sub, err := svc.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	_, _ = store.Push(ctx, livestore.AlertsPath("wr-1"), []byte(`{"message":"odor spike","type":"HYGIENE_ALERT","score":45}`))
	_, _ = store.Push(ctx, livestore.AlertsPath("wr-2"), []byte(`{}`))
	_ = store.Set(ctx, livestore.AlertsPath("wr-3")+"/bad", []byte(`not json`))
	waitCount(t, ctx, svc, "wr-2", 1)

	view, err := svc.View(ctx)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(view.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", view.Entries)
	}
	if view.Entries[0].LocationID != "wr-2" || view.Entries[0].Message != model.DefaultAlertMessage || view.Entries[0].Type != model.AlertInfo {
		t.Fatalf("unexpected head %+v", view.Entries[0])
	}
	if view.Counts[model.AlertHygiene] != 1 {
		t.Fatalf("unexpected counts %v", view.Counts)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-sub.C():
			if len(v.Entries) == 2 {
				return
			}
		case <-deadline:
			t.Fatalf("subscription never saw both alerts")
		}
	}
}

func TestServiceStoreDeleteClearsLocation(t *testing.T) {
	ctx, store, svc := startService(t, 10)
	waitWatching(t, ctx, store, svc)

	for i := 0; i < 3; i++ {
		_, _ = store.Push(ctx, livestore.AlertsPath("wr-1"), []byte(`{"message":"x"}`))
	}
	_, _ = store.Push(ctx, livestore.AlertsPath("wr-2"), []byte(`{"message":"y"}`))
	waitCount(t, ctx, svc, "wr-2", 1)
	waitCount(t, ctx, svc, "wr-1", 3)

	if err := store.Delete(ctx, livestore.AlertsPath("wr-1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitCount(t, ctx, svc, "wr-1", 0)
	if n, _ := svc.CountFor(ctx, "wr-2"); n != 1 {
		t.Fatalf("other location affected: %d", n)
	}
}

func TestServiceResubscribesAfterDrop(t *testing.T) {
	ctx, store, svc := startService(t, 10)
	waitWatching(t, ctx, store, svc)

	store.DropWatches()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, _ = store.Push(ctx, livestore.AlertsPath("wr-9"), []byte(`{"message":"after drop"}`))
		if n, _ := svc.CountFor(ctx, "wr-9"); n > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("alerts not received after resubscribe")
}

func TestServiceIgnoresReplayedKeys(t *testing.T) {
	ctx, store, svc := startService(t, 10)
	waitWatching(t, ctx, store, svc)

	path := livestore.AlertsPath("wr-1") + "/fixed-key"
	_ = store.Set(ctx, path, []byte(`{"message":"once"}`))
	_ = store.Set(ctx, path, []byte(`{"message":"once"}`))
	_, _ = store.Push(ctx, livestore.AlertsPath("wr-2"), []byte(`{"message":"marker"}`))
	waitCount(t, ctx, svc, "wr-2", 1)
	if n, _ := svc.CountFor(ctx, "wr-1"); n != 1 {
		t.Fatalf("expected replayed key to be ignored, got %d entries", n)
	}
}

func TestServiceIgnoresReplayOfEvictedChildren(t *testing.T) {
	ctx, store, svc := startService(t, 3)
	waitWatching(t, ctx, store, svc)

	keys := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		key, err := store.Push(ctx, livestore.AlertsPath("wr-1"), []byte(`{"message":"odor"}`))
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		keys = append(keys, key)
	}
	waitCount(t, ctx, svc, "wr-1", 3)

	// a reconnect replays the retained children, oldest first
	for _, key := range keys {
		_ = store.Set(ctx, livestore.AlertsPath("wr-1")+"/"+key, []byte(`{"message":"odor"}`))
	}
	_, _ = store.Push(ctx, livestore.AlertsPath("wr-2"), []byte(`{"message":"marker"}`))
	waitCount(t, ctx, svc, "wr-2", 1)

	view, err := svc.View(ctx)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	got := make([]string, 0, len(view.Entries))
	for _, ev := range view.Entries {
		got = append(got, ev.Key)
	}
	if len(got) != 3 || got[1] != keys[4] || got[2] != keys[3] {
		t.Fatalf("replay disturbed the log: got %v, newest pushes %v", got, keys[3:])
	}
}
