// v0
// internal/dashboard/store_test.go
package dashboard

import (
	"context"
	"sync"
	"testing"
	"time"

	"hygienewatch/realtime/internal/ack"
	"hygienewatch/realtime/internal/alertlog"
	"hygienewatch/realtime/internal/catalog"
	"hygienewatch/realtime/internal/classify"
	"hygienewatch/realtime/internal/connectivity"
	"hygienewatch/realtime/internal/dispatch"
	"hygienewatch/realtime/internal/livestore"
	"hygienewatch/realtime/internal/livesync"
	"hygienewatch/realtime/internal/model"
)

func newStore(t *testing.T, mem *livestore.MemoryStore, cat catalog.Catalog) (*Store, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	loop := dispatch.New(0)
	syncer := livesync.New(loop, mem, cat, livesync.Options{WatchBuffer: 16})
	alerts := alertlog.NewService(loop, mem, alertlog.Options{ResubscribeWait: 10 * time.Millisecond})
	wf := ack.NewWorkflow(mem, alerts, syncer, ack.Options{WriteTimeout: time.Second})
	s, err := New(Deps{
		Loop:     loop,
		Sync:     syncer,
		Alerts:   alerts,
		Monitor:  connectivity.New(mem, nil),
		Registry: ack.NewRegistry(wf, 8),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("run did not stop")
		}
	})
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("store never became ready")
	}
	return s, ctx
}

// awaitView reads views until cond holds.
func awaitView(t *testing.T, s *Store, what string, cond func(View) bool) View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub := s.Subscribe(ctx)
	defer sub.Close()
	for {
		select {
		case v := <-sub.C():
			if cond(v) {
				return v
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s; last view %+v", what, s.Current())
			return View{}
		}
	}
}

func alertsFor(v View, id string) int {
	n := 0
	for _, a := range v.Alerts {
		if a.LocationID == id {
			n++
		}
	}
	return n
}

func TestAcknowledgeEndToEnd(t *testing.T) {
	mem := livestore.NewMemoryStore()
	bg := context.Background()
	if err := mem.Set(bg, livestore.CurrentPath("A"), []byte(`{"score":45,"anomalies":[{"message":"odor spike"}]}`)); err != nil {
		t.Fatalf("seed A: %v", err)
	}
	if err := mem.Set(bg, livestore.CurrentPath("B"), []byte(`{"score":92}`)); err != nil {
		t.Fatalf("seed B: %v", err)
	}
	cat := catalog.Static{{ID: "B", Name: "North", Location: "Lobby"}, {ID: "A", Name: "South", Location: "Gate 4"}}
	s, ctx := newStore(t, mem, cat)

	v := awaitView(t, s, "both locations", func(v View) bool { return len(v.Snapshots) == 2 })
	if v.Snapshots[0].Config.ID != "A" || v.Snapshots[1].Config.ID != "B" {
		t.Fatalf("expected A ranked before B, got %+v", v.Snapshots)
	}
	if an := v.Snapshots[0].State.Anomalies; len(an) != 1 || an[0].Message != "odor spike" {
		t.Fatalf("unexpected anomalies %+v", an)
	}
	if !v.Online {
		t.Fatalf("expected online view")
	}

	// the alert watch may still be opening; push until one is seen
	seen := false
	for i := 0; i < 40 && !seen; i++ {
		if _, err := mem.Push(bg, livestore.AlertsPath("A"), []byte(`{"message":"odor spike","type":"HYGIENE_ALERT","score":45}`)); err != nil {
			t.Fatalf("push alert: %v", err)
		}
		time.Sleep(25 * time.Millisecond)
		seen = alertsFor(s.Current(), "A") > 0
	}
	if !seen {
		t.Fatalf("alert for A never reached the view")
	}

	res, err := s.Acknowledge(ctx, "A", "janitor-7")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if res.State != ack.StateSucceeded {
		t.Fatalf("expected SUCCEEDED, got %+v", res)
	}
	if _, err := s.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	n, err := s.Alerts().CountFor(ctx, "A")
	if err != nil || n != 0 {
		t.Fatalf("expected zero alerts for A, got %d (%v)", n, err)
	}
	awaitView(t, s, "cleared view", func(v View) bool { return alertsFor(v, "A") == 0 && len(v.Snapshots) == 2 })
	if raw, _ := mem.Get(bg, livestore.LastCleanedPath("A")); raw == nil {
		t.Fatalf("cleaning record missing")
	}
}

func TestApplyMutations(t *testing.T) {
	mem := livestore.NewMemoryStore()
	s, ctx := newStore(t, mem, catalog.Static{{ID: "x"}, {ID: "y"}})

	if err := s.ApplyLocationUpdate(ctx, "x", &model.LocationState{ID: "x", Score: 80}); err != nil {
		t.Fatalf("apply x: %v", err)
	}
	if err := s.ApplyLocationUpdate(ctx, "y", &model.LocationState{ID: "y", Score: 20}); err != nil {
		t.Fatalf("apply y: %v", err)
	}
	awaitView(t, s, "y before x", func(v View) bool {
		return len(v.Snapshots) == 2 && v.Snapshots[0].Config.ID == "y"
	})

	if err := s.ApplyLocationUpdate(ctx, "y", nil); err != nil {
		t.Fatalf("remove y: %v", err)
	}
	awaitView(t, s, "y removed", func(v View) bool { return len(v.Snapshots) == 1 })

	ev := model.AlertEvent{Key: "k1", LocationID: "x", Message: "New notification", Type: model.AlertInfo}
	for i := 0; i < 2; i++ {
		if err := s.ApplyAlert(ctx, ev); err != nil {
			t.Fatalf("apply alert: %v", err)
		}
	}
	v := awaitView(t, s, "one info alert", func(v View) bool { return v.Counts[model.AlertInfo] == 1 })
	if len(v.Alerts) != 1 {
		t.Fatalf("keyed alert inserted twice: %+v", v.Alerts)
	}
}

func TestOfflineIsReflected(t *testing.T) {
	mem := livestore.NewMemoryStore()
	s, _ := newStore(t, mem, catalog.Static{})
	mem.SetConnected(false)
	awaitView(t, s, "offline", func(v View) bool { return !v.Online })
	if s.Online() {
		t.Fatalf("monitor still online")
	}
	mem.SetConnected(true)
	awaitView(t, s, "online again", func(v View) bool { return v.Online })
}

type countingCatalog struct {
	mu    sync.Mutex
	loads int
	docs  catalog.Static
}

func (c *countingCatalog) LoadAll(ctx context.Context) ([]model.LocationConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads++
	return c.docs.LoadAll(ctx)
}

func (c *countingCatalog) setDocs(docs catalog.Static) {
	c.mu.Lock()
	c.docs = docs
	c.mu.Unlock()
}

func (c *countingCatalog) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}

func TestReconnectResynchronizes(t *testing.T) {
	mem := livestore.NewMemoryStore()
	bg := context.Background()
	for id, body := range map[string]string{"A": `{"score":45}`, "C": `{"score":20}`} {
		if err := mem.Set(bg, livestore.CurrentPath(id), []byte(body)); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	cat := &countingCatalog{docs: catalog.Static{{ID: "A", Name: "South"}}}
	s, _ := newStore(t, mem, cat)

	// the initial load plus the resync from the first online reading
	deadline := time.Now().Add(2 * time.Second)
	for cat.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := cat.count(); n != 2 {
		t.Fatalf("expected 2 catalog loads after startup, got %d", n)
	}
	awaitView(t, s, "A only", func(v View) bool { return len(v.Snapshots) == 1 })

	// C has no watch; only a refresh can bring it in
	cat.setDocs(catalog.Static{{ID: "A", Name: "South"}, {ID: "C", Name: "East"}})
	mem.SetConnected(false)
	awaitView(t, s, "offline", func(v View) bool { return !v.Online })
	time.Sleep(50 * time.Millisecond)
	if n := cat.count(); n != 2 {
		t.Fatalf("going offline must not reload, got %d loads", n)
	}

	mem.SetConnected(true)
	v := awaitView(t, s, "resynced list", func(v View) bool { return v.Online && len(v.Snapshots) == 2 })
	if v.Snapshots[0].Config.ID != "C" || v.Snapshots[0].State.Score != 20 {
		t.Fatalf("expected C ranked first after resync, got %+v", v.Snapshots)
	}
}

func TestSummarize(t *testing.T) {
	v := View{
		Snapshots: []model.LocationSnapshot{
			{Config: model.LocationConfig{ID: "a"}, State: model.LocationState{Score: 10}},
			{Config: model.LocationConfig{ID: "b"}, State: model.LocationState{Score: 55}},
			{Config: model.LocationConfig{ID: "c"}, State: model.LocationState{Score: 95}},
		},
		Alerts: []model.AlertEvent{{LocationID: "a", Type: model.AlertHygiene}},
		Counts: map[model.AlertType]int{model.AlertHygiene: 1},
	}
	tests := []struct {
		table classify.Table
		want  map[classify.Band]int
	}{
		{classify.ThreeBand, map[classify.Band]int{classify.BandGood: 1, classify.BandFair: 1, classify.BandNeedsCleaning: 1}},
		{classify.FiveBand, map[classify.Band]int{
			classify.BandExcellent: 1, classify.BandGood: 0, classify.BandFair: 1, classify.BandPoor: 0, classify.BandCritical: 1,
		}},
	}
	for _, tc := range tests {
		t.Run(tc.table.Name, func(t *testing.T) {
			sum := Summarize(v, tc.table)
			if sum.Locations != 3 || sum.Worst != "a" || sum.Alerts != 1 || sum.Status != connectivity.LabelOffline {
				t.Fatalf("unexpected summary %+v", sum)
			}
			if len(sum.Bands) != len(tc.want) {
				t.Fatalf("expected bands %v, got %v", tc.want, sum.Bands)
			}
			for band, n := range tc.want {
				if sum.Bands[band] != n {
					t.Fatalf("band %s: expected %d, got %d", band, n, sum.Bands[band])
				}
			}
		})
	}
}
