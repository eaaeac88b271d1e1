// v0
// internal/notify/notify_test.go
package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"hygienewatch/realtime/internal/model"
)

func TestDecodeDefaults(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Notification
	}{
		{
			name: "empty object",
			raw:  `{}`,
			want: Notification{Body: "New notification", Type: model.AlertInfo},
		},
		{
			name: "title only",
			raw:  `{"title":"Heads up"}`,
			want: Notification{Title: "Heads up", Body: "New notification", Type: model.AlertInfo},
		},
		{
			name: "provider shape with data strings",
			raw: `{"notification":{"title":"Alert","body":"Clean WR-3"},
				"data":{"type":"hygiene_alert","washroom_id":"WR-3","score":"41.5","timestamp":"2024-05-01T10:00:00"}}`,
			want: Notification{
				Title: "Alert", Body: "Clean WR-3", Type: model.AlertHygiene,
				LocationID: "WR-3", Score: 41.5, Timestamp: "2024-05-01T10:00:00",
			},
		},
		{
			name: "body falls back to data message",
			raw:  `{"data":{"message":"Score dropped","locationId":"A","score":12,"alertKey":"k-9","type":"PANIC"}}`,
			want: Notification{Body: "Score dropped", Type: model.AlertInfo, LocationID: "A", Key: "k-9", Score: 12},
		},
		{
			name: "non numeric score ignored",
			raw:  `{"body":"x","data":{"score":"high"}}`,
			want: Notification{Body: "x", Type: model.AlertInfo},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.raw))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{"title":`)); err == nil {
		t.Fatalf("expected error for truncated payload")
	}
}

func TestAlertEventNeedsLocation(t *testing.T) {
	if _, ok := (Notification{Body: "x"}).AlertEvent(); ok {
		t.Fatalf("notification without location must not route")
	}
	ev, ok := Notification{Body: "x", LocationID: "A", Type: model.AlertHygiene, Score: 3}.AlertEvent()
	if !ok || ev.LocationID != "A" || ev.Message != "x" || ev.Type != model.AlertHygiene || ev.Score != 3 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.committed)
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.AlertEvent
}

func (s *recordingSink) ApplyAlert(_ context.Context, ev model.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

type countingObserver struct {
	mu   sync.Mutex
	seen map[Outcome]int
}

func (o *countingObserver) NotificationHandled(outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen[outcome]++
}

func TestConsumerRoutesAndCommits(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte(`{"title":"t","data":{"washroom_id":"A","type":"HYGIENE_ALERT"}}`)},
		{Offset: 2, Value: []byte(`{"title":"no location"}`)},
		{Offset: 3, Value: []byte(`not json`)},
	}}
	sink := &recordingSink{}
	obs := &countingObserver{seen: map[Outcome]int{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := newConsumer(ConsumerConfig{Topic: "notifications", PollTimeout: 50 * time.Millisecond}, reader, reader, sink, obs, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for reader.commits() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if reader.commits() != 3 {
		t.Fatalf("expected every message committed, got %v", reader.committed)
	}
	if len(sink.events) != 1 || sink.events[0].LocationID != "A" || sink.events[0].Message != "New notification" {
		t.Fatalf("unexpected routed events %+v", sink.events)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.seen[OutcomeApplied] != 1 || obs.seen[OutcomeUnrouted] != 1 || obs.seen[OutcomeInvalid] != 1 {
		t.Fatalf("unexpected outcomes %v", obs.seen)
	}
}

func TestNewConsumerWithoutBrokers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewConsumer(ConsumerConfig{Topic: "x", GroupID: "g"}, &recordingSink{}, nil, logger); !errors.Is(err, ErrNoBrokers) {
		t.Fatalf("expected ErrNoBrokers, got %v", err)
	}
}

func TestCountPartitionsIgnoresOtherTopics(t *testing.T) {
	parts := []kafka.Partition{
		{Topic: "hygiene.notifications", ID: 0},
		{Topic: "hygiene.notifications", ID: 1},
		{Topic: "hygiene.notifications", ID: 1},
		{Topic: "other", ID: 2},
	}
	if n := countPartitions(parts, "hygiene.notifications"); n != 2 {
		t.Fatalf("expected 2 partitions, got %d", n)
	}
}

func TestEnsureTopicValidates(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := EnsureTopic(context.Background(), nil, TopicSpec{Name: "x"}, logger); !errors.Is(err, ErrNoBrokers) {
		t.Fatalf("expected ErrNoBrokers, got %v", err)
	}
	if _, err := EnsureTopic(context.Background(), []string{"kafka:9092"}, TopicSpec{Name: " "}, logger); err == nil {
		t.Fatalf("expected error for empty topic")
	}
}
