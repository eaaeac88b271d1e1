// v1
// internal/circuitbreaker/circuitbreaker_test.go
package circuitbreaker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestBreakerOpensAndFastFails(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))
	b := New("store", Config{MaxFailures: 2, ResetTimeout: time.Minute, SuccessesToClose: 1}, logger, nil)

	var transitions []State
	b.SetObserver(func(s State) { transitions = append(transitions, s) })

	boom := errors.New("boom")
	fail := func(context.Context) error { return boom }

	if err := b.Execute(context.Background(), fail); !errors.Is(err, boom) {
		t.Fatalf("expected first failure to pass through, got %v", err)
	}
	if err := b.Execute(context.Background(), fail); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen when threshold is reached, got %v", err)
	}
	if b.State() != Open {
		t.Fatalf("expected open breaker, got %v", b.State())
	}

	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) || called {
		t.Fatalf("expected fast-fail without calling op, got err=%v called=%v", err, called)
	}
	if len(transitions) != 1 || transitions[0] != Open {
		t.Fatalf("expected a single Open transition, got %v", transitions)
	}
	if !strings.Contains(logBuf.String(), "breaker_opened") {
		t.Fatalf("expected breaker_opened log, got %q", logBuf.String())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New("catalog", Config{MaxFailures: 1, ResetTimeout: time.Second, SuccessesToClose: 2}, nil, nil)
	clock := time.Date(2024, 7, 10, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	_ = b.Execute(context.Background(), func(context.Context) error { return errors.New("down") })
	if b.State() != Open {
		t.Fatalf("expected open breaker, got %v", b.State())
	}

	clock = clock.Add(2 * time.Second)
	ok := func(context.Context) error { return nil }
	if err := b.Execute(context.Background(), ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open after first success, got %v", b.State())
	}
	if err := b.Execute(context.Background(), ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("expected closed after second success, got %v", b.State())
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	probeErr := errors.New("probe down")
	b := New("probe", Config{MaxFailures: 1, ResetTimeout: time.Second}, nil, func(context.Context) error { return probeErr })
	clock := time.Date(2024, 7, 10, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	_ = b.Execute(context.Background(), func(context.Context) error { return errors.New("down") })
	clock = clock.Add(2 * time.Second)

	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) || called {
		t.Fatalf("expected probe failure to keep the breaker open, err=%v called=%v", err, called)
	}
	if b.State() != Open {
		t.Fatalf("expected open breaker, got %v", b.State())
	}
}

func TestNilBreakerRunsOp(t *testing.T) {
	var b *Breaker
	called := false
	if err := b.Execute(context.Background(), func(context.Context) error { called = true; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("expected op to run")
	}
}

func TestCallerDeadlineIsNotAFailure(t *testing.T) {
	b := New("store", Config{MaxFailures: 1, ResetTimeout: time.Minute}, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := b.Execute(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("expected closed breaker after caller timeout, got %v", b.State())
	}
}

func TestGuardedReaderRetriesThroughHalfOpen(t *testing.T) {
	b := New("notify", Config{MaxFailures: 2, ResetTimeout: 50 * time.Millisecond, SuccessesToClose: 2}, nil, nil)
	guard := NewGuard(b, RetryPolicy{Attempts: 3, Backoff: 10 * time.Millisecond})

	stub := &stubKafkaReader{failuresBeforeSuccess: 2, message: kafka.Message{Value: []byte("payload")}}
	reader := NewGuardedReader(stub, guard)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := reader.FetchMessage(ctx); err != nil {
		t.Fatalf("unexpected error on fetch: %v", err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected breaker to remain half-open after first success, got %v", b.State())
	}
	if _, err := reader.FetchMessage(ctx); err != nil {
		t.Fatalf("second fetch should succeed, got %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("expected breaker closed after second success, got %v", b.State())
	}
	if stub.calls != 4 {
		t.Fatalf("expected 4 fetch attempts, got %d", stub.calls)
	}
}

func TestGuardGivesUpAfterAttempts(t *testing.T) {
	b := New("notify", Config{MaxFailures: 10, ResetTimeout: time.Minute}, nil, nil)
	guard := NewGuard(b, RetryPolicy{Attempts: 3})
	stub := &stubKafkaReader{failuresBeforeSuccess: 100}

	_, err := NewGuardedReader(stub, guard).FetchMessage(context.Background())
	if err == nil || !strings.Contains(err.Error(), "synthetic failure") {
		t.Fatalf("expected the last failure, got %v", err)
	}
	if stub.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", stub.calls)
	}
}

func TestGuardWithoutBreakerCallsThrough(t *testing.T) {
	msg := kafka.Message{Topic: "demo", Value: []byte("v")}
	stub := &stubKafkaReader{message: msg}
	wrapped := NewGuardedReader(stub, NewGuard(nil, DefaultRetryPolicy()))

	out, err := wrapped.FetchMessage(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.calls != 1 {
		t.Fatalf("expected single call without a breaker, got %d", stub.calls)
	}
	if string(out.Value) != string(msg.Value) {
		t.Fatalf("expected %q, got %q", msg.Value, out.Value)
	}
}

type stubKafkaReader struct {
	mu                    sync.Mutex
	calls                 int
	failuresBeforeSuccess int
	message               kafka.Message
}

func (s *stubKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return kafka.Message{}, ctx.Err()
	}
	s.calls++
	if s.calls <= s.failuresBeforeSuccess {
		return kafka.Message{}, errors.New("synthetic failure")
	}
	return s.message, nil
}
