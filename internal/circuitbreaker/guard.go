// v0
// internal/circuitbreaker/guard.go
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

// RetryPolicy bounds how a Guard retries a failing call. Attempts counts
// calls that reached the dependency; fast-fails while the breaker is open
// only wait for Backoff.
type RetryPolicy struct {
	Attempts       int
	AttemptTimeout time.Duration
	Backoff        time.Duration
}

// DefaultRetryPolicy has no per-attempt timeout: blocking fetches are bounded
// by the caller's context.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: 200 * time.Millisecond}
}

// Guard runs calls through a breaker with retries. A nil Guard, or one
// without a breaker, calls straight through.
type Guard struct {
	breaker *Breaker
	policy  RetryPolicy
}

func NewGuard(b *Breaker, policy RetryPolicy) *Guard {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	return &Guard{breaker: b, policy: policy}
}

// Policy returns the effective retry policy.
func (g *Guard) Policy() RetryPolicy {
	if g == nil {
		return RetryPolicy{Attempts: 1}
	}
	return g.policy
}

// Do calls op until it succeeds, the attempts run out or ctx ends.
func (g *Guard) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if g == nil || g.breaker == nil {
		return op(ctx)
	}
	call := g.bounded(op)
	var last error
	for tried := 0; tried < g.policy.Attempts; {
		ran := false
		err := g.breaker.Execute(ctx, func(ctx context.Context) error {
			ran = true
			return call(ctx)
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		last = err
		if ran {
			tried++
		}
		if err := sleepCtx(ctx, g.policy.Backoff); err != nil {
			return err
		}
	}
	return last
}

func (g *Guard) bounded(op func(ctx context.Context) error) func(ctx context.Context) error {
	if g.policy.AttemptTimeout <= 0 {
		return op
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, g.policy.AttemptTimeout)
		defer cancel()
		return op(ctx)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// MessageFetcher is the read half of kafka.Reader.
type MessageFetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
}

// GuardedReader applies a Guard to FetchMessage.
type GuardedReader struct {
	reader MessageFetcher
	guard  *Guard
}

func NewGuardedReader(reader MessageFetcher, guard *Guard) *GuardedReader {
	return &GuardedReader{reader: reader, guard: guard}
}

func (r *GuardedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r == nil || r.reader == nil {
		return kafka.Message{}, errors.New("nil kafka reader")
	}
	var msg kafka.Message
	err := r.guard.Do(ctx, func(ctx context.Context) error {
		m, err := r.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}
		msg = m
		return nil
	})
	return msg, err
}
