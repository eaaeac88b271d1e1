// v1
// internal/circuitbreaker/circuitbreaker.go
// Package circuitbreaker guards calls to remote collaborators (live store,
// catalog, Kafka) so a failing dependency fast-fails instead of stalling the
// dispatch loop's producers.
package circuitbreaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

var ErrOpen = errors.New("circuit breaker is open; fast-fail")

// Config holds the breaker tunables.
type Config struct {
	MaxFailures      int           // consecutive failures before opening
	ResetTimeout     time.Duration // how long to stay open before probing again
	SuccessesToClose int           // successes required in HalfOpen before closing
}

// DefaultConfig mirrors the defaults of the properties loader.
func DefaultConfig() Config {
	return Config{MaxFailures: 5, ResetTimeout: 30 * time.Second, SuccessesToClose: 1}
}

type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	recentFails int
	halfOpenOK  int
	openedAt    time.Time
	observer    func(State)

	probe func(ctx context.Context) error
}

// New builds a breaker. A nil logger discards breaker logs; a nil probe
// skips the probe when leaving the Open state.
func New(name string, cfg Config, logger *slog.Logger, probe func(ctx context.Context) error) *Breaker {
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 1
	}
	if cfg.SuccessesToClose < 1 {
		cfg.SuccessesToClose = 1
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger.With(slog.String("breaker", name)),
		now:    time.Now,
		state:  Closed,
		probe:  probe,
	}
	b.logger.Info("breaker_created", "maxFailures", cfg.MaxFailures, "resetTimeout", cfg.ResetTimeout.String(), "successesToClose", cfg.SuccessesToClose)
	return b
}

// SetObserver registers a callback invoked on every state transition. It is
// used to export the state as a metric.
func (b *Breaker) SetObserver(fn func(State)) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.observer = fn
	b.mu.Unlock()
}

// Execute runs op unless the breaker is open. A nil breaker runs op directly.
// When the failure of op opens the breaker, ErrOpen is returned. Timeouts
// that should count as failures belong inside op; an error returned after
// ctx itself ended is not counted.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if b == nil {
		return op(ctx)
	}
	if err := b.allow(ctx); err != nil {
		return err
	}
	err := op(ctx)
	if err == nil {
		b.onSuccess()
		return nil
	}
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		// the caller's own deadline or cancellation, not a dependency failure
		return err
	}
	if opened := b.onFailure(err); opened {
		return ErrOpen
	}
	return err
}

func (b *Breaker) allow(ctx context.Context) error {
	b.mu.Lock()
	if b.state != Open {
		b.mu.Unlock()
		return nil
	}
	since := b.now().Sub(b.openedAt)
	if since < b.cfg.ResetTimeout {
		b.mu.Unlock()
		b.logger.Warn("breaker_fast_fail", "since_open", since.String())
		return ErrOpen
	}
	b.setStateLocked(HalfOpen)
	b.halfOpenOK = 0
	had := b.recentFails
	b.mu.Unlock()

	b.logger.Info("breaker_probe_start", "previous_failures", had)
	if b.probe == nil {
		return nil
	}
	if err := b.probe(ctx); err != nil {
		b.logger.Warn("breaker_probe_failed", "error", err.Error())
		b.mu.Lock()
		b.setStateLocked(Open)
		b.openedAt = b.now()
		b.mu.Unlock()
		return ErrOpen
	}
	b.logger.Info("breaker_probe_ok")
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.halfOpenOK++
		if b.halfOpenOK < b.cfg.SuccessesToClose {
			return
		}
		b.logger.Info("breaker_closed_after_probe", "successes", b.halfOpenOK)
	}
	b.setStateLocked(Closed)
	b.recentFails = 0
	b.halfOpenOK = 0
}

func (b *Breaker) onFailure(err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recentFails++
	b.logger.Warn("operation_failure", "failures", b.recentFails, "error", err.Error())
	if b.state == HalfOpen || b.recentFails >= b.cfg.MaxFailures {
		b.setStateLocked(Open)
		b.openedAt = b.now()
		b.logger.Error("breaker_opened", "maxFailures", b.cfg.MaxFailures)
		return true
	}
	return false
}

func (b *Breaker) setStateLocked(next State) {
	if b.state == next {
		return
	}
	b.state = next
	if b.observer != nil {
		b.observer(next)
	}
}

// State reports the current breaker state.
func (b *Breaker) State() State {
	if b == nil {
		return Closed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the breaker's identifier.
func (b *Breaker) Name() string {
	if b == nil {
		return ""
	}
	return b.name
}
