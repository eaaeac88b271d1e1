// v0
// internal/ack/workflow.go
// Package ack drives the "mark cleaned" action: a cleaning record is written
// under the location, the location's pending alerts are cleared and the live
// view is resynchronized.
//
// The two writes are not atomic. When the record lands and the alert clear
// fails, the attempt ends FAILED with Partial set: the record is visible on
// the next read and the alerts stay in place. Nothing is retried.
package ack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hygienewatch/realtime/internal/livestore"
	"hygienewatch/realtime/internal/model"
)

var (
	// ErrWriteFailed wraps the store error of the failing write.
	ErrWriteFailed = errors.New("acknowledgment write failed")
	// ErrInvalidTransition is returned when an attempt is driven out of order.
	ErrInvalidTransition = errors.New("invalid acknowledgment transition")
	// ErrLocationRequired rejects requests without a location id.
	ErrLocationRequired = errors.New("location id required")
)

// DefaultWriteTimeout bounds each of the two writes.
const DefaultWriteTimeout = 5 * time.Second

type State string

const (
	StateIdle       State = "IDLE"
	StateRequested  State = "REQUESTED"
	StateConfirmed  State = "CONFIRMED"
	StateCommitting State = "COMMITTING"
	StateSucceeded  State = "SUCCEEDED"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Stage names the write an attempt failed on.
type Stage string

const (
	StageCleaningRecord Stage = "cleaning_record"
	StageClearAlerts    Stage = "clear_alerts"
)

// Result is the outcome of an attempt. Err is nil unless State is FAILED;
// RefreshErr reports a resync problem after a successful commit.
type Result struct {
	ID            string `json:"id"`
	LocationID    string `json:"locationId"`
	Actor         string `json:"actor"`
	State         State  `json:"state"`
	FailedStage   Stage  `json:"failedStage,omitempty"`
	Partial       bool   `json:"partial"`
	CleanedAt     string `json:"cleanedAt,omitempty"`
	AlertsCleared int    `json:"alertsCleared"`
	Error         string `json:"error,omitempty"`
	RefreshError  string `json:"refreshError,omitempty"`

	Err        error `json:"-"`
	RefreshErr error `json:"-"`
}

// AlertClearer removes a location's entries from the local alert log.
type AlertClearer interface {
	ClearFor(ctx context.Context, locationID string) (int, error)
}

// Refresher forces a resynchronization of the live view.
type Refresher interface {
	Refresh(ctx context.Context) ([]model.LocationSnapshot, error)
}

// Observer is told about every finished commit.
type Observer interface {
	AckFinished(state State, stage Stage, partial bool)
}

// Options tunes a Workflow.
type Options struct {
	WriteTimeout time.Duration
	Observer     Observer
	Logger       *slog.Logger
	Now          func() time.Time
}

// Workflow creates acknowledgment attempts.
type Workflow struct {
	store   livestore.Store
	alerts  AlertClearer
	sync    Refresher
	timeout time.Duration
	obs     Observer
	logger  *slog.Logger
	now     func() time.Time
}

func NewWorkflow(store livestore.Store, alerts AlertClearer, sync Refresher, opts Options) *Workflow {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Workflow{
		store:   store,
		alerts:  alerts,
		sync:    sync,
		timeout: timeout,
		obs:     opts.Observer,
		logger:  logger.With(slog.String("component", "ack")),
		now:     now,
	}
}

// Request records operator intent for locationID. Nothing is written until
// Confirm.
func (w *Workflow) Request(locationID, actor string) (*Attempt, error) {
	locationID = strings.TrimSpace(locationID)
	if locationID == "" {
		return nil, ErrLocationRequired
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = "unknown"
	}
	a := &Attempt{
		wf:      w,
		created: w.now(),
		result: Result{
			ID:         uuid.NewString(),
			LocationID: locationID,
			Actor:      actor,
			State:      StateRequested,
		},
	}
	w.logger.Info("ack_requested", "id", a.result.ID, "location", locationID, "actor", actor)
	return a, nil
}

// Attempt is one acknowledgment, driven through its states by Cancel or
// Confirm.
type Attempt struct {
	wf      *Workflow
	created time.Time

	mu     sync.Mutex
	result Result
}

func (a *Attempt) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result.ID
}

func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result.State
}

// Result returns a copy of the current outcome.
func (a *Attempt) Result() Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

// Cancel abandons a requested attempt without side effects.
func (a *Attempt) Cancel() (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.result.State != StateRequested {
		return a.result, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, a.result.State)
	}
	a.result.State = StateCancelled
	a.wf.logger.Info("ack_cancelled", "id", a.result.ID, "location", a.result.LocationID)
	return a.result, nil
}

// Confirm commits the acknowledgment. Write failures are reported through
// the FAILED result, not the error; the error is only set for an attempt
// that is not in the REQUESTED state.
func (a *Attempt) Confirm(ctx context.Context) (Result, error) {
	a.mu.Lock()
	if a.result.State != StateRequested {
		res := a.result
		a.mu.Unlock()
		return res, fmt.Errorf("%w: confirm from %s", ErrInvalidTransition, res.State)
	}
	a.result.State = StateConfirmed
	a.wf.logger.Info("ack_confirmed", "id", a.result.ID, "location", a.result.LocationID)
	a.result.State = StateCommitting
	res := a.result
	a.mu.Unlock()

	res = a.wf.commit(ctx, res)

	a.mu.Lock()
	a.result = res
	a.mu.Unlock()
	return res, nil
}

func (w *Workflow) commit(ctx context.Context, res Result) Result {
	w.logger.Info("ack_committing", "id", res.ID, "location", res.LocationID)
	cleanedAt := model.NowISO(w.now())
	record, err := model.EncodeCleaningRecord(model.CleaningRecord{
		LocationID: res.LocationID,
		Timestamp:  cleanedAt,
		Actor:      res.Actor,
	})
	if err == nil {
		err = w.write(ctx, func(ctx context.Context) error {
			return w.store.Set(ctx, livestore.LastCleanedPath(res.LocationID), record)
		})
	}
	if err != nil {
		return w.fail(res, StageCleaningRecord, false, err)
	}
	res.CleanedAt = cleanedAt

	err = w.write(ctx, func(ctx context.Context) error {
		return w.store.Delete(ctx, livestore.AlertsPath(res.LocationID))
	})
	if err != nil {
		return w.fail(res, StageClearAlerts, true, err)
	}
	if w.alerts != nil {
		n, err := w.alerts.ClearFor(ctx, res.LocationID)
		if err != nil {
			w.logger.Warn("ack_local_clear_failed", "id", res.ID, "error", err.Error())
		}
		res.AlertsCleared = n
	}

	res.State = StateSucceeded
	w.logger.Info("ack_succeeded", "id", res.ID, "location", res.LocationID, "alerts_cleared", res.AlertsCleared)
	if w.obs != nil {
		w.obs.AckFinished(res.State, "", false)
	}

	if w.sync != nil {
		if _, err := w.sync.Refresh(ctx); err != nil {
			res.RefreshErr = err
			res.RefreshError = err.Error()
			w.logger.Warn("ack_refresh_incomplete", "id", res.ID, "error", err.Error())
		}
	}
	return res
}

func (w *Workflow) write(ctx context.Context, op func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return op(ctx)
}

func (w *Workflow) fail(res Result, stage Stage, partial bool, cause error) Result {
	res.State = StateFailed
	res.FailedStage = stage
	res.Partial = partial
	res.Err = fmt.Errorf("%w: %s: %w", ErrWriteFailed, stage, cause)
	res.Error = res.Err.Error()
	w.logger.Error("ack_failed", "id", res.ID, "location", res.LocationID, "stage", string(stage), "partial", partial, "error", cause.Error())
	if w.obs != nil {
		w.obs.AckFinished(res.State, stage, partial)
	}
	return res
}
