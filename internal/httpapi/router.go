// v0
// internal/httpapi/router.go
// Package httpapi exposes the dashboard store to presentation layers over
// HTTP. Routing uses gorilla/mux; access logging, panic recovery and CORS
// come from gorilla/handlers.
package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"hygienewatch/realtime/internal/ack"
	"hygienewatch/realtime/internal/classify"
	"hygienewatch/realtime/internal/dashboard"
	"hygienewatch/realtime/internal/model"
)

// Backend is the read and refresh surface of the dashboard store.
type Backend interface {
	Current() dashboard.View
	Refresh(ctx context.Context) ([]model.LocationSnapshot, error)
	CountByType(ctx context.Context, t model.AlertType) (int, error)
	Online() bool
}

// Acknowledger drives the two-step acknowledgment flow.
type Acknowledger interface {
	Request(locationID, actor string) (*ack.Attempt, error)
	Get(id string) (*ack.Attempt, error)
	Confirm(ctx context.Context, id string) (ack.Result, error)
	Cancel(id string) (ack.Result, error)
}

// RouteWrapper instruments a handler under its route template.
type RouteWrapper interface {
	WrapHandler(route string, next http.Handler) http.Handler
	Handler() http.Handler
}

// HealthState tracks readiness. Liveness is true while the process runs.
type HealthState struct {
	mu    sync.RWMutex
	ready bool
}

func NewHealthState() *HealthState { return &HealthState{} }

func (h *HealthState) SetReady(value bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = value
}

func (h *HealthState) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Options configures the API.
type Options struct {
	Backend      Backend
	Acks         Acknowledger
	Health       *HealthState
	Metrics      RouteWrapper
	Logger       *slog.Logger
	AccessLog    io.Writer
	Policy       classify.Table
	DefaultActor string
	// HeartbeatTimeout marks a sensor SILENT once its last heartbeat is
	// older. Zero never reports SILENT.
	HeartbeatTimeout time.Duration
	Now              func() time.Time
}

type server struct {
	backend          Backend
	acks             Acknowledger
	health           *HealthState
	log              *slog.Logger
	policy           classify.Table
	actor            string
	heartbeatTimeout time.Duration
	now              func() time.Time
}

// NewRouter registers every route on a fresh mux router.
func NewRouter(opts Options) *mux.Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	health := opts.Health
	if health == nil {
		health = NewHealthState()
	}
	policy := opts.Policy
	if policy.Name == "" {
		policy = classify.ThreeBand
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &server{
		backend:          opts.Backend,
		acks:             opts.Acks,
		health:           health,
		log:              logger.With(slog.String("component", "http")),
		policy:           policy,
		actor:            opts.DefaultActor,
		heartbeatTimeout: opts.HeartbeatTimeout,
		now:              now,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.healthz).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.live).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.readyz).Methods(http.MethodGet)
	r.HandleFunc("/locations", s.listLocations).Methods(http.MethodGet)
	r.HandleFunc("/locations/{id}", s.getLocation).Methods(http.MethodGet)
	r.HandleFunc("/alerts", s.listAlerts).Methods(http.MethodGet)
	r.HandleFunc("/alerts/count", s.countAlerts).Methods(http.MethodGet)
	r.HandleFunc("/connectivity", s.connectivityStatus).Methods(http.MethodGet)
	r.HandleFunc("/summary", s.summary).Methods(http.MethodGet)
	r.HandleFunc("/refresh", s.refresh).Methods(http.MethodPost)
	r.HandleFunc("/acknowledgments", s.requestAck).Methods(http.MethodPost)
	r.HandleFunc("/acknowledgments/{id}", s.getAck).Methods(http.MethodGet)
	r.HandleFunc("/acknowledgments/{id}/confirm", s.confirmAck).Methods(http.MethodPost)
	r.HandleFunc("/acknowledgments/{id}/cancel", s.cancelAck).Methods(http.MethodPost)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
		r.Use(routeMetrics(opts.Metrics))
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

// Handler wraps router with CORS, panic recovery and an access log.
func Handler(router http.Handler, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(router)
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{logger}),
		handlers.PrintRecoveryStack(false),
	)(h)
	if opts.AccessLog != nil {
		h = handlers.CombinedLoggingHandler(opts.AccessLog, h)
	}
	return h
}

func routeMetrics(m RouteWrapper) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			m.WrapHandler(route, next).ServeHTTP(w, r)
		})
	}
}

type recoveryLogger struct{ log *slog.Logger }

func (l recoveryLogger) Println(args ...interface{}) {
	l.log.Error("http_panic_recovered", slog.Any("panic", args))
}
