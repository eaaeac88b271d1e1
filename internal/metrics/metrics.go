// v0
// internal/metrics/metrics.go
// Package metrics exports the pipeline counters to Prometheus. A *Metrics
// satisfies the observer interfaces of livesync, alertlog, ack and notify.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hygienewatch/realtime/internal/ack"
	"hygienewatch/realtime/internal/circuitbreaker"
	"hygienewatch/realtime/internal/model"
	"hygienewatch/realtime/internal/notify"
)

const namespace = "hygiene"

type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	pushesApplied     prometheus.Counter
	parseErrors       prometheus.Counter
	watchOverflows    prometheus.Counter
	refreshDuration   prometheus.Histogram
	refreshErrors     prometheus.Counter
	alertsInserted    *prometheus.CounterVec
	alertsEvicted     prometheus.Counter
	alertsCleared     prometheus.Counter
	alertsDropped     prometheus.Counter
	acks              *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	online            prometheus.Gauge
	cbState           *prometheus.GaugeVec
}

// NewMetrics registers every collector with reg. A nil reg uses the default
// Prometheus registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	m := &Metrics{
		gatherer: gatherer,
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		pushesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_pushes_applied_total",
			Help:      "Location state pushes applied to the live cache.",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_parse_errors_total",
			Help:      "Location state payloads rejected by the decoder.",
		}),
		watchOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_overflows_total",
			Help:      "Location watches that dropped events.",
		}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Histogram of full resynchronization durations.",
			Buckets:   prometheus.DefBuckets,
		}),
		refreshErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_errors_total",
			Help:      "Resynchronizations that ended with a catalog or read error.",
		}),
		alertsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_inserted_total",
			Help:      "Alert events inserted into the log by type.",
		}, []string{"type"}),
		alertsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_evicted_total",
			Help:      "Alert events evicted from the tail of the log.",
		}),
		alertsCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_cleared_total",
			Help:      "Alert events removed by acknowledgments.",
		}),
		alertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_events_dropped_total",
			Help:      "Alert watch events lost to buffer overflow.",
		}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acknowledgments_total",
			Help:      "Finished acknowledgment commits by state, failing stage and partial flag.",
		}, []string{"state", "stage", "partial"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Relayed push notifications by outcome.",
		}, []string{"outcome"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_online",
			Help:      "Live store transport liveness (1 online, 0 offline).",
		}),
		cbState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cb_state",
			Help: "Circuit breaker state gauge (0 closed, 1 half, 2 open).",
		}, []string{"target"}),
	}

	registerer.MustRegister(
		m.httpRequestsTotal,
		m.httpDuration,
		m.pushesApplied,
		m.parseErrors,
		m.watchOverflows,
		m.refreshDuration,
		m.refreshErrors,
		m.alertsInserted,
		m.alertsEvicted,
		m.alertsCleared,
		m.alertsDropped,
		m.acks,
		m.notifications,
		m.online,
		m.cbState,
	)
	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) PushApplied(string) { m.pushesApplied.Inc() }

func (m *Metrics) ParseError(string) { m.parseErrors.Inc() }

func (m *Metrics) WatchOverflow(string) { m.watchOverflows.Inc() }

func (m *Metrics) RefreshDone(elapsed time.Duration, err error) {
	m.refreshDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.refreshErrors.Inc()
	}
}

func (m *Metrics) AlertInserted(t model.AlertType) { m.alertsInserted.WithLabelValues(string(t)).Inc() }

func (m *Metrics) AlertsEvicted(n int) { m.alertsEvicted.Add(float64(n)) }

func (m *Metrics) AlertsCleared(_ string, n int) { m.alertsCleared.Add(float64(n)) }

func (m *Metrics) AlertsDropped(n uint64) { m.alertsDropped.Add(float64(n)) }

func (m *Metrics) AckFinished(state ack.State, stage ack.Stage, partial bool) {
	m.acks.WithLabelValues(string(state), string(stage), strconv.FormatBool(partial)).Inc()
}

func (m *Metrics) NotificationHandled(outcome notify.Outcome) {
	m.notifications.WithLabelValues(string(outcome)).Inc()
}

// SetOnline mirrors the connectivity flag.
func (m *Metrics) SetOnline(online bool) {
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}

// SetCircuitBreakerState records state for target.
func (m *Metrics) SetCircuitBreakerState(target string, state circuitbreaker.State) {
	m.cbState.WithLabelValues(target).Set(breakerGauge(state))
}

// TrackBreaker exports b's transitions under target. A nil breaker is
// ignored.
func (m *Metrics) TrackBreaker(target string, b *circuitbreaker.Breaker) {
	if b == nil {
		return
	}
	m.SetCircuitBreakerState(target, b.State())
	b.SetObserver(func(s circuitbreaker.State) { m.SetCircuitBreakerState(target, s) })
}

func breakerGauge(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.HalfOpen:
		return 1
	case circuitbreaker.Open:
		return 2
	default:
		return 0
	}
}
