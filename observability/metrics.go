package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OrchestratorMetrics exposes Prometheus instruments for the dispute
// orchestrator. All methods are safe on a nil receiver.
type OrchestratorMetrics struct {
	ledgerReads      *prometheus.CounterVec
	ledgerLatency    *prometheus.HistogramVec
	eventsReceived   *prometheus.CounterVec
	watchesActive    *prometheus.GaugeVec
	cacheLookups     *prometheus.CounterVec
	cacheFetches     *prometheus.CounterVec
	cacheErrors      *prometheus.CounterVec
	cacheSuperseded  *prometheus.CounterVec
	stageTransitions *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	mutations        *prometheus.CounterVec
	mutationLatency  *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
	httpLatency      *prometheus.HistogramVec
}

var (
	orchestratorOnce     sync.Once
	orchestratorRegistry *OrchestratorMetrics
)

// Orchestrator returns the lazily-initialised orchestrator metrics registry.
func Orchestrator() *OrchestratorMetrics {
	orchestratorOnce.Do(func() {
		orchestratorRegistry = &OrchestratorMetrics{
			ledgerReads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jurywatch",
				Subsystem: "ledger",
				Name:      "reads_total",
				Help:      "Ledger read calls segmented by operation.",
			}, []string{"op"}),
			ledgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "jurywatch",
				Subsystem: "ledger",
				Name:      "read_duration_seconds",
				Help:      "Latency distribution for ledger read calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jurywatch",
				Subsystem: "ledger",
				Name:      "events_received_total",
				Help:      "Decoded ledger events delivered to watchers.",
			}, []string{"event"}),
			watchesActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "jurywatch",
				Subsystem: "ledger",
				Name:      "watches_active",
				Help:      "Open ledger event watches segmented by event.",
			}, []string{"event"}),
			cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jurywatch",
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Query cache lookups segmented by query and result (hit, miss, stale).",
			}, []string{"query", "result"}),
			cacheFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jurywatch",
				Subsystem: "cache",
				Name:      "fetches_total",
				Help:      "Fetch functions executed by the query cache.",
			}, []string{"query"}),
			cacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jurywatch",
				Subsystem: "cache",
				Name:      "fetch_errors_total",
				Help:      "Failed query cache fetches.",
			}, []string{"query"}),
			cacheSuperseded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jurywatch",
				Subsystem: "cache",
				Name:      "superseded_total",
				Help:      "In-flight fetches discarded because their key was invalidated or replaced.",
			}, []string{"query"}),
			stageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jurywatch",
				Subsystem: "dispute",
				Name:      "stage_transitions_total",
				Help:      "Observation session stage advances segmented by the stage reached.",
			}, []string{"stage"}),
			sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "jurywatch",
				Subsystem: "dispute",
				Name:      "sessions_active",
				Help:      "Open dispute observation sessions.",
			}),
			mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jurywatch",
				Subsystem: "mutation",
				Name:      "attempts_total",
				Help:      "Ledger-mutating actions segmented by action and outcome.",
			}, []string{"action", "outcome"}),
			mutationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "jurywatch",
				Subsystem: "mutation",
				Name:      "settle_duration_seconds",
				Help:      "Time from submission to settlement of ledger-mutating actions.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			}, []string{"action"}),
			httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jurywatch",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests served segmented by route, method and status.",
			}, []string{"route", "method", "status"}),
			httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "jurywatch",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(
			orchestratorRegistry.ledgerReads,
			orchestratorRegistry.ledgerLatency,
			orchestratorRegistry.eventsReceived,
			orchestratorRegistry.watchesActive,
			orchestratorRegistry.cacheLookups,
			orchestratorRegistry.cacheFetches,
			orchestratorRegistry.cacheErrors,
			orchestratorRegistry.cacheSuperseded,
			orchestratorRegistry.stageTransitions,
			orchestratorRegistry.sessionsActive,
			orchestratorRegistry.mutations,
			orchestratorRegistry.mutationLatency,
			orchestratorRegistry.httpRequests,
			orchestratorRegistry.httpLatency,
		)
	})
	return orchestratorRegistry
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}

// ObserveLedgerRead records one gateway read.
func (m *OrchestratorMetrics) ObserveLedgerRead(op string, duration time.Duration) {
	if m == nil {
		return
	}
	op = label(op)
	m.ledgerReads.WithLabelValues(op).Inc()
	m.ledgerLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// EventReceived counts an event delivered to a watch handler.
func (m *OrchestratorMetrics) EventReceived(event string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(label(event)).Inc()
}

// WatchOpened tracks a new event watch.
func (m *OrchestratorMetrics) WatchOpened(event string) {
	if m == nil {
		return
	}
	m.watchesActive.WithLabelValues(label(event)).Inc()
}

// WatchClosed tracks a torn down event watch.
func (m *OrchestratorMetrics) WatchClosed(event string) {
	if m == nil {
		return
	}
	m.watchesActive.WithLabelValues(label(event)).Dec()
}

// CacheLookup records a cache read. Result should be one of "hit", "miss" or
// "stale".
func (m *OrchestratorMetrics) CacheLookup(query, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(label(query), label(result)).Inc()
}

// CacheFetch counts an executed fetch function.
func (m *OrchestratorMetrics) CacheFetch(query string) {
	if m == nil {
		return
	}
	m.cacheFetches.WithLabelValues(label(query)).Inc()
}

// CacheError counts a failed fetch function.
func (m *OrchestratorMetrics) CacheError(query string) {
	if m == nil {
		return
	}
	m.cacheErrors.WithLabelValues(label(query)).Inc()
}

// CacheSuperseded counts a fetch result discarded without being cached.
func (m *OrchestratorMetrics) CacheSuperseded(query string) {
	if m == nil {
		return
	}
	m.cacheSuperseded.WithLabelValues(label(query)).Inc()
}

// StageAdvanced counts a session reaching stage.
func (m *OrchestratorMetrics) StageAdvanced(stage string) {
	if m == nil {
		return
	}
	m.stageTransitions.WithLabelValues(label(stage)).Inc()
}

// SessionOpened tracks a new observation session.
func (m *OrchestratorMetrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionClosed tracks a closed observation session.
func (m *OrchestratorMetrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// ObserveMutation records the outcome of a ledger-mutating action.
func (m *OrchestratorMetrics) ObserveMutation(action, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	action = label(action)
	m.mutations.WithLabelValues(action, label(outcome)).Inc()
	if duration > 0 {
		m.mutationLatency.WithLabelValues(action).Observe(duration.Seconds())
	}
}

// ObserveRequest records one served HTTP request.
func (m *OrchestratorMetrics) ObserveRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = label(route)
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(route, method).Observe(duration.Seconds())
}
