package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationGet records cache-aside read calls.
	CacheOperationGet CacheOperation = "get"
	// CacheOperationSet records write-back attempts after an origin fetch.
	CacheOperationSet CacheOperation = "set"
	// CacheOperationInvalidate records pattern invalidation sweeps.
	CacheOperationInvalidate CacheOperation = "invalidate"
)

// CacheOutcome captures the result of a cache operation.
type CacheOutcome string

const (
	// CacheHit indicates the read was served from the store.
	CacheHit CacheOutcome = "hit"
	// CacheMiss indicates the read fell through to the origin producer.
	CacheMiss CacheOutcome = "miss"
	// CacheError indicates the operation failed against the store.
	CacheError CacheOutcome = "error"
	// CacheStored indicates the write-back was persisted.
	CacheStored CacheOutcome = "stored"
)

// LimitOutcome captures a rate-limit decision.
type LimitOutcome string

const (
	// LimitAllowed indicates the request fit inside the window.
	LimitAllowed LimitOutcome = "allowed"
	// LimitRejected indicates the window was full.
	LimitRejected LimitOutcome = "rejected"
	// LimitError indicates the store was unreachable and the limiter failed open.
	LimitError LimitOutcome = "error"
)

// SessionOperation identifies the session store method being instrumented.
type SessionOperation string

const (
	SessionOperationLoad    SessionOperation = "load"
	SessionOperationSave    SessionOperation = "save"
	SessionOperationDestroy SessionOperation = "destroy"
)

// Recorder publishes Prometheus metrics for cache, limiter, and session activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
	invalidatedKeys prometheus.Counter

	limitDecisions *prometheus.CounterVec

	sessionOperations *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachectrl",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache-aside operations executed against the key-value store.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cachectrl",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache-aside operations, end to end.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"operation", "result"})

	invalidatedKeys := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cachectrl",
		Subsystem: "cache",
		Name:      "invalidated_keys_total",
		Help:      "Keys removed by pattern invalidation sweeps.",
	})

	limitDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachectrl",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Sliding-window rate limit decisions.",
	}, []string{"outcome"})

	sessionOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachectrl",
		Subsystem: "session",
		Name:      "operations_total",
		Help:      "Session store operations by method and result.",
	}, []string{"operation", "result"})

	reg.MustRegister(cacheOperations, cacheLatency, invalidatedKeys, limitDecisions, sessionOperations)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:          reg,
		handler:           handler,
		cacheOperations:   cacheOperations,
		cacheLatency:      cacheLatency,
		invalidatedKeys:   invalidatedKeys,
		limitDecisions:    limitDecisions,
		sessionOperations: sessionOperations,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveCache records the result and latency of one cache operation.
func (r *Recorder) ObserveCache(op CacheOperation, result CacheOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	r.cacheOperations.WithLabelValues(string(op), string(result)).Inc()
	r.cacheLatency.WithLabelValues(string(op), string(result)).Observe(duration.Seconds())
}

// ObserveInvalidatedKeys accumulates keys deleted by invalidation sweeps.
func (r *Recorder) ObserveInvalidatedKeys(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.invalidatedKeys.Add(float64(count))
}

// ObserveLimit records one rate-limit decision.
func (r *Recorder) ObserveLimit(outcome LimitOutcome) {
	if r == nil {
		return
	}
	r.limitDecisions.WithLabelValues(string(outcome)).Inc()
}

// ObserveSession records one session store operation.
func (r *Recorder) ObserveSession(op SessionOperation, ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	r.sessionOperations.WithLabelValues(string(op), result).Inc()
}
