package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	CacheOperationLookup     CacheOperation = "lookup"
	CacheOperationStore      CacheOperation = "store"
	CacheOperationInvalidate CacheOperation = "invalidate"
)

// CacheResult captures the result of a cache operation.
type CacheResult string

const (
	CacheHit     CacheResult = "hit"
	CacheMiss    CacheResult = "miss"
	CacheStored  CacheResult = "stored"
	CacheDeleted CacheResult = "deleted"
	CacheError   CacheResult = "error"
)

// RateLimitOutcome captures how a limiter check concluded.
type RateLimitOutcome string

const (
	RateLimitAllowed RateLimitOutcome = "allowed"
	RateLimitDenied  RateLimitOutcome = "denied"
	// RateLimitFailOpen marks a check skipped because the store was unavailable.
	RateLimitFailOpen RateLimitOutcome = "fail_open"
	// RateLimitFailClosed marks a request rejected because the store was unavailable.
	RateLimitFailClosed RateLimitOutcome = "fail_closed"
)

// Recorder publishes Prometheus metrics for request, limiter, and cache activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	rateLimitDecisions *prometheus.CounterVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	storeErrors *prometheus.CounterVec
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

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mantle",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total API requests handled by the coordinator.",
	}, []string{"route", "method", "status_code", "cache"})

	httpLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mantle",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed API requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route", "method"})

	rateLimitDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mantle",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limit checks by scope and outcome.",
	}, []string{"scope", "outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mantle",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Response cache operations executed by the coordinator.",
	}, []string{"rule", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mantle",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for response cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"rule", "operation", "result"})

	storeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mantle",
		Subsystem: "store",
		Name:      "errors_total",
		Help:      "Key-value store calls that failed or timed out.",
	}, []string{"operation"})

	reg.MustRegister(httpRequests, httpLatency, rateLimitDecisions, cacheOperations, cacheLatency, storeErrors)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:           reg,
		handler:            handler,
		httpRequests:       httpRequests,
		httpLatency:        httpLatency,
		rateLimitDecisions: rateLimitDecisions,
		cacheOperations:    cacheOperations,
		cacheLatency:       cacheLatency,
		storeErrors:        storeErrors,
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

// ObserveRequest records the outcome and latency for a completed API request.
// cache is the X-Cache value sent, or empty when the request was not cacheable.
func (r *Recorder) ObserveRequest(route, method string, statusCode int, cache string, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	methodLabel := normalizeLabel(method)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	cacheLabel := strings.ToLower(strings.TrimSpace(cache))
	if cacheLabel == "" {
		cacheLabel = "none"
	}
	r.httpRequests.WithLabelValues(routeLabel, methodLabel, statusLabel, cacheLabel).Inc()
	r.httpLatency.WithLabelValues(routeLabel, methodLabel).Observe(duration.Seconds())
}

// ObserveRateLimit counts one limiter check. scope is "global" or "endpoint".
func (r *Recorder) ObserveRateLimit(scope string, outcome RateLimitOutcome) {
	if r == nil {
		return
	}
	r.rateLimitDecisions.WithLabelValues(normalizeLabel(scope), normalizeLabel(string(outcome))).Inc()
}

// ObserveCache records one cache operation for the named rule.
func (r *Recorder) ObserveCache(rule string, operation CacheOperation, result CacheResult, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := string(result)
	if resLabel == "" {
		resLabel = string(CacheError)
	}
	ruleLabel := normalizeLabel(rule)
	r.cacheOperations.WithLabelValues(ruleLabel, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(ruleLabel, opLabel, resLabel).Observe(duration.Seconds())
}

// ObserveStoreError counts a failed store call. It matches kvstore.ErrorObserver.
func (r *Recorder) ObserveStoreError(operation string) {
	if r == nil {
		return
	}
	r.storeErrors.WithLabelValues(normalizeLabel(operation)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
