package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odyssey-erp/odyssey-crm/internal/shared"
)

// Metrics collects Prometheus metrics for the HTTP surface and the
// authorization core. It implements shared.Observer.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheTotal      *prometheus.CounterVec
	lookupFailures  *prometheus.CounterVec
	gateDecisions   *prometheus.CounterVec
	invalidations   *prometheus.CounterVec
}

var _ shared.Observer = (*Metrics)(nil)

// NewMetrics initialises the registry and every collector.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	cache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_authz_permission_cache_total",
		Help: "Permission cache lookups by component and result.",
	}, []string{"component", "result"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_authz_lookup_failures_total",
		Help: "Failed remote authorization lookups by component.",
	}, []string{"component"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_authz_gate_decisions_total",
		Help: "Route gate decisions by state.",
	}, []string{"state"})
	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_authz_invalidations_total",
		Help: "Grant invalidations by delivery path and outcome.",
	}, []string{"path", "outcome"})
	registry.MustRegister(requests, duration, cache, failures, decisions, invalidations)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		cacheTotal:      cache,
		lookupFailures:  failures,
		gateDecisions:   decisions,
		invalidations:   invalidations,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request counts and latency.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// CacheResult counts a cache hit or miss.
func (m *Metrics) CacheResult(component string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheTotal.WithLabelValues(component, result).Inc()
}

// LookupFailed counts a failed remote lookup.
func (m *Metrics) LookupFailed(component string) {
	if m == nil {
		return
	}
	m.lookupFailures.WithLabelValues(component).Inc()
}

// Decision counts a gate decision.
func (m *Metrics) Decision(state string) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(state).Inc()
}

// Invalidation counts an invalidation delivery attempt.
func (m *Metrics) Invalidation(path string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.invalidations.WithLabelValues(path, outcome).Inc()
}

// Registerer exposes the registry for custom collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
