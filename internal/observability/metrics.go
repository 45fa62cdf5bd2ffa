package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Allocation and return outcome labels.
const (
	ResultOK           = "ok"
	ResultInsufficient = "insufficient"
	ResultContention   = "contention"
	ResultInvalid      = "invalid"
	ResultError        = "error"
)

// Metrics collects Prometheus metrics for the lot ledger.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	allocations     *prometheus.CounterVec
	returns         *prometheus.CounterVec
	divergence      *prometheus.GaugeVec
	rebuildDeltas   prometheus.Counter
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lotledger_http_requests_total",
		Help: "HTTP requests served by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lotledger_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	allocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lotledger_allocations_total",
		Help: "FIFO allocations attempted, by outcome.",
	}, []string{"result"})
	returns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lotledger_returns_total",
		Help: "Allocation reversals attempted, by outcome.",
	}, []string{"result"})
	divergence := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lotledger_reconcile_divergence",
		Help: "Latest cost reconciliation divergence per tenant.",
	}, []string{"tenant"})
	rebuildDeltas := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lotledger_projection_rebuild_deltas_total",
		Help: "Projection rows corrected by rebuild runs.",
	})
	registry.MustRegister(requests, duration, allocations, returns, divergence, rebuildDeltas)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		allocations:     allocations,
		returns:         returns,
		divergence:      divergence,
		rebuildDeltas:   rebuildDeltas,
	}
}

// ObserveAllocation records an allocation attempt outcome.
func (m *Metrics) ObserveAllocation(result string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(result).Inc()
}

// ObserveReturn records a reversal attempt outcome.
func (m *Metrics) ObserveReturn(result string) {
	if m == nil {
		return
	}
	m.returns.WithLabelValues(result).Inc()
}

// SetDivergence publishes the latest reconciliation divergence for a tenant.
func (m *Metrics) SetDivergence(tenantID int64, value float64) {
	if m == nil {
		return
	}
	m.divergence.WithLabelValues(strconv.FormatInt(tenantID, 10)).Set(value)
}

// AddRebuildDeltas counts projection rows corrected by a rebuild run.
func (m *Metrics) AddRebuildDeltas(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rebuildDeltas.Add(float64(n))
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
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

// Registerer exposes the registry for registering custom metrics.
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
