package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Circuit breaker states as exported on the gauge.
const (
	CircuitClosed   = 0
	CircuitHalfOpen = 1
	CircuitOpen     = 2
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Quotation workflow
	CalculationsTotal     *prometheus.CounterVec
	CalculationDuration   *prometheus.HistogramVec
	DraftStepsTotal       *prometheus.CounterVec
	SessionMutationsTotal *prometheus.CounterVec
	SessionsExpiredTotal  prometheus.Counter
	IdempotencyHitsTotal  prometheus.Counter

	// Calculation service
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState prometheus.Gauge
	BackendRetriesTotal        *prometheus.CounterVec

	// Events
	EventsPublishedTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotedesk_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quotedesk_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quotedesk_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quotedesk_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		CalculationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotedesk_calculations_total",
			Help: "Total number of proposal calculations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		CalculationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quotedesk_calculation_duration_seconds",
			Help:    "Proposal calculation duration in seconds, remote calls included.",
			Buckets: backendDurationBuckets,
		}, []string{"kind"}),
		DraftStepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotedesk_draft_steps_total",
			Help: "Total number of granular premium steps run on vehicle drafts.",
		}, []string{"step", "outcome"}),
		SessionMutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotedesk_session_mutations_total",
			Help: "Total number of vehicle and adjustment mutations.",
		}, []string{"kind"}),
		SessionsExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotedesk_sessions_expired_total",
			Help: "Total number of quotation sessions removed by the expiry sweeper.",
		}),
		IdempotencyHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotedesk_idempotency_hits_total",
			Help: "Total number of calculations answered from the idempotency store.",
		}),

		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotedesk_backend_requests_total",
			Help: "Total number of calculation service requests.",
		}, []string{"operation", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quotedesk_backend_request_duration_seconds",
			Help:    "Calculation service request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"operation"}),
		BackendCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quotedesk_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotedesk_backend_retries_total",
			Help: "Total number of calculation service retries.",
		}, []string{"operation"}),

		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotedesk_events_published_total",
			Help: "Total number of session events published.",
		}, []string{"event", "outcome"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.CalculationsTotal,
		m.CalculationDuration,
		m.DraftStepsTotal,
		m.SessionMutationsTotal,
		m.SessionsExpiredTotal,
		m.IdempotencyHitsTotal,
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		m.EventsPublishedTotal,
	)

	return m
}

// --- Recording helpers ---
//
// Every helper is safe on a nil *Metrics so that packages can be built
// without metrics in tests.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordCalculation records a complete or aggregate calculation.
func (m *Metrics) RecordCalculation(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CalculationsTotal.WithLabelValues(kind, outcome).Inc()
	m.CalculationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordDraftStep records one granular step run.
func (m *Metrics) RecordDraftStep(step, outcome string) {
	if m == nil {
		return
	}
	m.DraftStepsTotal.WithLabelValues(step, outcome).Inc()
}

// RecordSessionMutation records a vehicle or adjustment change.
func (m *Metrics) RecordSessionMutation(kind string) {
	if m == nil {
		return
	}
	m.SessionMutationsTotal.WithLabelValues(kind).Inc()
}

// RecordSessionsExpired records sessions removed by the sweeper.
func (m *Metrics) RecordSessionsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsExpiredTotal.Add(float64(n))
}

// RecordIdempotencyHit records a calculation served from the idempotency store.
func (m *Metrics) RecordIdempotencyHit() {
	if m == nil {
		return
	}
	m.IdempotencyHitsTotal.Inc()
}

// RecordBackendRequest records a calculation service request. A status of 0
// means no response was received.
func (m *Metrics) RecordBackendRequest(operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the calculation service breaker state.
func (m *Metrics) SetBackendCircuitBreakerState(state float64) {
	if m == nil {
		return
	}
	m.BackendCircuitBreakerState.Set(state)
}

// RecordBackendRetry records a calculation service retry.
func (m *Metrics) RecordBackendRetry(operation string) {
	if m == nil {
		return
	}
	m.BackendRetriesTotal.WithLabelValues(operation).Inc()
}

// RecordEventPublished records a publish attempt for a session event.
func (m *Metrics) RecordEventPublished(event, outcome string) {
	if m == nil {
		return
	}
	m.EventsPublishedTotal.WithLabelValues(event, outcome).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware records request metrics labelled by chi's route pattern
// rather than the raw path, keeping proposal numbers out of label values.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern returns chi's matched route pattern, or the raw path.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
