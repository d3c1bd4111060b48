// Package metrics holds the Prometheus collectors shared by the pipeline packages.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediscan_job_transitions_total",
			Help: "Job state transitions by target status.",
		},
		[]string{"status"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediscan_dispatch_duration_seconds",
			Help:    "Latency of signed dispatch requests to the analysis worker.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"mode", "outcome"},
	)

	CallbackOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediscan_callback_outcomes_total",
			Help: "Worker callbacks by outcome.",
		},
		[]string{"outcome"},
	)

	AuditWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediscan_audit_writes_total",
			Help: "Audit ledger writes by result.",
		},
		[]string{"result"},
	)

	AuditAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediscan_audit_alerts_total",
			Help: "Threshold alerts raised from audit events.",
		},
		[]string{"action"},
	)

	ResultsCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediscan_results_cache_total",
			Help: "Completed-result cache lookups by outcome.",
		},
		[]string{"outcome"},
	)

	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediscan_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediscan_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// WithHTTPMetrics records request counts and latency. Path IDs are collapsed
// to keep label cardinality bounded.
func WithHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := Route(r.URL.Path)
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Route replaces the identifier segment of known API paths with {id}.
func Route(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "api" && (parts[1] == "jobs" || parts[1] == "documents") {
		parts[2] = "{id}"
	}
	return "/" + strings.Join(parts, "/")
}
