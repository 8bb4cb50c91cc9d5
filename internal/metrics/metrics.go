// Package metrics provides Prometheus instrumentation for the snapshot engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RebuildRunsTotal counts runner invocations.
	RebuildRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "folio_rebuild_runs_total",
		Help: "Total number of rebuild runner invocations",
	})

	// RebuildRunDuration tracks how long each runner invocation took.
	RebuildRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "folio_rebuild_run_duration_seconds",
		Help:    "Rebuild runner invocation duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SnapshotDaysProcessed counts snapshot days recomputed and checkpointed.
	SnapshotDaysProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "folio_snapshot_days_processed_total",
		Help: "Total snapshot days recomputed and checkpointed",
	})

	// RebuildDayFailures counts days whose recomputation failed. The failed
	// day stays dirty and is retried on a later run.
	RebuildDayFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "folio_rebuild_day_failures_total",
		Help: "Snapshot day recomputations that failed",
	})

	// DirtyMarksTotal counts successful dirty marks, partitioned by scope.
	DirtyMarksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "folio_dirty_marks_total",
		Help: "Total dirty-range marks recorded",
	}, []string{"scope"})

	// DirtyMarkFailures counts best-effort dirty marks that were lost.
	DirtyMarkFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "folio_dirty_mark_failures_total",
		Help: "Best-effort dirty marks that failed to persist",
	})

	// BootstrapTotal counts bootstrap attempts by outcome.
	BootstrapTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "folio_bootstrap_total",
		Help: "Snapshot bootstrap attempts by status",
	}, []string{"status"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "folio_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "folio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "folio_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 10.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for the path label: raw paths carry
		// transaction ids and would grow the label set unboundedly.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
