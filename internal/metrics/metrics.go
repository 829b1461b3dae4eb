// Package metrics provides the Prometheus collectors used by the polling
// controller and the development backend.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Poll outcomes recorded by PollsTotal.
const (
	OutcomePending   = "pending"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeError     = "error"
)

var (
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlassist_polls_total",
			Help: "Status polls issued by the question lifecycle controller",
		},
		[]string{"outcome"},
	)

	StaleResponsesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlassist_stale_responses_total",
			Help: "Responses discarded because their polling session was cancelled",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlassist_sessions_active",
			Help: "Polling sessions currently alive",
		},
	)

	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlassist_devserver_tasks_total",
			Help: "Tasks finished by the development backend",
		},
		[]string{"status"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlassist_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlassist_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and latency labelled by chi route pattern,
// so /result/{task_id} does not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
