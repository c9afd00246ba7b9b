// Package obs exposes the tool's Prometheus metrics.
package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ltitool_http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ltitool_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// Launches counts resource link launches by outcome
	// (redirect, login_prompt or the failing error kind).
	Launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ltitool_launches_total",
			Help: "LTI resource link launches by outcome.",
		},
		[]string{"outcome"},
	)

	// ScorePushes counts AGS score submissions by level (course|problem|unit) and outcome.
	ScorePushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ltitool_ags_score_pushes_total",
			Help: "AGS score submissions by level and outcome.",
		},
		[]string{"level", "outcome"},
	)

	DeepLinkResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ltitool_deep_linking_responses_total",
			Help: "Signed deep linking responses by outcome.",
		},
		[]string{"outcome"},
	)

	TaskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ltitool_task_runs_total",
			Help: "Background task attempts by task name and outcome.",
		},
		[]string{"task", "outcome"},
	)
)

var once sync.Once

// Init registers every collector with the default registry.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestDuration, Launches, ScorePushes, DeepLinkResponses, TaskRuns)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records latency labelled by chi route pattern.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		httpRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(sw.code)).Observe(time.Since(start).Seconds())
	})
}

func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
