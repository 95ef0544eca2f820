// Package metrics exposes Prometheus instrumentation for the watcher and the
// HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dhcgn/espwatch/model"
	"github.com/dhcgn/espwatch/stats"
)

const namespace = "espwatch"

var (
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "cycles_total",
			Help:      "Polling cycles by outcome",
		},
		[]string{"outcome"},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a polling cycle from connect to close",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "messages_total",
			Help:      "Messages handled by result",
		},
		[]string{"result"},
	)

	StoredByProvider = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "stored_by_provider_total",
			Help:      "Stored records by classified provider",
		},
		[]string{"esp"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)
)

// ObserveCycle records the outcome and duration of one polling cycle.
func ObserveCycle(o model.Outcome, took time.Duration) {
	CyclesTotal.WithLabelValues(o.Kind.String()).Inc()
	CycleDuration.Observe(took.Seconds())
}

// ObserveEvent maps a per-message watcher event onto the message counters.
// Cycle level events are ignored; ObserveCycle covers them.
func ObserveEvent(evt stats.Event) {
	switch evt.Type {
	case stats.EventTypeFetched, stats.EventTypeDuplicate, stats.EventTypeParseFailed, stats.EventTypeAckFailed:
		MessagesTotal.WithLabelValues(string(evt.Type)).Inc()
	case stats.EventTypeStored:
		MessagesTotal.WithLabelValues(string(evt.Type)).Inc()
		if evt.ESP != "" {
			StoredByProvider.WithLabelValues(evt.ESP).Inc()
		}
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

func Handler() http.Handler {
	return promhttp.Handler()
}
