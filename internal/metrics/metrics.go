// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// SignInsTotal counts completed sign-in attempts by result
	// (success, denied, failed).
	SignInsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_sign_ins_total",
			Help: "Completed sign-in attempts by result.",
		},
		[]string{"result"},
	)

	// AccessDenialsTotal counts policy denials by reason code.
	AccessDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_access_denials_total",
			Help: "Access control denials by reason.",
		},
		[]string{"reason"},
	)

	// TokenRefreshesTotal counts refresh exchanges by result
	// (success, failure).
	TokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_refreshes_total",
			Help: "Access token refresh exchanges by result.",
		},
		[]string{"result"},
	)

	// GuardDecisionsTotal counts per-request guard outcomes
	// (allow, public, redirect_login, redirect_expired).
	GuardDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_guard_decisions_total",
			Help: "Route guard decisions by outcome.",
		},
		[]string{"outcome"},
	)

	// AuditEventsTotal counts audit entries by action.
	AuditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_total",
			Help: "Audit entries recorded by action.",
		},
		[]string{"action"},
	)

	// AuditWriteFailuresTotal counts swallowed durable-sink failures.
	AuditWriteFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_write_failures_total",
		Help: "Audit store writes that failed and were swallowed.",
	})
)

// Init registers all collectors with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		SignInsTotal, AccessDenialsTotal, TokenRefreshesTotal,
		GuardDecisionsTotal, AuditEventsTotal, AuditWriteFailuresTotal,
	)
}

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps a handler with request count/latency/in-flight
// collection.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
