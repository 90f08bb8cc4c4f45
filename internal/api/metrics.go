package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keywarden_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "keywarden_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	secretsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keywarden_secrets_total",
		Help: "Total number of secrets.",
	})

	pendingRequestsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keywarden_pending_requests_total",
		Help: "Number of restricted-access requests currently pending.",
	})

	unwrapFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keywarden_unwrap_failures_total",
		Help: "Number of wrapped key components that failed to open.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, secretsTotal,
		pendingRequestsTotal, unwrapFailuresTotal)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// metricsMiddleware records request metrics.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		dur := time.Since(start).Seconds()
		status := strconv.Itoa(rr.statusCode)
		requestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		requestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(dur)
	})
}
