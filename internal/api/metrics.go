package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimitRejected *prometheus.CounterVec
	avatarsWritten    *prometheus.CounterVec
	uploadsCommitted  prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avatarflow_api_requests_total",
			Help: "Total HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "avatarflow_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avatarflow_api_rate_limit_rejections_total",
			Help: "Total API requests rejected by rate limiting.",
		}, []string{"route"}),
		avatarsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avatarflow_api_avatars_written_total",
			Help: "Avatars stored through direct uploads, by source format.",
		}, []string{"source_format"}),
		uploadsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avatarflow_api_uploads_committed_total",
			Help: "Presigned uploads committed to the processing queue.",
		}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.rateLimitRejected,
		m.avatarsWritten,
		m.uploadsCommitted,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeLabel(r.URL.Path)
		status := statusLabel(recorder.status)

		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func statusLabel(status int) string {
	return strconv.Itoa(status)
}

// routeLabel maps a request path to its route pattern so user ids never
// become label values.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 4 && parts[0] == "v1" && parts[1] == "users" && parts[3] == "avatar" {
		switch len(parts) {
		case 4:
			return "/v1/users/{userID}/avatar"
		case 5:
			if parts[4] == "uploads" {
				return "/v1/users/{userID}/avatar/uploads"
			}
		case 6:
			if parts[4] == "uploads" {
				return "/v1/users/{userID}/avatar/uploads/{uploadID}"
			}
		case 7:
			if parts[4] == "uploads" && parts[6] == "commit" {
				return "/v1/users/{userID}/avatar/uploads/{uploadID}/commit"
			}
		}
		return "unmatched"
	}

	switch path {
	case "/healthz", "/metrics":
		return path
	default:
		return "unmatched"
	}
}

// userIDFromPath returns the {userID} segment of avatar routes.
func userIDFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 4 && parts[0] == "v1" && parts[1] == "users" {
		return strings.ToLower(parts[2])
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
