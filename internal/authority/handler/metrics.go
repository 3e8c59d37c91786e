package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	csrsAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nodetrust_csrs_accepted_total",
		Help: "Certificate requests signed by the authority.",
	})

	chainsServedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nodetrust_chains_served_total",
		Help: "Certificate chains returned to polling nodes.",
	})

	pollsNotReadyTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nodetrust_polls_not_ready_total",
		Help: "Polls answered before a chain existed.",
	})

	healthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodetrust_health_checks_total",
		Help: "Self-check results by check name and outcome.",
	}, []string{"check", "result"})

	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodetrust_rate_limited_total",
		Help: "Requests refused with 429 by limiter scope.",
	}, []string{"scope"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodetrust_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nodetrust_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// PrometheusMiddleware records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		requestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler serves the Prometheus registry.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func recordAccepted() { csrsAcceptedTotal.Inc() }
func recordServed()   { chainsServedTotal.Inc() }
func recordNotReady() { pollsNotReadyTotal.Inc() }

func recordRateLimited(scope string) { rateLimitedTotal.WithLabelValues(scope).Inc() }

// RecordHealthCheck counts one self-check outcome. It matches
// health.MetricsRecordFunc.
func RecordHealthCheck(check string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	healthChecksTotal.WithLabelValues(check, result).Inc()
}
