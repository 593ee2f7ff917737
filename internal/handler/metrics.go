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
	fedRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fed_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	fedRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fed_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	fedEnrollmentsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fed_enrollments_total",
		Help: "Enrollment records by status.",
	}, []string{"status"})

	fedEnrollmentSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fed_enrollment_submissions_total",
		Help: "Total enrollment submissions by result.",
	}, []string{"result"})

	fedCascadeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fed_activation_cascade_errors_total",
		Help: "Total non-fatal trust-cascade substep failures.",
	})

	fedBundlesServedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fed_policy_bundles_served_total",
		Help: "Total policy bundles served to spokes by result.",
	}, []string{"result"})

	fedConnectivityMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fed_connectivity_mode",
		Help: "Current connectivity mode (1 for the active mode, 0 otherwise).",
	}, []string{"mode"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		fedRequestsTotal.WithLabelValues(method, path, status).Inc()
		fedRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordEnrollmentSubmission records one enrollment submission outcome.
func RecordEnrollmentSubmission(success bool) {
	if success {
		fedEnrollmentSubmissionsTotal.WithLabelValues("success").Inc()
	} else {
		fedEnrollmentSubmissionsTotal.WithLabelValues("failure").Inc()
	}
}

// RecordCascadeErrors adds the count of swallowed cascade substep failures
// from one activation run.
func RecordCascadeErrors(n int) {
	fedCascadeErrorsTotal.Add(float64(n))
}

// RecordBundleServed records one policy bundle distribution attempt.
func RecordBundleServed(success bool) {
	if success {
		fedBundlesServedTotal.WithLabelValues("success").Inc()
	} else {
		fedBundlesServedTotal.WithLabelValues("failure").Inc()
	}
}

// SetEnrollmentsGauge sets the enrollment count gauge for a given status.
func SetEnrollmentsGauge(status string, count float64) {
	fedEnrollmentsTotal.WithLabelValues(status).Set(count)
}

// SetConnectivityMode marks the given mode as active on the mode gauge.
func SetConnectivityMode(mode string) {
	for _, m := range []string{"online", "degraded", "offline"} {
		v := 0.0
		if m == mode {
			v = 1.0
		}
		fedConnectivityMode.WithLabelValues(m).Set(v)
	}
}
