package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/witnz/proofchain/internal/ledger"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proofchain_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proofchain_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	proofsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proofchain_proofs_created_total",
		Help: "Total proofs committed to the chain.",
	})

	proofsVerifiedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proofchain_proofs_verified_total",
		Help: "Total successful proof verifications.",
	})

	verificationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proofchain_verification_failures_total",
		Help: "Total failed verifications by error code.",
	}, []string{"code"})

	submissionRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proofchain_submission_rejections_total",
		Help: "Total rejected submissions by error code.",
	}, []string{"code"})

	chainLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proofchain_chain_length",
		Help: "Proofs reported by the store at the last status read.",
	})
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
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

type metricsSink struct{}

// MetricsSink counts ledger events.
func MetricsSink() ledger.EventSink {
	return metricsSink{}
}

func (metricsSink) Emit(event ledger.Event) {
	switch event.Type {
	case ledger.EventProofCreated:
		proofsCreatedTotal.Inc()
	case ledger.EventProofVerified:
		proofsVerifiedTotal.Inc()
	}
}

func recordVerificationFailure(code string) {
	if code == "" {
		code = "internal"
	}
	verificationFailuresTotal.WithLabelValues(code).Inc()
}

func recordSubmissionRejection(code string) {
	if code == "" {
		code = "internal"
	}
	submissionRejectionsTotal.WithLabelValues(code).Inc()
}
