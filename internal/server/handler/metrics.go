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
	fcTransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freshchain_transactions_total",
		Help: "Total record operations by transaction kind and outcome.",
	}, []string{"kind", "outcome"})

	fcRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freshchain_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	fcRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "freshchain_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	fcKeyRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "freshchain_key_rotations_total",
		Help: "Total signing key rotations.",
	})

	fcChainUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "freshchain_chain_up",
		Help: "Whether the last probe of the upstream chain node succeeded.",
	})

	fcChainProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freshchain_chain_probes_total",
		Help: "Total upstream chain probes by outcome.",
	}, []string{"outcome"})
)

// RecordTransactionOutcome feeds the per-kind transaction counter. Wire it
// into the ledger service via SetRecordOutcome.
func RecordTransactionOutcome(kind, outcome string) {
	fcTransactionsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordKeyRotation feeds the rotation counter. Wire it into the ledger
// service via SetRotationRecord.
func RecordKeyRotation() {
	fcKeyRotationsTotal.Inc()
}

// RecordChainProbe feeds the upstream connectivity gauge and probe counter.
// Wire it into the health checker via SetMetricsRecord.
func RecordChainProbe(success bool) {
	if success {
		fcChainUp.Set(1)
		fcChainProbesTotal.WithLabelValues("success").Inc()
		return
	}
	fcChainUp.Set(0)
	fcChainProbesTotal.WithLabelValues("failure").Inc()
}

// PrometheusMiddleware returns a Gin middleware that records per-request
// metrics.
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

		fcRequestsTotal.WithLabelValues(method, path, status).Inc()
		fcRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
