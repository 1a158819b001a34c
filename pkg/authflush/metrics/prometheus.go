// Package metrics reports Prometheus telemetry for renewal and flush
// activity.
package metrics

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Reporter holds configuration for the Prometheus metrics implementation.
type Reporter struct {
	shouldReport bool
	serveOnPort  int
	logger       *zap.SugaredLogger
}

// defaultMetricsPort is the port the /metrics endpoint serves on when none
// is configured.
const defaultMetricsPort = 9090

var (
	defaultRenewalBucket = []float64{.005, .01, .025, .05, .1, .25, .5, 1.0, 2.5}
	defaultFlushBucket   = []float64{.05, .1, .25, .5, 1.0, 2.5, 5.0, 10.0}

	renewalLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "authflush_renewal_latency_seconds",
			Help:    "Time taken to complete one renewal task (authorize, cache write, publish).",
			Buckets: defaultRenewalBucket,
		},
		[]string{"serviceID", "outcome"},
	)

	flushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "authflush_flush_duration_seconds",
			Help:    "Time taken to complete one flush cycle.",
			Buckets: defaultFlushBucket,
		},
		[]string{"outcome"},
	)

	flushBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "authflush_flush_batch_size",
			Help:    "Number of report keys drained by a single flush cycle.",
			Buckets: []float64{0, 1, 10, 50, 100, 500, 1000, 5000},
		},
	)

	upstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authflush_upstream_errors_total",
			Help: "Count of upstream authorization failures by kind.",
		},
		[]string{"serviceID", "kind"},
	)

	dedupSkips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "authflush_dedup_skips_total",
			Help: "Count of renewal requests skipped because a matching request was already in flight.",
		},
	)
)

// NewReporter returns a Reporter; reportMetrics gates every method into a
// no-op when false, so callers can always construct and call a Reporter
// regardless of whether metrics collection is enabled.
func NewReporter(reportMetrics bool, serveOnPort int, logger *zap.SugaredLogger) *Reporter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Reporter{shouldReport: reportMetrics, serveOnPort: serveOnPort, logger: logger}
}

// ObserveRenewal records how long a renewal task took and its outcome
// ("allow", "deny", "error").
func (r *Reporter) ObserveRenewal(serviceID, outcome string, d time.Duration) {
	if r == nil || !r.shouldReport {
		return
	}
	renewalLatency.WithLabelValues(serviceID, outcome).Observe(d.Seconds())
}

// ObserveFlush records how long a flush cycle took and its outcome
// ("ok", "partial", "empty", "error") along with how many report keys it
// drained.
func (r *Reporter) ObserveFlush(outcome string, d time.Duration, drained int) {
	if r == nil || !r.shouldReport {
		return
	}
	flushDuration.WithLabelValues(outcome).Observe(d.Seconds())
	flushBatchSize.Observe(float64(drained))
}

// IncrementUpstreamErrors records an upstream authorization failure.
func (r *Reporter) IncrementUpstreamErrors(serviceID, kind string) {
	if r == nil || !r.shouldReport {
		return
	}
	upstreamErrors.WithLabelValues(serviceID, kind).Inc()
}

// IncrementDedupSkips records a renewal request that was deduplicated
// against an in-flight task for the same tuple.
func (r *Reporter) IncrementDedupSkips() {
	if r == nil || !r.shouldReport {
		return
	}
	dedupSkips.Inc()
}

// Serve starts an HTTP server and publishes metrics for scraping at the
// /metrics endpoint.
func (r *Reporter) Serve() error {
	if r.serveOnPort == 0 {
		r.serveOnPort = defaultMetricsPort
	}
	prometheus.MustRegister(renewalLatency, flushDuration, flushBatchSize, upstreamErrors, dedupSkips)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", r.serveOnPort))
	if err != nil {
		return fmt.Errorf("metrics: listening on port %d: %w", r.serveOnPort, err)
	}
	go func() {
		if err := http.Serve(listener, mux); err != nil {
			r.logger.Errorw("metrics server stopped", "error", err)
		}
	}()
	r.logger.Infow("serving metrics", "port", r.serveOnPort)
	return nil
}
