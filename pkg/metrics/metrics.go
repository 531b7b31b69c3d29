// Package metrics exposes Prometheus metrics for the Salesforce tap.
//
// All metrics are registered on the default registry through promauto, so
// Handler serves them without further wiring.
//
//	metrics.APIRequests.WithLabelValues("query", "200").Inc()
//	metrics.RecordsEmitted.WithLabelValues("Account").Inc()
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// APIRequests counts Salesforce API calls.
	// Labels: endpoint (query, bulk, limits, describe, login), status (HTTP code or "error")
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_salesforce_api_requests_total",
			Help: "Total number of Salesforce API requests",
		},
		[]string{"endpoint", "status"},
	)

	// APILatency tracks API call latency in seconds.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tap_salesforce_api_latency_seconds",
			Help:    "Salesforce API request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"endpoint"},
	)

	// RecordsEmitted counts RECORD messages per stream.
	RecordsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_salesforce_records_emitted_total",
			Help: "Total number of records emitted",
		},
		[]string{"stream"},
	)

	// QuotaUsedPercent is the last observed quota usage.
	// Labels: scope (total, per_run)
	QuotaUsedPercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tap_salesforce_quota_used_percent",
			Help: "Percentage of the daily API allotment in use",
		},
		[]string{"scope"},
	)

	// BulkBatches counts bulk batches by terminal state.
	BulkBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_salesforce_bulk_batches_total",
			Help: "Bulk API batches by terminal state",
		},
		[]string{"state"},
	)

	// WindowSplits counts date-window splits after query timeouts.
	WindowSplits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_salesforce_window_splits_total",
			Help: "Date windows split after a query timeout",
		},
		[]string{"stream"},
	)

	// StreamsSkipped counts streams skipped after a stream-local failure.
	StreamsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_salesforce_streams_skipped_total",
			Help: "Streams skipped after a stream-local failure",
		},
		[]string{"stream"},
	)
)

// Timer measures an operation's duration.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveAPI records the elapsed time for endpoint in APILatency.
func (t *Timer) ObserveAPI(endpoint string) time.Duration {
	d := time.Since(t.start)
	APILatency.WithLabelValues(endpoint).Observe(d.Seconds())
	return d
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
}
