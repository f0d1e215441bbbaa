package cleanup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "cleanup_ticks_total",
		Help:      "Total number of cleanup passes by outcome.",
	}, []string{"status"})

	metricTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kite",
		Name:      "cleanup_tick_duration_seconds",
		Help:      "Time spent executing one cleanup pass.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	metricRowsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "cleanup_rows_observed_total",
		Help:      "Total number of expired rows returned by listings.",
	}, []string{"table"})

	metricRowsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "cleanup_rows_deleted_total",
		Help:      "Total number of rows removed.",
	}, []string{"table"})

	metricBatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "cleanup_batch_failures_total",
		Help:      "Total number of delete batches abandoned after retries.",
	}, []string{"table"})
)
