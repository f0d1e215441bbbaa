package selfreport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "selfreport_ticks_total",
		Help:      "Total number of self-report rounds by outcome.",
	}, []string{"status"})

	metricTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kite",
		Name:      "selfreport_tick_duration_seconds",
		Help:      "Time spent executing one self-report round.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	metricState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kite",
		Name:      "selfreport_state",
		Help:      "Current health verdict per component (1 ok, 2 warning, 3 error, 4 unknown).",
	}, []string{"component"})

	metricReportFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "selfreport_report_failures_total",
		Help:      "Total number of platform reports that could not be delivered.",
	})

	metricRollupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "selfreport_rollup_failures_total",
		Help:      "Total number of cluster health roll-ups that could not be obtained.",
	})
)
