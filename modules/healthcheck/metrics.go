package healthcheck

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "healthcheck_ticks_total",
		Help:      "Total number of health check passes by outcome.",
	}, []string{"status"})

	metricTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kite",
		Name:      "healthcheck_tick_duration_seconds",
		Help:      "Time spent executing one health check pass.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	metricProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "healthcheck_probes_total",
		Help:      "Total number of executed probes by verdict.",
	}, []string{"verdict"})

	metricRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kite",
		Name:      "healthcheck_registered",
		Help:      "Number of registered health checks after the last pass.",
	})

	metricRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "healthcheck_removed_total",
		Help:      "Total number of health checks or schedule entries dropped without being asked.",
	}, []string{"reason"})

	metricCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "healthcheck_schedule_collisions_total",
		Help:      "Total number of schedule slots that were already taken.",
	})

	metricReportFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "healthcheck_report_failures_total",
		Help:      "Total number of health reports the platform did not accept.",
	})
)
