package loadmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "loadmetrics_ticks_total",
		Help:      "Total number of load harvest passes by outcome.",
	}, []string{"status"})

	metricTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kite",
		Name:      "loadmetrics_tick_duration_seconds",
		Help:      "Time spent executing one load harvest pass.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	metricSubscriptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "loadmetrics_subscriptions_total",
		Help:      "Total number of harvested subscriptions by outcome.",
	}, []string{"status"})

	metricSamples = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "loadmetrics_samples_total",
		Help:      "Total number of load samples handed to the telemetry sink.",
	})

	metricRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kite",
		Name:      "loadmetrics_registered",
		Help:      "Number of registered metric subscriptions after the last pass.",
	})
)
