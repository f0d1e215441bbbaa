package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "telemetry_events_total",
		Help:      "Total number of telemetry events handed to the active sink.",
	}, []string{"type"})

	metricDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "telemetry_dropped_total",
		Help:      "Total number of telemetry events dropped because no sink is enabled.",
	}, []string{"type"})
)
