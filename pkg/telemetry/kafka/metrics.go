package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricProduced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "telemetry_kafka_produced_total",
		Help:      "Total number of telemetry events delivered to Kafka.",
	}, []string{"type"})

	metricFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "telemetry_kafka_produce_failures_total",
		Help:      "Total number of telemetry events that failed delivery.",
	}, []string{"type"})

	metricDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "telemetry_kafka_dropped_total",
		Help:      "Total number of telemetry events dropped while the breaker was open.",
	}, []string{"type"})

	metricBreakerTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "telemetry_kafka_breaker_transitions_total",
		Help:      "Total number of circuit breaker state changes of the telemetry producer.",
	})
)
