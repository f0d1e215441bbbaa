package kitedb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "store_transactions_total",
		Help:      "Total number of finished store transactions by mode and outcome.",
	}, []string{"mode", "status"})

	metricOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kite",
		Name:      "store_operations_total",
		Help:      "Total number of map operations by map and operation.",
	}, []string{"map", "op"})

	metricRole = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kite",
		Name:      "store_role",
		Help:      "Replica role of the store. 0 none, 1 secondary, 2 primary.",
	})
)
