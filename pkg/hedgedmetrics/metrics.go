// Package hedgedmetrics surfaces hedgedhttp roundtrip statistics as a
// prometheus counter.
package hedgedmetrics

import (
	"time"

	"github.com/cristalhq/hedgedhttp"
	"github.com/prometheus/client_golang/prometheus"
)

const hedgedMetricsPublishDuration = 10 * time.Second

// diffCounter translates an absolute, monotonically growing value into
// counter increments.
type diffCounter struct {
	previous int64
	counter  prometheus.Counter
}

func (d *diffCounter) addAbsoluteToCounter(value int64) {
	diff := float64(value - d.previous)
	if diff < 0 {
		diff = 0
	}
	d.counter.Add(diff)
	d.previous = value
}

// Publish flushes the stats' hedged-roundtrip count to the counter every 10
// seconds, for the life of the process.
func Publish(s *hedgedhttp.Stats, counter prometheus.Counter) {
	diff := &diffCounter{counter: counter}

	ticker := time.NewTicker(hedgedMetricsPublishDuration)
	go func() {
		for range ticker.C {
			snap := s.Snapshot()
			hedgedRequests := int64(snap.ActualRoundTrips) - int64(snap.RequestedRoundTrips)
			if hedgedRequests < 0 {
				hedgedRequests = 0
			}
			diff.addAbsoluteToCounter(hedgedRequests)
		}
	}()
}
