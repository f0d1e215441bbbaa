// Package telemetrytest provides an in-memory Sink for engine tests.
package telemetrytest

import (
	"context"
	"sync"

	"github.com/clusterkite/kite/pkg/telemetry"
)

// Capture records every event it receives.
type Capture struct {
	mtx sync.Mutex

	availability []telemetry.Availability
	metrics      []telemetry.Metric
	health       []telemetry.Health

	err    error
	closed bool
}

var _ telemetry.Sink = (*Capture)(nil)

func New() *Capture {
	return &Capture{}
}

// FailWith makes every subsequent report return err. Pass nil to heal.
func (c *Capture) FailWith(err error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.err = err
}

func (c *Capture) ReportAvailability(_ context.Context, ev telemetry.Availability) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.err != nil {
		return c.err
	}
	c.availability = append(c.availability, ev)
	return nil
}

func (c *Capture) ReportMetric(_ context.Context, ev telemetry.Metric) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.err != nil {
		return c.err
	}
	c.metrics = append(c.metrics, ev)
	return nil
}

func (c *Capture) ReportHealth(_ context.Context, ev telemetry.Health) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.err != nil {
		return c.err
	}
	c.health = append(c.health, ev)
	return nil
}

func (c *Capture) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.closed = true
	return nil
}

// Availability returns a copy of the captured availability events.
func (c *Capture) Availability() []telemetry.Availability {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]telemetry.Availability(nil), c.availability...)
}

// Metrics returns a copy of the captured metric events.
func (c *Capture) Metrics() []telemetry.Metric {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]telemetry.Metric(nil), c.metrics...)
}

// Health returns a copy of the captured health events.
func (c *Capture) Health() []telemetry.Health {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]telemetry.Health(nil), c.health...)
}

// Closed reports whether Close was called.
func (c *Capture) Closed() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.closed
}
