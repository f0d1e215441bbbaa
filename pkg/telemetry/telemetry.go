// Package telemetry carries the watchdog's outbound event stream:
// availability results of executed probes, harvested load metrics and
// health roll-ups. Events are fire-and-forget; a sink must never block an
// engine tick on a slow or broken backend.
package telemetry

import (
	"context"
	"time"

	"github.com/clusterkite/kite/pkg/platform"
)

// Event type tags stamped on every emitted record.
const (
	TypeAvailability = "availability"
	TypeMetric       = "metric"
	TypeHealth       = "health"
)

// Availability is the outcome of one executed health probe.
type Availability struct {
	Service    string        `json:"service"`
	Instance   string        `json:"instance"`
	Name       string        `json:"name"`
	CapturedAt time.Time     `json:"capturedAt"`
	Duration   time.Duration `json:"durationNanos"`
	Address    string        `json:"address,omitempty"`
	OK         bool          `json:"ok"`
}

// Metric is one harvested load sample. Role names the reporting entity
// (service or application URI); Instance the partition or replica it was
// observed on.
type Metric struct {
	Role     string  `json:"role"`
	Instance string  `json:"instance,omitempty"`
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
}

// Health is a health observation about a cluster entity or the watchdog
// itself.
type Health struct {
	Application string         `json:"application,omitempty"`
	Service     string         `json:"service,omitempty"`
	Instance    string         `json:"instance,omitempty"`
	Source      string         `json:"source"`
	Property    string         `json:"property"`
	State       platform.State `json:"state"`
	Description string         `json:"description,omitempty"`
}

// Sink receives telemetry events. Implementations must be safe for
// concurrent use and must not block on backend outages; dropping with a
// counter is the expected degradation.
type Sink interface {
	ReportAvailability(ctx context.Context, ev Availability) error
	ReportMetric(ctx context.Context, ev Metric) error
	ReportHealth(ctx context.Context, ev Health) error
	Close() error
}
