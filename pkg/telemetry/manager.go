package telemetry

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// BuilderFunc constructs the sink for a telemetry key. It is called once
// per key change, never concurrently.
type BuilderFunc func(key string) (Sink, error)

// Manager is the Sink handed to the engines. It routes events to the sink
// built for the currently configured key and swaps sinks without stopping
// traffic when the key changes at runtime. An empty key disables emission;
// events are then counted as dropped, not errors.
type Manager struct {
	logger log.Logger
	build  BuilderFunc

	mtx     sync.Mutex // serializes SetKey and Close
	current atomic.Pointer[keyedSink]
	closed  bool
}

type keyedSink struct {
	key  string
	sink Sink // nil when disabled
}

var _ Sink = (*Manager)(nil)

// NewManager returns a disabled manager. Call SetKey to enable emission.
func NewManager(build BuilderFunc, logger log.Logger) *Manager {
	m := &Manager{logger: logger, build: build}
	m.current.Store(&keyedSink{})
	return m
}

// SetKey reconfigures the manager for a new telemetry key. On builder
// failure the previous sink keeps serving and the error is returned.
func (m *Manager) SetKey(key string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.closed {
		return nil
	}
	prev := m.current.Load()
	if prev.key == key {
		return nil
	}

	next := &keyedSink{key: key}
	if key != "" {
		sink, err := m.build(key)
		if err != nil {
			return err
		}
		next.sink = sink
	}

	m.current.Store(next)
	level.Info(m.logger).Log("msg", "telemetry sink swapped", "enabled", next.sink != nil)

	if prev.sink != nil {
		if err := prev.sink.Close(); err != nil {
			level.Warn(m.logger).Log("msg", "failed to close previous telemetry sink", "err", err)
		}
	}
	return nil
}

func (m *Manager) ReportAvailability(ctx context.Context, ev Availability) error {
	s := m.sink(TypeAvailability)
	if s == nil {
		return nil
	}
	return s.ReportAvailability(ctx, ev)
}

func (m *Manager) ReportMetric(ctx context.Context, ev Metric) error {
	s := m.sink(TypeMetric)
	if s == nil {
		return nil
	}
	return s.ReportMetric(ctx, ev)
}

func (m *Manager) ReportHealth(ctx context.Context, ev Health) error {
	s := m.sink(TypeHealth)
	if s == nil {
		return nil
	}
	return s.ReportHealth(ctx, ev)
}

// Close shuts the active sink down. The manager drops everything after.
func (m *Manager) Close() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	cur := m.current.Load()
	m.current.Store(&keyedSink{})
	if cur.sink == nil {
		return nil
	}
	return cur.sink.Close()
}

func (m *Manager) sink(eventType string) Sink {
	cur := m.current.Load()
	if cur.sink == nil {
		metricDropped.WithLabelValues(eventType).Inc()
		return nil
	}
	metricEvents.WithLabelValues(eventType).Inc()
	return cur.sink
}
