// Package selfreport closes the loop on the watchdog itself: it folds the
// engines' verdicts into one composite state, reports it to the platform
// under the watchdog's own partition, publishes the watchdog's load and
// forwards the cluster-wide health roll-up to telemetry. A watchdog that
// stops reporting surfaces as expired health on the platform side, so the
// reports carry a TTL slightly above the report interval.
package selfreport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/clusterkite/kite/kitedb"
	"github.com/clusterkite/kite/modules/settings"
	"github.com/clusterkite/kite/pkg/platform"
	"github.com/clusterkite/kite/pkg/telemetry"
)

var tracer = otel.Tracer("modules/selfreport")

const (
	sourceID = "KiteWatchdog"

	propServiceHealth = "WatchdogServiceHealth"
	propProbeOps      = "HealthCheckOperations"
	propMetricOps     = "MetricOperations"
	propCleanupOps    = "CleanupOperations"

	propClusterHealth     = "ClusterHealth"
	propApplicationHealth = "ApplicationHealth"
	propNodeHealth        = "NodeHealth"

	// fallbackInterval drives the loop when the settings carry no usable
	// report interval.
	fallbackInterval = 30 * time.Second

	// ttlGrace pads the report TTL past the interval so one delayed round
	// does not expire the previous report.
	ttlGrace = 30 * time.Second

	// rollupTimeout bounds the cluster health query; the roll-up is
	// best-effort and must not eat the whole round.
	rollupTimeout = 4 * time.Second
)

type condition struct {
	state  platform.State
	detail string
}

// HealthSource is the self-health surface every engine exposes.
type HealthSource interface {
	Health() (platform.State, string)
}

// ProbeSource is the probe engine's contribution to the self-report.
type ProbeSource interface {
	HealthSource
	CheckCount() int64
}

// LoadSource is the load harvest engine's contribution to the self-report.
type LoadSource interface {
	HealthSource
	ObservedCount() int64
}

// Sources are the component verdicts folded into every self-report.
type Sources struct {
	Probes ProbeSource
	Loads  LoadSource
	Sweeps HealthSource
}

// Identity is the watchdog's own slot in the cluster: the service URI it
// runs as and the partition it reports health onto.
type Identity struct {
	ServiceName string    `yaml:"service_name"`
	Partition   uuid.UUID `yaml:"partition"`
}

// UnmarshalYAML accepts the partition in its canonical string form.
func (i *Identity) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		ServiceName string `yaml:"service_name"`
		Partition   string `yaml:"partition"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	i.ServiceName = raw.ServiceName
	i.Partition = uuid.Nil
	if raw.Partition != "" {
		id, err := uuid.Parse(raw.Partition)
		if err != nil {
			return errors.Wrap(err, "parsing partition id")
		}
		i.Partition = id
	}
	return nil
}

func (i Identity) MarshalYAML() (interface{}, error) {
	out := struct {
		ServiceName string `yaml:"service_name"`
		Partition   string `yaml:"partition,omitempty"`
	}{ServiceName: i.ServiceName}
	if i.Partition != uuid.Nil {
		out.Partition = i.Partition.String()
	}
	return out, nil
}

// Reporter runs the periodic self-report rounds.
type Reporter struct {
	services.Service

	cfg      Config
	identity Identity
	store    *kitedb.Store
	cluster  platform.Client
	sink     telemetry.Sink
	settings settings.Provider
	sources  Sources
	logger   log.Logger

	probeRegistered atomic.Bool
	cond            atomic.Pointer[condition]
}

func New(cfg Config, identity Identity, store *kitedb.Store, cluster platform.Client, sink telemetry.Sink, sets settings.Provider, sources Sources, logger log.Logger) *Reporter {
	r := &Reporter{
		cfg:      cfg,
		identity: identity,
		store:    store,
		cluster:  cluster,
		sink:     sink,
		settings: sets,
		sources:  sources,
		logger:   log.With(logger, "module", "selfreport"),
	}
	r.cond.Store(&condition{state: platform.StateUnknown, detail: "no report sent yet"})
	r.Service = services.NewBasicService(nil, r.running, nil)
	return r
}

func (r *Reporter) running(ctx context.Context) error {
	interval := r.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, interval+r.cfg.TickGrace)
			_ = r.Tick(tickCtx)
			cancel()
		}

		if next := r.interval(); next != interval {
			ticker.Reset(next)
			interval = next
			level.Info(r.logger).Log("msg", "report interval changed", "interval", interval)
		}
	}
}

func (r *Reporter) interval() time.Duration {
	if d := r.settings.Current().HealthReportInterval; d > 0 {
		return d
	}
	return fallbackInterval
}

// MarkProbeRegistered records whether the watchdog's own health probe made
// it into the probe engine. Until it does, the composite state carries a
// warning: an unmonitored watchdog is itself a finding.
func (r *Reporter) MarkProbeRegistered(ok bool) {
	r.probeRegistered.Store(ok)
}

// Health returns the composite verdict of the last round.
func (r *Reporter) Health() (platform.State, string) {
	c := r.cond.Load()
	return c.state, c.detail
}

// Tick runs one self-report round. The composite state is computed on
// every replica; only the primary reports to the platform.
func (r *Reporter) Tick(ctx context.Context) error {
	snap := r.observe()
	r.cond.Store(&snap.composite)

	if r.store.WriteStatus() != kitedb.AccessGranted {
		metricTicks.WithLabelValues("skipped").Inc()
		return nil
	}

	ctx, span := tracer.Start(ctx, "selfreport.Tick")
	defer span.End()

	start := time.Now()
	err := r.report(ctx, snap)
	metricTickDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metricTicks.WithLabelValues("error").Inc()
		level.Warn(r.logger).Log("msg", "self-report round incomplete", "err", err)
		return err
	}
	metricTicks.WithLabelValues("ok").Inc()
	return nil
}

type snapshot struct {
	composite condition
	probes    condition
	loads     condition
	sweeps    condition
}

// observe folds the component verdicts into the composite state.
// Engine verdicts merge monotonically; a store anomaly and a missing
// self-probe degrade to warning.
func (r *Reporter) observe() snapshot {
	snap := snapshot{
		probes: conditionOf(r.sources.Probes, "health check engine missing"),
		loads:  conditionOf(r.sources.Loads, "load metrics engine missing"),
		sweeps: conditionOf(r.sources.Sweeps, "cleanup engine missing"),
	}

	state := platform.StateOk
	var lines []string
	for _, part := range []struct {
		name string
		c    condition
	}{
		{"health checks", snap.probes},
		{"load metrics", snap.loads},
		{"cleanup", snap.sweeps},
	} {
		state = platform.Merge(state, part.c.state)
		if part.c.state > platform.StateOk && part.c.state <= platform.StateError && part.c.detail != "" {
			lines = append(lines, part.name+": "+part.c.detail)
		}
	}

	if role := r.store.Role(); role == kitedb.RoleNone {
		state = platform.Merge(state, platform.StateWarning)
		lines = append(lines, "store: no replica role granted")
	} else if role == kitedb.RolePrimary && r.store.WriteStatus() != kitedb.AccessGranted {
		state = platform.Merge(state, platform.StateWarning)
		lines = append(lines, "store: primary without write access")
	}

	if !r.probeRegistered.Load() {
		state = platform.Merge(state, platform.StateWarning)
		lines = append(lines, "own health probe not registered")
	}

	detail := "all components healthy"
	if len(lines) > 0 {
		detail = strings.Join(lines, "; ")
	}
	snap.composite = condition{state: state, detail: detail}

	metricState.WithLabelValues("composite").Set(float64(snap.composite.state))
	metricState.WithLabelValues("healthcheck").Set(float64(snap.probes.state))
	metricState.WithLabelValues("loadmetrics").Set(float64(snap.loads.state))
	metricState.WithLabelValues("cleanup").Set(float64(snap.sweeps.state))
	return snap
}

func conditionOf(src HealthSource, missing string) condition {
	if src == nil {
		return condition{state: platform.StateError, detail: missing}
	}
	state, detail := src.Health()
	return condition{state: state, detail: detail}
}

func (r *Reporter) report(ctx context.Context, snap snapshot) error {
	if r.identity.Partition == uuid.Nil {
		level.Debug(r.logger).Log("msg", "self identity not configured, skipping platform reports")
		return nil
	}

	ttl := r.interval() + ttlGrace

	var errs error
	for _, rep := range []platform.Report{
		{SourceID: sourceID, Property: propServiceHealth, State: snap.composite.state, Description: snap.composite.detail, TTL: ttl},
		{SourceID: sourceID, Property: propProbeOps, State: snap.probes.state, Description: snap.probes.detail, TTL: ttl},
		{SourceID: sourceID, Property: propMetricOps, State: snap.loads.state, Description: snap.loads.detail, TTL: ttl},
		{SourceID: sourceID, Property: propCleanupOps, State: snap.sweeps.state, Description: snap.sweeps.detail, TTL: ttl},
	} {
		if err := r.cluster.ReportPartitionHealth(ctx, r.identity.Partition, rep); err != nil {
			metricReportFailures.Inc()
			errs = multierr.Append(errs, errors.Wrapf(err, "reporting %s", rep.Property))
		}
	}

	errs = multierr.Append(errs, r.reportLoad(ctx))
	r.rollup(ctx)
	return errs
}

// reportLoad publishes the watchdog's own load values to the platform's
// balancer and mirrors them to telemetry.
func (r *Reporter) reportLoad(ctx context.Context) error {
	if r.sources.Probes == nil || r.sources.Loads == nil {
		return nil
	}

	values := []platform.LoadValue{
		{Name: "ObservedMetricCount", Value: float64(r.sources.Loads.ObservedCount())},
		{Name: "HealthCheckCount", Value: float64(r.sources.Probes.CheckCount())},
	}
	if err := r.cluster.ReportLoad(ctx, r.identity.Partition, values); err != nil {
		metricReportFailures.Inc()
		return errors.Wrap(err, "reporting own load")
	}

	for _, v := range values {
		ev := telemetry.Metric{
			Role:     r.identity.ServiceName,
			Instance: r.identity.Partition.String(),
			Name:     v.Name,
			Value:    v.Value,
		}
		if err := r.sink.ReportMetric(ctx, ev); err != nil {
			level.Debug(r.logger).Log("msg", "metric event dropped", "err", err)
		}
	}
	return nil
}

// rollup forwards the cluster-wide verdict to telemetry: the aggregate
// state plus one event per application and node that is not healthy.
// Failures skip the round; the next tick tries again.
func (r *Reporter) rollup(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, rollupTimeout)
	defer cancel()

	ch, err := r.cluster.ClusterHealth(ctx)
	if err != nil {
		metricRollupFailures.Inc()
		level.Warn(r.logger).Log("msg", "cluster health unavailable", "err", err)
		return
	}

	events := []telemetry.Health{{
		Source:      sourceID,
		Property:    propClusterHealth,
		State:       ch.State,
		Description: fmt.Sprintf("%d applications, %d nodes evaluated", len(ch.Applications), len(ch.Nodes)),
	}}
	for _, app := range ch.Applications {
		if app.State == platform.StateOk {
			continue
		}
		events = append(events, telemetry.Health{
			Application: app.Name,
			Source:      sourceID,
			Property:    propApplicationHealth,
			State:       app.State,
		})
	}
	for _, node := range ch.Nodes {
		if node.State == platform.StateOk {
			continue
		}
		events = append(events, telemetry.Health{
			Instance: node.Name,
			Source:   sourceID,
			Property: propNodeHealth,
			State:    node.State,
		})
	}

	for _, ev := range events {
		if err := r.sink.ReportHealth(ctx, ev); err != nil {
			level.Debug(r.logger).Log("msg", "health event dropped", "err", err)
		}
	}
}
