// Package loadmetrics harvests load metrics for registered subscriptions.
// Subscriptions live in the replicated store; each pass snapshots them,
// pulls the matching load reports from the platform and hands the samples
// to the telemetry sink. Harvesting writes nothing back.
package loadmetrics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"go.opentelemetry.io/otel"
	"go.uber.org/atomic"

	"github.com/clusterkite/kite/kitedb"
	"github.com/clusterkite/kite/modules/settings"
	"github.com/clusterkite/kite/pkg/api"
	"github.com/clusterkite/kite/pkg/platform"
	"github.com/clusterkite/kite/pkg/telemetry"
)

var tracer = otel.Tracer("modules/loadmetrics")

const (
	mapChecks = "metric_checks"

	// pullAttempts is the retry budget of every platform call made while
	// harvesting one subscription.
	pullAttempts = 5
)

type condition struct {
	state  platform.State
	detail string
}

// Engine owns the subscription map and runs the harvest passes.
type Engine struct {
	services.Service

	cfg      Config
	store    *kitedb.Store
	cluster  platform.Client
	sink     telemetry.Sink
	settings settings.Provider
	logger   log.Logger

	mapsMtx sync.Mutex
	mc      *kitedb.StringMap[MetricCheck]

	cond     atomic.Pointer[condition]
	observed atomic.Int64
}

func New(cfg Config, store *kitedb.Store, cluster platform.Client, sink telemetry.Sink, sets settings.Provider, logger log.Logger) *Engine {
	e := &Engine{
		cfg:      cfg,
		store:    store,
		cluster:  cluster,
		sink:     sink,
		settings: sets,
		logger:   log.With(logger, "module", "loadmetrics"),
	}
	e.cond.Store(&condition{state: platform.StateUnknown, detail: "no pass completed yet"})
	e.Service = services.NewBasicService(nil, e.running, nil)
	return e
}

func (e *Engine) running(ctx context.Context) error {
	interval := e.settings.Current().MetricInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, interval+e.cfg.TickGrace)
			_ = e.Tick(tickCtx)
			cancel()
		}

		if next := e.settings.Current().MetricInterval; next != interval && next > 0 {
			ticker.Reset(next)
			interval = next
			level.Info(e.logger).Log("msg", "load harvest interval changed", "interval", interval)
		}
	}
}

// Health returns the engine's verdict about itself, folded into the
// watchdog's self-report.
func (e *Engine) Health() (platform.State, string) {
	c := e.cond.Load()
	return c.state, c.detail
}

// ObservedCount returns the total number of samples handed to the sink.
func (e *Engine) ObservedCount() int64 {
	return e.observed.Load()
}

// Tick runs one harvest pass over a snapshot of the subscriptions.
// Replicas without write access skip the pass so only the primary reports.
func (e *Engine) Tick(ctx context.Context) error {
	if e.store.ReadStatus() != kitedb.AccessGranted || e.store.WriteStatus() != kitedb.AccessGranted {
		metricTicks.WithLabelValues("skipped").Inc()
		return nil
	}

	ctx, span := tracer.Start(ctx, "loadmetrics.Tick")
	defer span.End()

	start := time.Now()
	err := e.pass(ctx)
	metricTickDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metricTicks.WithLabelValues("ok").Inc()
		e.cond.Store(&condition{state: platform.StateOk})
	case errors.Is(err, kitedb.ErrNotPrimary):
		metricTicks.WithLabelValues("skipped").Inc()
		level.Debug(e.logger).Log("msg", "harvest pass abandoned", "err", err)
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), kitedb.IsTransient(err):
		metricTicks.WithLabelValues("error").Inc()
		e.cond.Store(&condition{state: platform.StateWarning, detail: err.Error()})
		level.Warn(e.logger).Log("msg", "harvest pass incomplete", "err", err)
	default:
		metricTicks.WithLabelValues("error").Inc()
		e.cond.Store(&condition{state: platform.StateError, detail: err.Error()})
		level.Error(e.logger).Log("msg", "harvest pass failed", "err", err)
	}
	return err
}

func (e *Engine) pass(ctx context.Context) error {
	subs, err := e.snapshot(ctx)
	if err != nil {
		return err
	}
	metricRegistered.Set(float64(len(subs)))

	for i := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.harvest(ctx, &subs[i])
	}
	return nil
}

func (e *Engine) snapshot(ctx context.Context) ([]MetricCheck, error) {
	m, err := e.maps(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := e.store.Begin(ctx, kitedb.ReadOnly)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var out []MetricCheck
	err = m.RangeAll(ctx, tx, func(_ string, mc MetricCheck) (bool, error) {
		out = append(out, mc)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// harvest pulls one subscription. Sub-level failures never abort the pass:
// a gone target counts as failed, a spent retry budget keeps whatever was
// already emitted.
func (e *Engine) harvest(ctx context.Context, mc *MetricCheck) {
	var err error
	switch {
	case mc.Partition != uuid.Nil:
		err = e.pullPartition(ctx, mc)
	case mc.Service != "":
		err = e.pullService(ctx, mc)
	default:
		err = e.pullApplication(ctx, mc)
	}

	switch {
	case err == nil:
		metricSubscriptions.WithLabelValues("ok").Inc()
	case errors.Is(err, platform.ErrTargetGone):
		metricSubscriptions.WithLabelValues("failed").Inc()
		level.Warn(e.logger).Log("msg", "subscription target not found", "key", mc.Key(), "err", err)
	default:
		metricSubscriptions.WithLabelValues("abandoned").Inc()
		level.Debug(e.logger).Log("msg", "subscription harvest gave up", "key", mc.Key(), "err", err)
	}
}

// pullPartition reports everything the pinned partition's primary
// publishes; the subscription itself selects the partition, not the names.
func (e *Engine) pullPartition(ctx context.Context, mc *MetricCheck) error {
	rep, err := fetch(ctx, e.cluster, func() (platform.LoadReport, error) {
		return e.cluster.PartitionLoad(ctx, mc.Partition)
	})
	if err != nil {
		return err
	}
	for _, v := range rep.Values {
		e.emit(ctx, telemetry.Metric{Role: mc.Service, Instance: mc.Partition.String(), Name: v.Name, Value: v.Value})
	}
	return nil
}

func (e *Engine) pullService(ctx context.Context, mc *MetricCheck) error {
	names := mc.nameSet()

	token := ""
	for {
		page, err := fetch(ctx, e.cluster, func() (platform.PartitionPage, error) {
			return e.cluster.Partitions(ctx, mc.Service, token)
		})
		if err != nil {
			return err
		}
		for i := range page.Items {
			if page.Items[i].Status != platform.PartitionReady {
				continue
			}
			if err := e.pullReplicas(ctx, mc, page.Items[i].ID, names); err != nil {
				return err
			}
		}
		if page.ContinuationToken == "" {
			return nil
		}
		token = page.ContinuationToken
	}
}

func (e *Engine) pullReplicas(ctx context.Context, mc *MetricCheck, id uuid.UUID, names map[string]struct{}) error {
	token := ""
	for {
		page, err := fetch(ctx, e.cluster, func() (platform.ReplicaPage, error) {
			return e.cluster.Replicas(ctx, id, token)
		})
		if err != nil {
			return err
		}
		for _, r := range page.Items {
			if r.Status != platform.ReplicaReady {
				continue
			}
			rep, err := fetch(ctx, e.cluster, func() (platform.LoadReport, error) {
				return e.cluster.ReplicaLoad(ctx, id, r.ID)
			})
			if err != nil {
				return err
			}
			for _, v := range rep.Values {
				if _, ok := names[v.Name]; !ok {
					continue
				}
				e.emit(ctx, telemetry.Metric{Role: mc.Service, Instance: strconv.FormatInt(r.ID, 10), Name: v.Name, Value: v.Value})
			}
		}
		if page.ContinuationToken == "" {
			return nil
		}
		token = page.ContinuationToken
	}
}

func (e *Engine) pullApplication(ctx context.Context, mc *MetricCheck) error {
	rep, err := fetch(ctx, e.cluster, func() (platform.LoadReport, error) {
		return e.cluster.ApplicationLoad(ctx, mc.Application)
	})
	if err != nil {
		return err
	}
	names := mc.nameSet()
	for _, v := range rep.Values {
		if _, ok := names[v.Name]; !ok {
			continue
		}
		e.emit(ctx, telemetry.Metric{Role: mc.Application, Name: v.Name, Value: v.Value})
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, m telemetry.Metric) {
	if err := e.sink.ReportMetric(ctx, m); err != nil {
		level.Debug(e.logger).Log("msg", "metric event dropped", "err", err)
	}
	e.observed.Inc()
	metricSamples.Inc()
}

// fetch runs one platform call under the subscription retry budget.
// Transient failures and timeouts consume attempts, a closed client is
// refreshed and retried, anything else fails immediately.
func fetch[T any](ctx context.Context, cluster platform.Client, fn func() (T, error)) (T, error) {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
		MaxRetries: pullAttempts,
	})

	var (
		v       T
		lastErr error
	)
	for boff.Ongoing() {
		v, lastErr = fn()
		switch {
		case lastErr == nil:
			return v, nil
		case errors.Is(lastErr, platform.ErrClientClosed):
			cluster.Refresh()
		case platform.IsTransient(lastErr), errors.Is(lastErr, context.DeadlineExceeded):
		default:
			return v, lastErr
		}
		boff.Wait()
	}
	if lastErr == nil {
		lastErr = boff.Err()
	}
	return v, lastErr
}

// Register validates and stores a subscription. A closed platform client
// cannot veto the registration; it is refreshed and the target is verified
// again on the next pass.
func (e *Engine) Register(ctx context.Context, mc *MetricCheck) error {
	if err := mc.validate(); err != nil {
		return err
	}
	if err := e.verifyTarget(ctx, mc); err != nil {
		return err
	}

	m, err := e.maps(ctx)
	if err != nil {
		return err
	}

	tx, err := e.store.Begin(ctx, kitedb.ReadWrite)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.AddOrUpdate(ctx, tx, mc.Key(), *mc); err != nil {
		return err
	}
	n, err := m.Count(ctx, tx)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	metricRegistered.Set(float64(n))
	level.Info(e.logger).Log("msg", "metric subscription registered", "key", mc.Key(), "names", len(mc.MetricNames))
	return nil
}

func (e *Engine) verifyTarget(ctx context.Context, mc *MetricCheck) error {
	if mc.Service == "" {
		_, err := e.cluster.ApplicationLoad(ctx, mc.Application)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, platform.ErrClientClosed):
			e.cluster.Refresh()
			return nil
		case errors.Is(err, platform.ErrTargetGone):
			return fmt.Errorf("application %s is not known: %w", mc.Application, api.ErrInvalidArgument)
		default:
			return err
		}
	}

	exists, err := e.cluster.ServiceExists(ctx, mc.Service)
	switch {
	case errors.Is(err, platform.ErrClientClosed):
		e.cluster.Refresh()
		return nil
	case err != nil:
		return err
	case !exists:
		return fmt.Errorf("service %s is not known: %w", mc.Service, api.ErrInvalidArgument)
	}

	if mc.Partition == uuid.Nil {
		return nil
	}
	part, err := e.cluster.FindPartition(ctx, mc.Partition)
	switch {
	case errors.Is(err, platform.ErrClientClosed):
		e.cluster.Refresh()
		return nil
	case errors.Is(err, platform.ErrTargetGone):
		return fmt.Errorf("partition %s is not known: %w", mc.Partition, api.ErrInvalidArgument)
	case err != nil:
		return err
	case part.Service != mc.Service:
		return fmt.Errorf("partition %s belongs to %s, not %s: %w", mc.Partition, part.Service, mc.Service, api.ErrInvalidArgument)
	}
	return nil
}

// List returns registered subscriptions narrowed by application, service
// and partition, in key order.
func (e *Engine) List(ctx context.Context, application, service, partition string) ([]MetricCheck, error) {
	m, err := e.maps(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := e.store.Begin(ctx, kitedb.ReadOnly)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	prefix, accept := scope(application, service, partition)
	var out []MetricCheck
	err = m.Range(ctx, tx, prefix, func(k string, mc MetricCheck) (bool, error) {
		if accept(k) {
			out = append(out, mc)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) maps(ctx context.Context) (*kitedb.StringMap[MetricCheck], error) {
	e.mapsMtx.Lock()
	defer e.mapsMtx.Unlock()

	if e.mc == nil {
		m, err := kitedb.GetOrCreateStringMap(ctx, e.store, mapChecks, metricCheckCodec())
		if err != nil {
			return nil, err
		}
		e.mc = m
	}
	return e.mc, nil
}
