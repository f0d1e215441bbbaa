// Package healthcheck executes registered HTTP probes against application
// partitions. Checks and their schedule live in the replicated store, so
// whichever replica is primary continues the work of the last one; probes
// run from a periodic pass that executes everything due and reschedules it
// one frequency ahead.
package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"go.opentelemetry.io/otel"
	"go.uber.org/atomic"

	"github.com/clusterkite/kite/kitedb"
	"github.com/clusterkite/kite/modules/settings"
	"github.com/clusterkite/kite/pkg/api"
	"github.com/clusterkite/kite/pkg/platform"
	"github.com/clusterkite/kite/pkg/telemetry"
)

var tracer = otel.Tracer("modules/healthcheck")

// SourceID identifies the watchdog in reports submitted to the platform.
const SourceID = "KiteWatchdog"

const (
	mapChecks   = "health_checks"
	mapSchedule = "health_check_schedule"

	// scheduleAttempts bounds how many successive nanosecond slots are
	// probed before a schedule insert gives up.
	scheduleAttempts = 6

	// reportTTLGrace pads the platform report TTL past the next execution,
	// so a report expires only after its refresh is genuinely overdue.
	reportTTLGrace = 30 * time.Second

	maxDrainBytes = 4096
)

type condition struct {
	state  platform.State
	detail string
}

// Engine owns the health check maps and runs the probe passes.
type Engine struct {
	services.Service

	cfg      Config
	store    *kitedb.Store
	cluster  platform.Client
	sink     telemetry.Sink
	settings settings.Provider
	logger   log.Logger

	probes *http.Client

	mapsMtx sync.Mutex
	checks  *kitedb.StringMap[HealthCheck]
	sched   *kitedb.Int64Map[ScheduledItem]

	cond       atomic.Pointer[condition]
	checkCount atomic.Int64
}

func New(cfg Config, store *kitedb.Store, cluster platform.Client, sink telemetry.Sink, sets settings.Provider, logger log.Logger) *Engine {
	e := &Engine{
		cfg:      cfg,
		store:    store,
		cluster:  cluster,
		sink:     sink,
		settings: sets,
		logger:   log.With(logger, "module", "healthcheck"),
		probes: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	e.cond.Store(&condition{state: platform.StateUnknown, detail: "no pass completed yet"})
	e.Service = services.NewBasicService(e.starting, e.running, e.stopping)
	return e
}

// starting seeds the registered-check counter from the store so self
// reports are accurate before the first pass. Best effort: a replica
// whose maps do not exist yet starts at zero.
func (e *Engine) starting(ctx context.Context) error {
	if e.store.ReadStatus() != kitedb.AccessGranted {
		return nil
	}
	n, err := e.countChecks(ctx)
	if err != nil {
		level.Debug(e.logger).Log("msg", "check count not seeded", "err", err)
		return nil
	}
	e.checkCount.Store(n)
	metricRegistered.Set(float64(n))
	return nil
}

func (e *Engine) countChecks(ctx context.Context) (int64, error) {
	checks, _, err := e.maps(ctx)
	if err != nil {
		return 0, err
	}
	tx, err := e.store.Begin(ctx, kitedb.ReadOnly)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	return checks.Count(ctx, tx)
}

func (e *Engine) running(ctx context.Context) error {
	interval := e.settings.Current().HealthCheckInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, interval+e.cfg.TickGrace)
			_ = e.Tick(tickCtx, time.Now())
			cancel()
		}

		if next := e.settings.Current().HealthCheckInterval; next != interval && next > 0 {
			ticker.Reset(next)
			interval = next
			level.Info(e.logger).Log("msg", "health check interval changed", "interval", interval)
		}
	}
}

func (e *Engine) stopping(_ error) error {
	e.probes.CloseIdleConnections()
	return nil
}

// Health returns the engine's verdict about itself, folded into the
// watchdog's self-report.
func (e *Engine) Health() (platform.State, string) {
	c := e.cond.Load()
	return c.state, c.detail
}

// CheckCount returns the number of registered checks as of the last pass
// or registration.
func (e *Engine) CheckCount() int64 {
	return e.checkCount.Load()
}

// Tick runs one probe pass: everything scheduled before now executes, gets
// reported and is rescheduled one frequency ahead. All of it happens in a
// single store transaction. Replicas without write access skip the pass.
func (e *Engine) Tick(ctx context.Context, now time.Time) error {
	if e.store.ReadStatus() != kitedb.AccessGranted || e.store.WriteStatus() != kitedb.AccessGranted {
		metricTicks.WithLabelValues("skipped").Inc()
		return nil
	}

	ctx, span := tracer.Start(ctx, "healthcheck.Tick")
	defer span.End()

	start := time.Now()
	err := e.pass(ctx, now)
	metricTickDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metricTicks.WithLabelValues("ok").Inc()
		e.cond.Store(&condition{state: platform.StateOk})
	case errors.Is(err, kitedb.ErrNotPrimary):
		// role moved mid-pass, the next primary picks the work up
		metricTicks.WithLabelValues("skipped").Inc()
		level.Debug(e.logger).Log("msg", "probe pass abandoned", "err", err)
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		kitedb.IsTransient(err), platform.IsTransient(err):
		metricTicks.WithLabelValues("error").Inc()
		e.cond.Store(&condition{state: platform.StateWarning, detail: err.Error()})
		level.Warn(e.logger).Log("msg", "probe pass incomplete", "err", err)
	default:
		metricTicks.WithLabelValues("error").Inc()
		e.cond.Store(&condition{state: platform.StateError, detail: err.Error()})
		level.Error(e.logger).Log("msg", "probe pass failed", "err", err)
	}
	return err
}

func (e *Engine) pass(ctx context.Context, now time.Time) error {
	checks, sched, err := e.maps(ctx)
	if err != nil {
		return err
	}

	tx, err := e.store.Begin(ctx, kitedb.ReadWrite)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Schedule keys are execution times, so the scan is ordered and stops
	// at the first entry that is not due yet.
	var due []ScheduledItem
	err = sched.RangeAll(ctx, tx, func(_ int64, it ScheduledItem) (bool, error) {
		if it.ExecutionTicks >= now.UnixNano() {
			return false, nil
		}
		due = append(due, it)
		return true, nil
	})
	if err != nil {
		return err
	}

	var execErr error
	for _, it := range due {
		if err := ctx.Err(); err != nil {
			execErr = err
			break
		}
		if err := e.executeItem(ctx, tx, checks, sched, it, now); err != nil {
			execErr = err
			break
		}
	}

	// Executions that ran are committed even when a later one failed; they
	// are not repeated next pass.
	n, err := checks.Count(ctx, tx)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	e.checkCount.Store(n)
	metricRegistered.Set(float64(n))
	return execErr
}

// executeItem runs one due schedule entry. Lookup failures triage three
// ways: a gone target unregisters the check, a transient failure leaves the
// entry due for the next pass, anything else aborts the pass.
func (e *Engine) executeItem(ctx context.Context, tx *kitedb.Tx, checks *kitedb.StringMap[HealthCheck], sched *kitedb.Int64Map[ScheduledItem], it ScheduledItem, now time.Time) error {
	hc, ok, err := checks.TryGet(ctx, tx, it.Key, kitedb.GetUpdate)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := sched.TryRemove(ctx, tx, it.ExecutionTicks); err != nil {
			return err
		}
		metricRemoved.WithLabelValues("orphaned").Inc()
		return nil
	}

	witness := hc

	if _, err := e.cluster.FindPartition(ctx, hc.Partition); err != nil {
		return e.triage(ctx, tx, checks, sched, it, err)
	}
	base, err := e.cluster.ResolveEndpoint(ctx, hc.ServiceName, hc.Partition, hc.Endpoint)
	if err != nil {
		return e.triage(ctx, tx, checks, sched, it, err)
	}

	hc.LastAttempt = now.UnixNano()
	target := probeURL(base, hc.SuffixPath)
	verdict := e.probe(ctx, &hc, target)
	if verdict == platform.StateOk {
		hc.FailureCount = 0
	} else {
		hc.FailureCount++
	}

	e.report(ctx, &hc, verdict, target)

	if _, err := sched.TryRemove(ctx, tx, it.ExecutionTicks); err != nil {
		return err
	}
	if _, err := e.scheduleAt(ctx, tx, sched, now.Add(time.Duration(hc.Frequency)), it.Key); err != nil {
		return err
	}
	updated, err := checks.TryUpdate(ctx, tx, it.Key, hc, witness)
	if err != nil {
		return err
	}
	if !updated {
		level.Debug(e.logger).Log("msg", "check replaced during execution, result dropped", "key", it.Key)
	}

	metricProbes.WithLabelValues(strings.ToLower(verdict.String())).Inc()
	return nil
}

func (e *Engine) triage(ctx context.Context, tx *kitedb.Tx, checks *kitedb.StringMap[HealthCheck], sched *kitedb.Int64Map[ScheduledItem], it ScheduledItem, err error) error {
	switch {
	case errors.Is(err, platform.ErrTargetGone):
		if _, err := checks.TryRemove(ctx, tx, it.Key); err != nil {
			return err
		}
		if _, err := sched.TryRemove(ctx, tx, it.ExecutionTicks); err != nil {
			return err
		}
		metricRemoved.WithLabelValues("target_gone").Inc()
		level.Info(e.logger).Log("msg", "probe target is gone, check unregistered", "key", it.Key)
		return nil
	case errors.Is(err, platform.ErrClientClosed):
		e.cluster.Refresh()
		return nil
	case platform.IsTransient(err):
		level.Debug(e.logger).Log("msg", "target lookup failed, will retry", "key", it.Key, "err", err)
		return nil
	default:
		return err
	}
}

func probeURL(base, suffix string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(suffix, "/")
}

// probe issues the HTTP request and records the outcome on hc. A failure
// below the HTTP layer is recorded as a synthetic 500 with no duration.
func (e *Engine) probe(ctx context.Context, hc *HealthCheck, target string) platform.State {
	pctx, cancel := context.WithTimeout(ctx, time.Duration(hc.MaximumDuration))
	defer cancel()

	var body io.Reader
	if hc.Content != "" {
		body = strings.NewReader(hc.Content)
	}
	req, err := http.NewRequestWithContext(pctx, hc.Method, target, body)
	if err != nil {
		hc.ResultCode = http.StatusInternalServerError
		hc.DurationMs = -1
		return platform.StateError
	}
	for k, v := range hc.Headers {
		req.Header.Set(k, v)
	}
	if hc.MediaType != "" {
		req.Header.Set("Content-Type", hc.MediaType)
	}

	started := time.Now()
	resp, err := e.probes.Do(req)
	elapsed := time.Since(started)
	if err != nil {
		hc.ResultCode = http.StatusInternalServerError
		hc.DurationMs = -1
		return platform.StateError
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	_ = resp.Body.Close()

	hc.ResultCode = int32(resp.StatusCode)
	hc.DurationMs = elapsed.Milliseconds()
	return classify(hc, hc.ResultCode)
}

// report pushes the verdict to the platform's health store and to the
// telemetry sink. Both are best effort; the probe result is durable either
// way.
func (e *Engine) report(ctx context.Context, hc *HealthCheck, verdict platform.State, target string) {
	var desc string
	switch {
	case hc.DurationMs < 0:
		desc = fmt.Sprintf("%s %s did not answer", hc.Method, hc.SuffixPath)
	case verdict == platform.StateOk && hc.DurationMs > time.Duration(hc.ExpectedDuration).Milliseconds():
		desc = fmt.Sprintf("%s %s answered %d in %dms, slower than the expected %s",
			hc.Method, hc.SuffixPath, hc.ResultCode, hc.DurationMs, hc.ExpectedDuration)
	default:
		desc = fmt.Sprintf("%s %s answered %d in %dms", hc.Method, hc.SuffixPath, hc.ResultCode, hc.DurationMs)
	}

	err := e.cluster.ReportPartitionHealth(ctx, hc.Partition, platform.Report{
		SourceID:    SourceID,
		Property:    hc.Name,
		State:       verdict,
		Description: desc,
		TTL:         time.Duration(hc.Frequency) + reportTTLGrace,
	})
	if err != nil {
		metricReportFailures.Inc()
		level.Warn(e.logger).Log("msg", "health report not delivered", "key", hc.Key(), "err", err)
	}

	var dur time.Duration
	if hc.DurationMs > 0 {
		dur = time.Duration(hc.DurationMs) * time.Millisecond
	}
	err = e.sink.ReportAvailability(ctx, telemetry.Availability{
		Service:    hc.ServiceName,
		Instance:   hc.Partition.String(),
		Name:       hc.Name,
		CapturedAt: time.Unix(0, hc.LastAttempt),
		Duration:   dur,
		Address:    target,
		OK:         verdict == platform.StateOk,
	})
	if err != nil {
		level.Debug(e.logger).Log("msg", "availability event dropped", "err", err)
	}
}

// scheduleAt claims a schedule slot at the given time, probing successive
// nanoseconds when the slot is taken.
func (e *Engine) scheduleAt(ctx context.Context, tx *kitedb.Tx, sched *kitedb.Int64Map[ScheduledItem], at time.Time, key string) (int64, error) {
	base := at.UnixNano()
	for i := int64(0); i < scheduleAttempts; i++ {
		it := ScheduledItem{ExecutionTicks: base + i, Key: key}
		ok, err := sched.TryAdd(ctx, tx, it.ExecutionTicks, it)
		if err != nil {
			return 0, err
		}
		if ok {
			return it.ExecutionTicks, nil
		}
		metricCollisions.Inc()
	}
	return 0, fmt.Errorf("no free schedule slot at %d for %s: %w", base, key, kitedb.ErrConflict)
}

// Register validates and stores a check and schedules its first execution
// for the next pass. Re-registering a key replaces the stored check and
// starts its schedule over.
func (e *Engine) Register(ctx context.Context, hc *HealthCheck) error {
	if err := hc.validate(); err != nil {
		return err
	}
	hc.applyDefaults()

	// A target that does not exist is a caller mistake, not a gone target:
	// at registration time nothing has been stored yet.
	exists, err := e.cluster.ServiceExists(ctx, hc.ServiceName)
	if err != nil {
		return fmt.Errorf("verify service %s: %w", hc.ServiceName, err)
	}
	if !exists {
		return fmt.Errorf("service %s does not exist: %w", hc.ServiceName, api.ErrInvalidArgument)
	}
	part, err := e.cluster.FindPartition(ctx, hc.Partition)
	if errors.Is(err, platform.ErrTargetGone) {
		return fmt.Errorf("partition %s does not exist: %w", hc.Partition, api.ErrInvalidArgument)
	}
	if err != nil {
		return fmt.Errorf("verify partition %s: %w", hc.Partition, err)
	}
	if part.Service != hc.ServiceName {
		return fmt.Errorf("partition %s belongs to %s, not %s: %w", hc.Partition, part.Service, hc.ServiceName, api.ErrInvalidArgument)
	}

	checks, sched, err := e.maps(ctx)
	if err != nil {
		return err
	}

	tx, err := e.store.Begin(ctx, kitedb.ReadWrite)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	key := hc.Key()

	var stale []int64
	err = sched.RangeAll(ctx, tx, func(ticks int64, it ScheduledItem) (bool, error) {
		if it.Key == key {
			stale = append(stale, ticks)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	for _, ticks := range stale {
		if _, err := sched.TryRemove(ctx, tx, ticks); err != nil {
			return err
		}
	}

	if err := checks.AddOrUpdate(ctx, tx, key, *hc); err != nil {
		return err
	}
	if _, err := e.scheduleAt(ctx, tx, sched, time.Now(), key); err != nil {
		return err
	}
	n, err := checks.Count(ctx, tx)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	e.checkCount.Store(n)
	metricRegistered.Set(float64(n))
	level.Info(e.logger).Log("msg", "health check registered", "key", key, "name", hc.Name, "frequency", hc.Frequency)
	return nil
}

// List returns registered checks, narrowed by application, service and
// partition. Empty segments widen the listing; results come back in key
// order.
func (e *Engine) List(ctx context.Context, application, service, partition string) ([]HealthCheck, error) {
	checks, _, err := e.maps(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := e.store.Begin(ctx, kitedb.ReadOnly)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var out []HealthCheck
	err = checks.Range(ctx, tx, listPrefix(application, service, partition), func(_ string, hc HealthCheck) (bool, error) {
		out = append(out, hc)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) maps(ctx context.Context) (*kitedb.StringMap[HealthCheck], *kitedb.Int64Map[ScheduledItem], error) {
	e.mapsMtx.Lock()
	defer e.mapsMtx.Unlock()

	if e.checks == nil {
		m, err := kitedb.GetOrCreateStringMap(ctx, e.store, mapChecks, healthCheckCodec())
		if err != nil {
			return nil, nil, err
		}
		e.checks = m
	}
	if e.sched == nil {
		m, err := kitedb.GetOrCreateInt64Map(ctx, e.store, mapSchedule, scheduledItemCodec())
		if err != nil {
			return nil, nil, err
		}
		e.sched = m
	}
	return e.checks, e.sched, nil
}
