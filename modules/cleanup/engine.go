// Package cleanup removes expired rows from the cluster's diagnostic
// tables. The diagnostics extension appends to its tables forever; this
// engine is the retention nobody else applies. It keeps no state of its
// own: every pass lists rows older than the retention cutoff and deletes
// them in batches.
package cleanup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"go.opentelemetry.io/otel"
	"go.uber.org/atomic"

	"github.com/clusterkite/kite/kitedb"
	"github.com/clusterkite/kite/modules/settings"
	"github.com/clusterkite/kite/pkg/platform"
	"github.com/clusterkite/kite/pkg/tablestore"
	"github.com/clusterkite/kite/pkg/tablestore/azure"
)

var tracer = otel.Tracer("modules/cleanup")

const (
	// callTimeout bounds every single table service call.
	callTimeout = 5 * time.Second

	// fallbackTargetCount caps deletions per table per pass when the
	// settings carry no usable value.
	fallbackTargetCount = 5000
)

type condition struct {
	state  platform.State
	detail string
}

// Engine sweeps the diagnostic tables on a timer. The table service client
// is rebuilt whenever the endpoint or token settings change; with neither
// configured the engine idles.
type Engine struct {
	services.Service

	cfg      Config
	store    *kitedb.Store
	settings settings.Provider
	logger   log.Logger

	newClient func(endpoint, token string) (tablestore.Client, error)

	mtx      sync.Mutex
	client   tablestore.Client
	endpoint string
	token    string

	cond atomic.Pointer[condition]
}

func New(cfg Config, store *kitedb.Store, sets settings.Provider, logger log.Logger) *Engine {
	e := &Engine{
		cfg:      cfg,
		store:    store,
		settings: sets,
		logger:   log.With(logger, "module", "cleanup"),
		newClient: func(endpoint, token string) (tablestore.Client, error) {
			return azure.New(azure.Config{Endpoint: endpoint, SASToken: token, CallTimeout: callTimeout})
		},
	}
	e.cond.Store(&condition{state: platform.StateUnknown, detail: "no pass completed yet"})
	e.Service = services.NewBasicService(nil, e.running, nil)
	return e
}

func (e *Engine) running(ctx context.Context) error {
	interval := e.settings.Current().DiagnosticInterval
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

		if next := e.settings.Current().DiagnosticInterval; next != interval && next > 0 {
			ticker.Reset(next)
			interval = next
			level.Info(e.logger).Log("msg", "cleanup interval changed", "interval", interval)
		}
	}
}

// Health returns the engine's verdict about itself, folded into the
// watchdog's self-report.
func (e *Engine) Health() (platform.State, string) {
	c := e.cond.Load()
	return c.state, c.detail
}

// Tick runs one sweep over the configured tables. Replicas without write
// access skip the pass so only the primary deletes.
func (e *Engine) Tick(ctx context.Context) error {
	if e.store.WriteStatus() != kitedb.AccessGranted {
		metricTicks.WithLabelValues("skipped").Inc()
		return nil
	}

	sets := e.settings.Current()
	client, err := e.clientFor(sets)
	if err != nil {
		metricTicks.WithLabelValues("error").Inc()
		e.cond.Store(&condition{state: platform.StateError, detail: err.Error()})
		level.Error(e.logger).Log("msg", "building table service client", "err", err)
		return err
	}
	if client == nil {
		metricTicks.WithLabelValues("disabled").Inc()
		e.cond.Store(&condition{state: platform.StateOk, detail: "cleanup not configured"})
		level.Debug(e.logger).Log("msg", "diagnostic cleanup not configured")
		return nil
	}

	ctx, span := tracer.Start(ctx, "cleanup.Tick")
	defer span.End()

	start := time.Now()
	err = e.sweep(ctx, client, sets)
	metricTickDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metricTicks.WithLabelValues("ok").Inc()
		e.cond.Store(&condition{state: platform.StateOk})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		metricTicks.WithLabelValues("error").Inc()
		e.cond.Store(&condition{state: platform.StateWarning, detail: err.Error()})
		level.Warn(e.logger).Log("msg", "cleanup pass ran out of time", "err", err)
	default:
		metricTicks.WithLabelValues("error").Inc()
		e.cond.Store(&condition{state: platform.StateError, detail: err.Error()})
		level.Error(e.logger).Log("msg", "cleanup pass failed", "err", err)
	}
	return err
}

// clientFor returns the cached table service client, rebuilding it when
// the settings moved. Returns nil with no error when cleanup is not
// configured.
func (e *Engine) clientFor(sets settings.Settings) (tablestore.Client, error) {
	endpoint := sets.DiagnosticEndpoint
	token := sets.DiagnosticSasToken.String()

	e.mtx.Lock()
	defer e.mtx.Unlock()

	if endpoint == "" || token == "" {
		e.client, e.endpoint, e.token = nil, "", ""
		return nil, nil
	}
	if e.client != nil && e.endpoint == endpoint && e.token == token {
		return e.client, nil
	}

	client, err := e.newClient(endpoint, token)
	if err != nil {
		return nil, err
	}
	e.client, e.endpoint, e.token = client, endpoint, token
	level.Info(e.logger).Log("msg", "table service client ready", "endpoint", endpoint)
	return client, nil
}
