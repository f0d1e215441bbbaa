// Package settings serves the watchdog's runtime-tunable settings. The
// engines poll Current at every tick boundary, so a reloaded file takes
// effect without tearing anything down.
package settings

import (
	"context"
	"io"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/runtimeconfig"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v2"
)

// Provider yields the current settings snapshot.
type Provider interface {
	Current() Settings
}

// Static is a fixed Provider for tests and for processes running without a
// runtime file.
type Static Settings

func (s Static) Current() Settings { return Settings(s) }

// Manager watches the runtime settings file and serves merged snapshots.
// A rejected file keeps the previous snapshot in force.
type Manager struct {
	services.Service

	defaults Settings
	logger   log.Logger

	mgr *runtimeconfig.Manager

	subservices        *services.Manager
	subservicesWatcher *services.FailureWatcher
}

var _ Provider = (*Manager)(nil)

func New(cfg Config, defaults Settings, logger log.Logger, reg prometheus.Registerer) (*Manager, error) {
	if err := defaults.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid watchdog settings")
	}

	m := &Manager{
		defaults: defaults,
		logger:   logger,
	}

	if cfg.File == "" {
		m.Service = services.NewIdleService(nil, nil)
		return m, nil
	}

	rc := runtimeconfig.Config{
		LoadPath:     flagext.StringSliceCSV{cfg.File},
		ReloadPeriod: cfg.ReloadPeriod,
		Loader:       loader(defaults),
	}
	mgr, err := runtimeconfig.New(rc, "watchdog_settings", prometheus.WrapRegistererWithPrefix("kite_", reg), logger)
	if err != nil {
		return nil, errors.Wrap(err, "creating runtime settings manager")
	}
	m.mgr = mgr

	m.subservices, err = services.NewManager(mgr)
	if err != nil {
		return nil, errors.Wrap(err, "creating subservices")
	}
	m.subservicesWatcher = services.NewFailureWatcher()
	m.subservicesWatcher.WatchManager(m.subservices)

	m.Service = services.NewBasicService(m.starting, m.running, m.stopping)
	return m, nil
}

func (m *Manager) starting(ctx context.Context) error {
	return errors.Wrap(services.StartManagerAndAwaitHealthy(ctx, m.subservices), "starting runtime settings manager")
}

func (m *Manager) running(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-m.subservicesWatcher.Chan():
		return errors.Wrap(err, "runtime settings manager failed")
	}
}

func (m *Manager) stopping(_ error) error {
	return services.StopManagerAndAwaitStopped(context.Background(), m.subservices)
}

// Current returns the latest accepted snapshot, or the static defaults
// when no runtime file has loaded yet.
func (m *Manager) Current() Settings {
	if m.mgr == nil {
		return m.defaults
	}
	if s, ok := m.mgr.GetConfig().(*Settings); ok && s != nil {
		return *s
	}
	return m.defaults
}

// OnChange calls fn with every newly accepted snapshot. Callbacks stop
// when the manager stops. A no-op without a runtime file.
func (m *Manager) OnChange(fn func(Settings)) {
	if m.mgr == nil {
		return
	}
	ch := m.mgr.CreateListenerChannel(1)
	go func() {
		for v := range ch {
			if s, ok := v.(*Settings); ok && s != nil {
				fn(*s)
			}
		}
	}()
}

// loader parses a runtime settings file, overlaying it on the static
// defaults so missing keys keep their configured values.
func loader(defaults Settings) runtimeconfig.Loader {
	return func(r io.Reader) (interface{}, error) {
		var file struct {
			Watchdog overlay `yaml:"watchdog"`
		}
		dec := yaml.NewDecoder(r)
		dec.SetStrict(true)
		if err := dec.Decode(&file); err != nil && err != io.EOF {
			return nil, err
		}

		merged := defaults
		merged.apply(file.Watchdog)
		if err := merged.Validate(); err != nil {
			return nil, err
		}
		return &merged, nil
	}
}
