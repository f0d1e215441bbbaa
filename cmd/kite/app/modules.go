package app

import (
	"fmt"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/clusterkite/kite/kitedb"
	"github.com/clusterkite/kite/modules/cleanup"
	"github.com/clusterkite/kite/modules/healthcheck"
	"github.com/clusterkite/kite/modules/loadmetrics"
	"github.com/clusterkite/kite/modules/selfreport"
	"github.com/clusterkite/kite/modules/settings"
	"github.com/clusterkite/kite/pkg/api"
	"github.com/clusterkite/kite/pkg/platform/rest"
	"github.com/clusterkite/kite/pkg/telemetry"
	"github.com/clusterkite/kite/pkg/telemetry/kafka"
	"github.com/clusterkite/kite/pkg/util/log"
)

// The various modules that make up Kite.
const (
	Server            string = "server"
	Store             string = "store"
	Platform          string = "platform"
	Telemetry         string = "telemetry"
	RuntimeConfig     string = "runtime-config"
	HealthCheckEngine string = "healthcheck-engine"
	MetricsEngine     string = "metrics-engine"
	CleanupEngine     string = "cleanup-engine"
	SelfReporter      string = "self-reporter"
	All               string = "all"
)

func (t *App) initServer() (services.Service, error) {
	t.cfg.Server.MetricsNamespace = metricsNamespace
	t.cfg.Server.ExcludeRequestInLog = true

	DisableSignalHandling(&t.cfg.Server)

	serv, err := server.New(t.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range t.serviceMap {
			// Server should not wait for itself.
			if m != Server {
				svs = append(svs, s)
			}
		}
		return svs
	}

	t.Server = serv

	return NewServerService(serv, servicesToWaitFor), nil
}

func (t *App) initStore() (services.Service, error) {
	store, err := kitedb.Open(t.cfg.Store, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	t.store = store

	store.OnRoleChange(func(role kitedb.Role) {
		level.Info(log.Logger).Log("msg", "store role changed", "role", role)
	})

	// The hosting platform runs one primary per partition and any number of
	// standby replicas. The role is decided at deployment time through
	// config; a standby serves reads from its copy and refuses writes.
	if t.cfg.Store.Standby {
		store.SetRole(kitedb.RoleSecondary)
	} else {
		store.SetRole(kitedb.RolePrimary)
	}

	return services.NewIdleService(nil, func(_ error) error {
		return t.store.Close()
	}), nil
}

func (t *App) initPlatform() (services.Service, error) {
	client, err := rest.New(t.cfg.Platform, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create platform client: %w", err)
	}
	t.platform = client

	return services.NewIdleService(nil, nil), nil
}

func (t *App) initRuntimeConfig() (services.Service, error) {
	mgr, err := settings.New(t.cfg.RuntimeConfig, t.cfg.Watchdog, log.Logger, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("failed to create runtime settings manager: %w", err)
	}
	t.settings = mgr

	mgr.OnChange(func(s settings.Settings) {
		level.Info(log.Logger).Log("msg", "runtime settings applied",
			"health_check_interval", s.HealthCheckInterval,
			"metric_interval", s.MetricInterval,
			"diagnostic_interval", s.DiagnosticInterval,
			"health_report_interval", s.HealthReportInterval,
			"telemetry", s.TelemetryKey != "")
	})

	return mgr, nil
}

func (t *App) initTelemetry() (services.Service, error) {
	build := func(key string) (telemetry.Sink, error) {
		if !t.cfg.Telemetry.Kafka.Enabled() {
			level.Warn(log.Logger).Log("msg", "telemetry key set but no kafka brokers configured, events will be dropped")
			return nil, nil
		}
		return kafka.New(t.cfg.Telemetry.Kafka, key, log.Logger, prometheus.DefaultRegisterer)
	}
	t.telemetry = telemetry.NewManager(build, log.Logger)

	if err := t.telemetry.SetKey(t.settings.Current().TelemetryKey); err != nil {
		return nil, fmt.Errorf("failed to configure telemetry sink: %w", err)
	}

	// The key is an operator setting and can change at runtime; swapping it
	// tears down the old sink and builds a fresh one.
	t.settings.OnChange(func(s settings.Settings) {
		if err := t.telemetry.SetKey(s.TelemetryKey); err != nil {
			level.Warn(log.Logger).Log("msg", "failed to swap telemetry sink", "err", err)
		}
	})

	return services.NewIdleService(nil, func(_ error) error {
		return t.telemetry.Close()
	}), nil
}

func (t *App) initHealthCheckEngine() (services.Service, error) {
	engine := healthcheck.New(t.cfg.HealthCheck, t.store, t.platform, t.telemetry, t.settings, log.Logger)
	t.probeEngine = engine

	t.Server.HTTP.HandleFunc(api.PathHealthCheck, engine.RegisterHandler).Methods(http.MethodPost)
	t.Server.HTTP.HandleFunc(api.PathHealthCheck, engine.ListHandler).Methods(http.MethodGet)
	t.Server.HTTP.HandleFunc(api.PathHealthCheck+"/{application}", engine.ListHandler).Methods(http.MethodGet)
	t.Server.HTTP.HandleFunc(api.PathHealthCheck+"/{application}/{service}", engine.ListHandler).Methods(http.MethodGet)
	t.Server.HTTP.HandleFunc(api.PathHealthCheck+"/{application}/{service}/{partition}", engine.ListHandler).Methods(http.MethodGet)

	return engine, nil
}

func (t *App) initMetricsEngine() (services.Service, error) {
	engine := loadmetrics.New(t.cfg.Metrics, t.store, t.platform, t.telemetry, t.settings, log.Logger)
	t.metricsEngine = engine

	t.Server.HTTP.HandleFunc(api.PathMetrics+"/{application}", engine.RegisterHandler).Methods(http.MethodPost)
	t.Server.HTTP.HandleFunc(api.PathMetrics+"/{application}/{service}", engine.RegisterHandler).Methods(http.MethodPost)
	t.Server.HTTP.HandleFunc(api.PathMetrics+"/{application}/{service}/{partition}", engine.RegisterHandler).Methods(http.MethodPost)
	t.Server.HTTP.HandleFunc(api.PathMetrics, engine.ListHandler).Methods(http.MethodGet)
	t.Server.HTTP.HandleFunc(api.PathMetrics+"/{application}", engine.ListHandler).Methods(http.MethodGet)
	t.Server.HTTP.HandleFunc(api.PathMetrics+"/{application}/{service}", engine.ListHandler).Methods(http.MethodGet)
	t.Server.HTTP.HandleFunc(api.PathMetrics+"/{application}/{service}/{partition}", engine.ListHandler).Methods(http.MethodGet)

	return engine, nil
}

func (t *App) initCleanupEngine() (services.Service, error) {
	engine := cleanup.New(t.cfg.Cleanup, t.store, t.settings, log.Logger)
	t.cleanupEngine = engine

	return engine, nil
}

func (t *App) initSelfReporter() (services.Service, error) {
	reporter := selfreport.New(t.cfg.SelfReport, t.cfg.Self, t.store, t.platform, t.telemetry, t.settings,
		selfreport.Sources{
			Probes: t.probeEngine,
			Loads:  t.metricsEngine,
			Sweeps: t.cleanupEngine,
		}, log.Logger)
	t.selfReporter = reporter

	t.Server.HTTP.Path(api.PathWatchdogHealth).Handler(t.watchdogHealthHandler()).Methods(http.MethodGet)

	return reporter, nil
}

func (t *App) setupModuleManager() error {
	mm := modules.NewManager(log.Logger)

	mm.RegisterModule(Server, t.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(Store, t.initStore, modules.UserInvisibleModule)
	mm.RegisterModule(Platform, t.initPlatform, modules.UserInvisibleModule)
	mm.RegisterModule(RuntimeConfig, t.initRuntimeConfig, modules.UserInvisibleModule)
	mm.RegisterModule(Telemetry, t.initTelemetry, modules.UserInvisibleModule)
	mm.RegisterModule(HealthCheckEngine, t.initHealthCheckEngine)
	mm.RegisterModule(MetricsEngine, t.initMetricsEngine)
	mm.RegisterModule(CleanupEngine, t.initCleanupEngine)
	mm.RegisterModule(SelfReporter, t.initSelfReporter)
	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		// Server: nil,
		Store:             {Server},
		Platform:          {Server},
		RuntimeConfig:     {Server},
		Telemetry:         {Server, RuntimeConfig},
		HealthCheckEngine: {Server, Store, Platform, Telemetry, RuntimeConfig},
		MetricsEngine:     {Server, Store, Platform, Telemetry, RuntimeConfig},
		CleanupEngine:     {Server, Store, RuntimeConfig},
		SelfReporter:      {Server, Store, Platform, Telemetry, RuntimeConfig, HealthCheckEngine, MetricsEngine, CleanupEngine},
		All:               {HealthCheckEngine, MetricsEngine, CleanupEngine, SelfReporter},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.ModuleManager = mm

	return nil
}
