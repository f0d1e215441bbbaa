package app

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/grpcutil"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gopkg.in/yaml.v2"

	"github.com/clusterkite/kite/kitedb"
	"github.com/clusterkite/kite/modules/cleanup"
	"github.com/clusterkite/kite/modules/healthcheck"
	"github.com/clusterkite/kite/modules/loadmetrics"
	"github.com/clusterkite/kite/modules/selfreport"
	"github.com/clusterkite/kite/modules/settings"
	"github.com/clusterkite/kite/pkg/api"
	"github.com/clusterkite/kite/pkg/platform"
	"github.com/clusterkite/kite/pkg/platform/rest"
	"github.com/clusterkite/kite/pkg/telemetry"
	"github.com/clusterkite/kite/pkg/telemetry/kafka"
	"github.com/clusterkite/kite/pkg/util"
	"github.com/clusterkite/kite/pkg/util/log"
)

const metricsNamespace = "kite"

// TelemetryConfig groups the sink transports. Kafka is the only one today.
type TelemetryConfig struct {
	Kafka kafka.Config `yaml:"kafka,omitempty"`
}

// Config is the root config for App.
type Config struct {
	Target string `yaml:"target,omitempty"`

	Server        server.Config       `yaml:"server,omitempty"`
	Store         kitedb.Config       `yaml:"store,omitempty"`
	Platform      rest.Config         `yaml:"platform,omitempty"`
	Telemetry     TelemetryConfig     `yaml:"telemetry,omitempty"`
	RuntimeConfig settings.Config     `yaml:"runtime_config,omitempty"`
	Watchdog      settings.Settings   `yaml:"watchdog,omitempty"`
	Self          selfreport.Identity `yaml:"self,omitempty"`
	HealthCheck   healthcheck.Config  `yaml:"healthcheck,omitempty"`
	Metrics       loadmetrics.Config  `yaml:"metrics,omitempty"`
	Cleanup       cleanup.Config      `yaml:"cleanup,omitempty"`
	SelfReport    selfreport.Config   `yaml:"self_report,omitempty"`
}

// RegisterFlagsAndApplyDefaults registers flag.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = All
	f.StringVar(&c.Target, "target", All, "target module")

	// Server settings
	flagext.DefaultValues(&c.Server)
	c.Server.LogLevel.RegisterFlags(f)

	// The watchdog's gRPC surface only carries the health service, so
	// clients ping far more often than they send traffic. Keep the server
	// from GOAWAYing them for it.
	c.Server.GRPCServerMinTimeBetweenPings = 10 * time.Second
	c.Server.GRPCServerPingWithoutStreamAllowed = true

	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 8080, "HTTP server listen port.")
	f.IntVar(&c.Server.GRPCListenPort, "server.grpc-listen-port", 9095, "gRPC server listen port.")

	// Everything else
	c.Store.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "store"), f)
	c.Platform.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "platform"), f)
	c.Telemetry.Kafka.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "telemetry.kafka"), f)
	c.RuntimeConfig.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "runtime-config"), f)
	c.Watchdog.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "watchdog"), f)
	c.HealthCheck.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "healthcheck"), f)
	c.Metrics.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "metrics"), f)
	c.Cleanup.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "cleanup"), f)
	c.SelfReport.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "self-report"), f)
}

// NewDefaultConfig returns a config with all defaults applied.
func NewDefaultConfig() *Config {
	defaultConfig := &Config{}
	defaultFS := flag.NewFlagSet("", flag.PanicOnError)
	defaultConfig.RegisterFlagsAndApplyDefaults("", defaultFS)
	return defaultConfig
}

// ConfigWarning bundles message and explanation strings in one structure.
type ConfigWarning struct {
	Message string
	Explain string
}

var (
	warnDiagnosticHalfConfigured = ConfigWarning{
		Message: "watchdog.diagnostic-endpoint and watchdog.diagnostic-sas-token must both be set",
		Explain: "Diagnostic table cleanup stays disabled until both are configured",
	}
	warnTelemetryWithoutBrokers = ConfigWarning{
		Message: "watchdog.telemetry-key is set but telemetry.kafka.brokers is empty",
		Explain: "Telemetry events will be dropped",
	}
	warnSelfIdentityIncomplete = ConfigWarning{
		Message: "self.service_name and self.partition must both be set",
		Explain: "The watchdog will not register its own health probe or report its health to the platform",
	}
)

// CheckConfig checks if config values are suspect.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	if (c.Watchdog.DiagnosticEndpoint == "") != (c.Watchdog.DiagnosticSasToken.String() == "") {
		warnings = append(warnings, warnDiagnosticHalfConfigured)
	}

	if c.Watchdog.TelemetryKey != "" && !c.Telemetry.Kafka.Enabled() {
		warnings = append(warnings, warnTelemetryWithoutBrokers)
	}

	if (c.Self.ServiceName == "") != (c.Self.Partition == uuid.Nil) {
		warnings = append(warnings, warnSelfIdentityIncomplete)
	}

	return warnings
}

// App is the root datastructure.
type App struct {
	cfg Config

	Server        *server.Server
	store         *kitedb.Store
	platform      platform.Client
	telemetry     *telemetry.Manager
	settings      *settings.Manager
	probeEngine   *healthcheck.Engine
	metricsEngine *loadmetrics.Engine
	cleanupEngine *cleanup.Engine
	selfReporter  *selfreport.Reporter

	ModuleManager *modules.Manager
	serviceMap    map[string]services.Service
}

// New makes a new app.
func New(cfg Config) (*App, error) {
	app := &App{
		cfg: cfg,
	}

	if err := app.setupModuleManager(); err != nil {
		return nil, fmt.Errorf("failed to setup module manager: %w", err)
	}

	return app, nil
}

// Run starts, and blocks until a signal is received.
func (t *App) Run() error {
	if !t.ModuleManager.IsUserVisibleModule(t.cfg.Target) {
		level.Warn(log.Logger).Log("msg", "selected target is an internal module, is this intended?", "target", t.cfg.Target)
	}

	serviceMap, err := t.ModuleManager.InitModuleServices(t.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services: %w", err)
	}
	t.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to start service manager: %w", err)
	}

	// before starting servers, register /ready handler, the status endpoints
	// and the gRPC health check service.
	t.Server.HTTP.Path("/ready").Handler(t.readyHandler(sm))
	t.Server.HTTP.Path("/config").Handler(t.configHandler())
	t.Server.HTTP.Path("/status/version").Handler(versionHandler())
	t.Server.HTTP.Path(api.PathBuildInfo).Handler(buildInfoHandler()).Methods(http.MethodGet)
	grpc_health_v1.RegisterHealthServer(t.Server.GRPC, grpcutil.NewHealthCheck(sm))

	// Let's listen for events from this manager, and log them.
	healthy := func() {
		level.Info(log.Logger).Log("msg", "Kite started")
		go t.registerOwnProbe(context.Background())
	}
	stopped := func() { level.Info(log.Logger).Log("msg", "Kite stopped") }
	serviceFailed := func(service services.Service) {
		// if any service fails, stop everything
		sm.StopAsync()

		// let's find out which module failed
		for m, s := range serviceMap {
			if s == service {
				if service.FailureCase() == modules.ErrStopProcess {
					level.Info(log.Logger).Log("msg", "received stop signal via return error", "module", m, "err", service.FailureCase())
				} else {
					level.Error(log.Logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
				}
				return
			}
		}

		level.Error(log.Logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// Setup signal handler. If signal arrives, we stop the manager, which stops all the services.
	handler := signals.NewHandler(t.Server.Log)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	// Start all services. This can really only fail if some service is already
	// in other state than New, which should not be the case.
	err = sm.StartAsync(context.Background())
	if err != nil {
		return fmt.Errorf("failed to start service manager: %w", err)
	}

	return sm.AwaitStopped(context.Background())
}

func (t *App) configHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out, err := yaml.Marshal(t.cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/yaml")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(out); err != nil {
			level.Error(log.Logger).Log("msg", "error writing response", "err", err)
		}
	}
}

func (t *App) readyHandler(sm *services.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !sm.IsHealthy() {
			msg := bytes.Buffer{}
			msg.WriteString("Some services are not Running:\n")

			byState := sm.ServicesByState()
			for st, ls := range byState {
				msg.WriteString(fmt.Sprintf("%v: %d\n", st, len(ls)))
			}

			http.Error(w, msg.String(), http.StatusServiceUnavailable)
			return
		}

		http.Error(w, "ready", http.StatusOK)
	}
}
