package settings

import (
	"flag"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"

	"github.com/clusterkite/kite/pkg/util"
)

// Config locates the runtime settings file. With no file configured the
// static defaults stay in force for the life of the process.
type Config struct {
	File         string        `yaml:"file"`
	ReloadPeriod time.Duration `yaml:"period"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.File, util.PrefixConfig(prefix, "file"), "", "File with runtime-reloadable watchdog settings. Empty disables reloading.")
	f.DurationVar(&cfg.ReloadPeriod, util.PrefixConfig(prefix, "period"), 10*time.Second, "How often to check the runtime settings file for changes.")
}

// Settings are the operator-tunable knobs of the watchdog. The static
// config provides defaults; a runtime file overrides individual keys
// without a restart.
type Settings struct {
	// HealthCheckInterval is the probe engine's tick interval.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// MetricInterval is the load harvest tick interval.
	MetricInterval time.Duration `yaml:"metric_interval"`

	// DiagnosticInterval is the diagnostic-table cleanup tick interval.
	DiagnosticInterval time.Duration `yaml:"diagnostic_interval"`

	// DiagnosticTimeToKeep is the retention of diagnostic rows; rows older
	// than now minus this are removed.
	DiagnosticTimeToKeep time.Duration `yaml:"diagnostic_time_to_keep"`

	// DiagnosticTargetCount caps deletions per table per tick.
	DiagnosticTargetCount int `yaml:"diagnostic_target_count"`

	// DiagnosticEndpoint is the table service URL holding the diagnostic
	// tables. Empty disables cleanup.
	DiagnosticEndpoint string `yaml:"diagnostic_endpoint"`

	// DiagnosticSasToken authorizes the table service calls.
	DiagnosticSasToken flagext.Secret `yaml:"diagnostic_sas_token"`

	// HealthReportInterval is the self-report tick interval.
	HealthReportInterval time.Duration `yaml:"health_report_interval"`

	// TelemetryKey enables the telemetry sink and stamps every event.
	// Empty disables emission.
	TelemetryKey string `yaml:"telemetry_key"`
}

func (s *Settings) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	s.HealthCheckInterval = 5 * time.Minute
	s.MetricInterval = 5 * time.Minute
	s.DiagnosticInterval = 2 * time.Minute
	s.DiagnosticTimeToKeep = 10 * 24 * time.Hour
	s.DiagnosticTargetCount = 8000
	s.HealthReportInterval = 60 * time.Second

	f.StringVar(&s.TelemetryKey, util.PrefixConfig(prefix, "telemetry-key"), "", "Telemetry key stamped on every emitted event. Empty disables telemetry.")
	f.StringVar(&s.DiagnosticEndpoint, util.PrefixConfig(prefix, "diagnostic-endpoint"), "", "Table service URL holding the cluster's diagnostic tables.")
	f.Var(&s.DiagnosticSasToken, util.PrefixConfig(prefix, "diagnostic-sas-token"), "SAS token authorizing diagnostic table access.")
}

func (s *Settings) Validate() error {
	intervals := map[string]time.Duration{
		"health_check_interval":   s.HealthCheckInterval,
		"metric_interval":         s.MetricInterval,
		"diagnostic_interval":     s.DiagnosticInterval,
		"diagnostic_time_to_keep": s.DiagnosticTimeToKeep,
		"health_report_interval":  s.HealthReportInterval,
	}
	for name, d := range intervals {
		if d <= 0 {
			return errors.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if s.DiagnosticTargetCount <= 0 {
		return errors.Errorf("diagnostic_target_count must be positive, got %d", s.DiagnosticTargetCount)
	}
	return nil
}

// overlay is the runtime file's shape: every key optional, absent keys
// keep their static value.
type overlay struct {
	HealthCheckInterval   *time.Duration  `yaml:"health_check_interval"`
	MetricInterval        *time.Duration  `yaml:"metric_interval"`
	DiagnosticInterval    *time.Duration  `yaml:"diagnostic_interval"`
	DiagnosticTimeToKeep  *time.Duration  `yaml:"diagnostic_time_to_keep"`
	DiagnosticTargetCount *int            `yaml:"diagnostic_target_count"`
	DiagnosticEndpoint    *string         `yaml:"diagnostic_endpoint"`
	DiagnosticSasToken    *flagext.Secret `yaml:"diagnostic_sas_token"`
	HealthReportInterval  *time.Duration  `yaml:"health_report_interval"`
	TelemetryKey          *string         `yaml:"telemetry_key"`
}

func (s *Settings) apply(o overlay) {
	if o.HealthCheckInterval != nil {
		s.HealthCheckInterval = *o.HealthCheckInterval
	}
	if o.MetricInterval != nil {
		s.MetricInterval = *o.MetricInterval
	}
	if o.DiagnosticInterval != nil {
		s.DiagnosticInterval = *o.DiagnosticInterval
	}
	if o.DiagnosticTimeToKeep != nil {
		s.DiagnosticTimeToKeep = *o.DiagnosticTimeToKeep
	}
	if o.DiagnosticTargetCount != nil {
		s.DiagnosticTargetCount = *o.DiagnosticTargetCount
	}
	if o.DiagnosticEndpoint != nil {
		s.DiagnosticEndpoint = *o.DiagnosticEndpoint
	}
	if o.DiagnosticSasToken != nil {
		s.DiagnosticSasToken = *o.DiagnosticSasToken
	}
	if o.HealthReportInterval != nil {
		s.HealthReportInterval = *o.HealthReportInterval
	}
	if o.TelemetryKey != nil {
		s.TelemetryKey = *o.TelemetryKey
	}
}
