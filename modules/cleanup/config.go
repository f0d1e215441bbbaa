package cleanup

import (
	"flag"
	"time"
)

type Config struct {
	// Tables are the diagnostic tables swept every pass. The defaults are
	// the three tables the platform's diagnostics extension writes.
	Tables []string `yaml:"tables"`

	// TickGrace extends the per-pass deadline beyond the sweep interval.
	TickGrace time.Duration `yaml:"tick_grace"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(string, *flag.FlagSet) {
	cfg.Tables = []string{
		"WADPerformanceCountersTable",
		"WADWindowsEventLogsTable",
		"WADDiagnosticInfrastructureLogsTable",
	}
	cfg.TickGrace = 30 * time.Second
}
