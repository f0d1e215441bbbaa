package selfreport

import (
	"flag"
	"time"
)

type Config struct {
	// TickGrace extends the per-report deadline beyond the report interval.
	TickGrace time.Duration `yaml:"tick_grace"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(string, *flag.FlagSet) {
	cfg.TickGrace = 30 * time.Second
}
