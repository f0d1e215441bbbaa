package loadmetrics

import (
	"flag"
	"time"
)

type Config struct {
	// TickGrace extends the per-pass deadline beyond the harvest interval
	// so a pass started late still finishes its platform calls.
	TickGrace time.Duration `yaml:"tick_grace"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(string, *flag.FlagSet) {
	cfg.TickGrace = 30 * time.Second
}
