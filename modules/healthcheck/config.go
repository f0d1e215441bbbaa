package healthcheck

import (
	"flag"
	"time"
)

type Config struct {
	// TickGrace extends a pass beyond its interval before it is cut off.
	// Executions that did not run keep their schedule entries and run on
	// the next pass.
	TickGrace time.Duration `yaml:"tick_grace"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(_ string, _ *flag.FlagSet) {
	cfg.TickGrace = 30 * time.Second
}
