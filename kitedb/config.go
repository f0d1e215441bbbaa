package kitedb

import (
	"flag"

	"github.com/clusterkite/kite/pkg/util"
)

type Config struct {
	// Path of the database file. The hosting platform places one replica of
	// the file with every replica of the service.
	Path string `yaml:"path"`

	// Standby starts the replica demoted: it serves reads from its copy of
	// the data and refuses writes until promoted through SetRole.
	Standby bool `yaml:"standby"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Path, util.PrefixConfig(prefix, "path"), "kite.db", "Path of the durable store database file.")
	f.BoolVar(&cfg.Standby, util.PrefixConfig(prefix, "standby"), false, "Start the store demoted, serving reads only, until promotion.")
}
