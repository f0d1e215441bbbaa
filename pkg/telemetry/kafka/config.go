package kafka

import (
	"flag"
	"time"

	"github.com/grafana/dskit/flagext"

	"github.com/clusterkite/kite/pkg/util"
)

type Config struct {
	// Brokers seed the client. Leaving them empty disables the sink even
	// when a telemetry key is set.
	Brokers flagext.StringSliceCSV `yaml:"brokers"`

	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`

	// WriteTimeout bounds a single produce request on the wire.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// FlushTimeout bounds the drain of buffered records on Close.
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Var(&cfg.Brokers, util.PrefixConfig(prefix, "brokers"), "Comma-separated Kafka broker addresses telemetry is produced to.")
	f.StringVar(&cfg.Topic, util.PrefixConfig(prefix, "topic"), "kite-telemetry", "Kafka topic telemetry events are produced to.")
	f.StringVar(&cfg.ClientID, util.PrefixConfig(prefix, "client-id"), "kite", "Client ID the producer identifies itself with.")
	f.DurationVar(&cfg.WriteTimeout, util.PrefixConfig(prefix, "write-timeout"), 10*time.Second, "Maximum duration of a single produce request.")
	f.DurationVar(&cfg.FlushTimeout, util.PrefixConfig(prefix, "flush-timeout"), 5*time.Second, "Maximum time to drain buffered events on shutdown.")
}

// Enabled reports whether the sink has brokers to talk to.
func (cfg *Config) Enabled() bool {
	return len(cfg.Brokers) > 0
}
