package rest

import (
	"flag"
	"time"

	"github.com/clusterkite/kite/pkg/util"
)

type Config struct {
	// Endpoint is the base URL of the platform's management API.
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`

	// Hedging applies to idempotent reads only. Zero disables it.
	HedgeRequestsAt   time.Duration `yaml:"hedge_requests_at"`
	HedgeRequestsUpTo int           `yaml:"hedge_requests_up_to"`

	ResolutionCacheTTL  time.Duration `yaml:"resolution_cache_ttl"`
	ResolutionCacheSize int           `yaml:"resolution_cache_size"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Endpoint, util.PrefixConfig(prefix, "endpoint"), "http://localhost:19080", "Base URL of the platform management API.")
	f.DurationVar(&cfg.Timeout, util.PrefixConfig(prefix, "timeout"), 10*time.Second, "Per-request timeout against the platform API.")
	f.DurationVar(&cfg.HedgeRequestsAt, util.PrefixConfig(prefix, "hedge-requests-at"), 0, "Hedge idempotent platform reads after this duration. 0 disables hedging.")
	f.IntVar(&cfg.HedgeRequestsUpTo, util.PrefixConfig(prefix, "hedge-requests-up-to"), 2, "Upper bound of hedged requests per call.")
	f.DurationVar(&cfg.ResolutionCacheTTL, util.PrefixConfig(prefix, "resolution-cache-ttl"), 30*time.Second, "How long resolved endpoint addresses stay cached.")
	f.IntVar(&cfg.ResolutionCacheSize, util.PrefixConfig(prefix, "resolution-cache-size"), 1000, "Maximum number of cached endpoint resolutions.")
}
