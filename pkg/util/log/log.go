package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/server"
)

// Logger is the shared go-kit logger. It defaults to a no-op logger so
// library code and tests can log without initialisation; InitLogger
// replaces it during startup.
var Logger = kitlog.NewNopLogger()

// InitLogger initialises the global gokit logger from the server log
// settings and hands the same logger to the server.
func InitLogger(cfg *server.Config) {
	writer := kitlog.NewSyncWriter(os.Stderr)
	logger := dslog.NewGoKitWithWriter(cfg.LogFormat, writer)

	// use UTC timestamps and skip 5 stack frames.
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))

	// Must put the level filter last for efficiency.
	logger = level.NewFilter(logger, cfg.LogLevel.Option)

	Logger = logger
	cfg.Log = logger
}
