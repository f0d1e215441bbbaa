package main

import (
	"time"

	"github.com/alecthomas/kong"
)

type globalOptions struct {
	Endpoint string        `help:"Base URL of the watchdog API." default:"http://localhost:8080"`
	Timeout  time.Duration `help:"HTTP request timeout." default:"10s"`
}

var cli struct {
	globalOptions

	List struct {
		Checks  listChecksCmd  `cmd:"" help:"List registered health checks."`
		Metrics listMetricsCmd `cmd:"" help:"List metric subscriptions."`
	} `cmd:""`

	Register struct {
		Check   registerCheckCmd   `cmd:"" help:"Register an HTTP health check."`
		Metrics registerMetricsCmd `cmd:"" help:"Subscribe to load metrics of a target."`
	} `cmd:""`

	Status statusCmd `cmd:"" help:"Show the watchdog's own health."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("kite-cli"),
		kong.Description("Kite CLI utilities"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli.globalOptions)
	ctx.FatalIfErrorf(err)
}
