package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/clusterkite/kite/modules/healthcheck"
	"github.com/clusterkite/kite/pkg/api"
)

type listChecksCmd struct {
	Application string `arg:"" optional:"" help:"Application name, without the fabric:/ scheme."`
	Service     string `arg:"" optional:"" help:"Service name within the application."`
	Partition   string `arg:"" optional:"" help:"Partition id within the service."`
}

func (cmd *listChecksCmd) Run(opts *globalOptions) error {
	var checks []healthcheck.HealthCheck
	err := apiGet(opts, scopedPath(api.PathHealthCheck, cmd.Application, cmd.Service, cmd.Partition), &checks)
	if err != nil {
		return err
	}

	x := table.NewWriter()
	x.AppendHeader(table.Row{"name", "service", "partition", "result", "failures", "last attempt", "duration"})

	for _, hc := range checks {
		last := "never"
		if hc.LastAttempt > 0 {
			last = time.Unix(0, hc.LastAttempt).UTC().Format(time.RFC3339)
		}
		duration := "-"
		if hc.DurationMs >= 0 && hc.LastAttempt > 0 {
			duration = fmt.Sprintf("%dms", hc.DurationMs)
		}
		x.AppendRows([]table.Row{
			{hc.Name, hc.ServiceName, hc.Partition, hc.ResultCode, hc.FailureCount, last, duration},
		})
	}

	fmt.Println(x.Render())
	return nil
}
