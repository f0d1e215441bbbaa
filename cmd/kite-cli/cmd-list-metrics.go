package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/clusterkite/kite/modules/loadmetrics"
	"github.com/clusterkite/kite/pkg/api"
)

type listMetricsCmd struct {
	Application string `arg:"" optional:"" help:"Application name, without the fabric:/ scheme."`
	Service     string `arg:"" optional:"" help:"Service name within the application."`
	Partition   string `arg:"" optional:"" help:"Partition id within the service."`
}

func (cmd *listMetricsCmd) Run(opts *globalOptions) error {
	var subs []loadmetrics.MetricCheck
	err := apiGet(opts, scopedPath(api.PathMetrics, cmd.Application, cmd.Service, cmd.Partition), &subs)
	if err != nil {
		return err
	}

	x := table.NewWriter()
	x.AppendHeader(table.Row{"application", "service", "partition", "metrics"})

	for _, mc := range subs {
		partition := "-"
		if mc.Partition != uuid.Nil {
			partition = mc.Partition.String()
		}
		x.AppendRows([]table.Row{
			{mc.Application, mc.Service, partition, strings.Join(mc.MetricNames, ", ")},
		})
	}

	fmt.Println(x.Render())
	return nil
}
