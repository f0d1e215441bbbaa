package main

import (
	"encoding/json"
	"fmt"

	"github.com/clusterkite/kite/modules/loadmetrics"
	"github.com/clusterkite/kite/pkg/api"
)

type registerMetricsCmd struct {
	Application string   `arg:"" help:"Application name, without the fabric:/ scheme."`
	Names       []string `arg:"" help:"Metric names to observe."`

	Service   string `help:"Service name within the application."`
	Partition string `help:"Partition id within the service."`
}

func (cmd *registerMetricsCmd) Run(opts *globalOptions) error {
	var stored loadmetrics.MetricCheck
	err := apiPost(opts, scopedPath(api.PathMetrics, cmd.Application, cmd.Service, cmd.Partition), cmd.Names, &stored)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(&stored, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
