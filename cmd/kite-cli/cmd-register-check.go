package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/common/model"

	"github.com/clusterkite/kite/modules/healthcheck"
	"github.com/clusterkite/kite/pkg/api"
)

type registerCheckCmd struct {
	Name      string    `arg:"" help:"Probe name, unique within the partition."`
	Service   string    `arg:"" help:"Absolute service URI, e.g. fabric:/Shop/Cart."`
	Partition uuid.UUID `arg:"" help:"Partition id the probe targets."`

	SuffixPath string `help:"Path appended to the resolved replica address."`
	Endpoint   string `help:"Named endpoint to resolve. Empty picks the primary endpoint."`
	Method     string `help:"HTTP method of the probe." default:"GET"`
	Content    string `help:"Request body sent with the probe."`
	MediaType  string `help:"Content-Type of the request body."`

	Frequency        time.Duration `help:"How often the probe runs." default:"60s"`
	ExpectedDuration time.Duration `help:"Advisory latency; slower successes are noted in the health report." default:"200ms"`
	MaximumDuration  time.Duration `help:"Probe timeout; probes running longer fail." default:"5s"`

	WarningCodes []int32 `help:"Status codes treated as warnings instead of errors."`
	ErrorCodes   []int32 `help:"Status codes treated as errors."`
}

func (cmd *registerCheckCmd) Run(opts *globalOptions) error {
	hc := healthcheck.HealthCheck{
		Name:        cmd.Name,
		ServiceName: cmd.Service,
		Partition:   cmd.Partition,
		Endpoint:    cmd.Endpoint,
		SuffixPath:  cmd.SuffixPath,
		Method:      cmd.Method,
		Content:     cmd.Content,
		MediaType:   cmd.MediaType,

		Frequency:        model.Duration(cmd.Frequency),
		ExpectedDuration: model.Duration(cmd.ExpectedDuration),
		MaximumDuration:  model.Duration(cmd.MaximumDuration),

		WarningStatusCodes: cmd.WarningCodes,
		ErrorStatusCodes:   cmd.ErrorCodes,
	}

	var stored healthcheck.HealthCheck
	if err := apiPost(opts, api.PathHealthCheck, &hc, &stored); err != nil {
		return err
	}

	out, err := json.MarshalIndent(&stored, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
