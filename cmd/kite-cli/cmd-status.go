package main

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/clusterkite/kite/pkg/api"
)

type statusCmd struct{}

func (cmd *statusCmd) Run(opts *globalOptions) error {
	client := &http.Client{Timeout: opts.Timeout}

	resp, err := client.Get(opts.Endpoint + api.PathWatchdogHealth)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		fmt.Println("watchdog healthy, no checks registered yet")
		return nil
	case http.StatusOK, http.StatusInternalServerError:
		// both carry the state dump
	default:
		return errors.Errorf("unexpected status %s", resp.Status)
	}

	var verdict struct {
		State      string `json:"state"`
		Checks     int64  `json:"checks"`
		Components map[string]struct {
			State  string `json:"state"`
			Detail string `json:"detail"`
		} `json:"components"`
	}
	if err := jsoniter.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return err
	}

	names := make([]string, 0, len(verdict.Components))
	for name := range verdict.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	x := table.NewWriter()
	x.AppendHeader(table.Row{"component", "state", "detail"})
	for _, name := range names {
		c := verdict.Components[name]
		x.AppendRows([]table.Row{{name, c.State, c.Detail}})
	}

	fmt.Println(x.Render())
	fmt.Printf("state: %s, registered checks: %d\n", verdict.State, verdict.Checks)
	return nil
}
