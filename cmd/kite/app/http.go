package app

import (
	"fmt"
	"net/http"

	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/common/version"

	"github.com/clusterkite/kite/modules/selfreport"
	"github.com/clusterkite/kite/pkg/api"
	"github.com/clusterkite/kite/pkg/platform"
	"github.com/clusterkite/kite/pkg/util/log"
)

type componentHealth struct {
	State  platform.State `json:"state"`
	Detail string         `json:"detail,omitempty"`
}

type watchdogHealth struct {
	State      platform.State             `json:"state"`
	Checks     int64                      `json:"checks"`
	Components map[string]componentHealth `json:"components"`
}

func (t *App) watchdogHealthHandler() http.HandlerFunc {
	return watchdogHealthHandler(map[string]selfreport.HealthSource{
		"healthcheck": t.probeEngine,
		"loadmetrics": t.metricsEngine,
		"cleanup":     t.cleanupEngine,
		"selfreport":  t.selfReporter,
	}, t.probeEngine.CheckCount)
}

// watchdogHealthHandler rolls the engine verdicts into one response. It is
// the target of the watchdog's own probe: 200 when every engine is sound and
// at least one health check is registered, 204 when sound but nothing is
// registered yet, 500 when any engine is missing or in error.
func watchdogHealthHandler(components map[string]selfreport.HealthSource, checkCount func() int64) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		verdict := watchdogHealth{
			Components: make(map[string]componentHealth, len(components)),
		}

		worst := platform.StateOk
		for name, src := range components {
			state, detail := platform.StateError, "engine not running"
			if src != nil {
				state, detail = src.Health()
			}
			worst = platform.Merge(worst, state)
			verdict.Components[name] = componentHealth{State: state, Detail: detail}
		}
		verdict.State = worst
		verdict.Checks = checkCount()

		if worst == platform.StateError {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			if err := jsoniter.NewEncoder(w).Encode(verdict); err != nil {
				level.Error(log.Logger).Log("msg", "error writing response", "err", err)
			}
			return
		}

		if verdict.Checks == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if err := api.WriteJSON(w, verdict); err != nil {
			level.Error(log.Logger).Log("msg", "error writing response", "err", err)
		}
	}
}

type buildInfo struct {
	Version   string `json:"version"`
	Revision  string `json:"revision"`
	Branch    string `json:"branch"`
	GoVersion string `json:"goVersion"`
}

func buildInfoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := api.WriteJSON(w, buildInfo{
			Version:   version.Version,
			Revision:  version.Revision,
			Branch:    version.Branch,
			GoVersion: version.GoVersion,
		}); err != nil {
			level.Error(log.Logger).Log("msg", "error writing response", "err", err)
		}
	}
}

func versionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintln(w, version.Print("kite"))
	}
}
