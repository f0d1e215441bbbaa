package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"

	"github.com/clusterkite/kite/modules/selfreport"
	"github.com/clusterkite/kite/pkg/platform"
)

type stubSource struct {
	state  platform.State
	detail string
}

func (s *stubSource) Health() (platform.State, string) {
	return s.state, s.detail
}

func allHealthy() map[string]selfreport.HealthSource {
	return map[string]selfreport.HealthSource{
		"healthcheck": &stubSource{state: platform.StateOk},
		"loadmetrics": &stubSource{state: platform.StateOk},
		"cleanup":     &stubSource{state: platform.StateOk},
		"selfreport":  &stubSource{state: platform.StateOk},
	}
}

func callWatchdogHealth(t *testing.T, components map[string]selfreport.HealthSource, checks int64) (*httptest.ResponseRecorder, watchdogHealth) {
	t.Helper()

	handler := watchdogHealthHandler(components, func() int64 { return checks })

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/watchdog/health", nil))

	var verdict watchdogHealth
	if w.Body.Len() > 0 {
		require.NoError(t, jsoniter.Unmarshal(w.Body.Bytes(), &verdict))
	}
	return w, verdict
}

func TestWatchdogHealthAllSound(t *testing.T) {
	w, verdict := callWatchdogHealth(t, allHealthy(), 3)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, platform.StateOk, verdict.State)
	require.Equal(t, int64(3), verdict.Checks)
	require.Len(t, verdict.Components, 4)
	for name, c := range verdict.Components {
		require.Equal(t, platform.StateOk, c.State, name)
	}
}

func TestWatchdogHealthNothingRegistered(t *testing.T) {
	w, _ := callWatchdogHealth(t, allHealthy(), 0)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Zero(t, w.Body.Len())
}

func TestWatchdogHealthWarningStillServes(t *testing.T) {
	components := allHealthy()
	components["loadmetrics"] = &stubSource{state: platform.StateWarning, detail: "two subscriptions abandoned"}

	w, verdict := callWatchdogHealth(t, components, 3)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, platform.StateWarning, verdict.State)
	require.Equal(t, "two subscriptions abandoned", verdict.Components["loadmetrics"].Detail)
}

func TestWatchdogHealthErrorAnswers500(t *testing.T) {
	components := allHealthy()
	components["cleanup"] = &stubSource{state: platform.StateError, detail: "table service unreachable"}

	w, verdict := callWatchdogHealth(t, components, 3)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, platform.StateError, verdict.State)
	require.Equal(t, "table service unreachable", verdict.Components["cleanup"].Detail)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestWatchdogHealthMissingEngineAnswers500(t *testing.T) {
	components := allHealthy()
	components["selfreport"] = nil

	w, verdict := callWatchdogHealth(t, components, 1)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, platform.StateError, verdict.State)
	require.Equal(t, "engine not running", verdict.Components["selfreport"].Detail)
}

func TestBuildInfoHandler(t *testing.T) {
	w := httptest.NewRecorder()
	buildInfoHandler()(w, httptest.NewRequest(http.MethodGet, "/api/status/buildinfo", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var info buildInfo
	require.NoError(t, jsoniter.Unmarshal(w.Body.Bytes(), &info))
	require.NotEmpty(t, info.GoVersion)
}
