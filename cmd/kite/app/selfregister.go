package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/backoff"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/clusterkite/kite/modules/healthcheck"
	"github.com/clusterkite/kite/pkg/api"
	"github.com/clusterkite/kite/pkg/util/log"
)

const (
	ownProbeName   = "WatchdogHealth"
	ownProbeSuffix = "watchdog/health"
)

// registerOwnProbe registers the watchdog's own health endpoint with the
// probe engine through the public API, so the watchdog is watched the same
// way as everything it watches. Registration is durable, so this runs on
// every start and overwrites the previous record.
func (t *App) registerOwnProbe(ctx context.Context) {
	if t.probeEngine == nil || t.selfReporter == nil {
		return
	}
	if t.cfg.Self.ServiceName == "" || t.cfg.Self.Partition == uuid.Nil {
		level.Info(log.Logger).Log("msg", "self identity not configured, skipping own probe registration")
		return
	}

	payload, err := jsoniter.Marshal(healthcheck.HealthCheck{
		Name:        ownProbeName,
		ServiceName: t.cfg.Self.ServiceName,
		Partition:   t.cfg.Self.Partition,
		SuffixPath:  ownProbeSuffix,
	})
	if err != nil {
		level.Error(log.Logger).Log("msg", "failed to encode own probe", "err", err)
		return
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", t.cfg.Server.HTTPListenPort, api.PathHealthCheck)
	client := &http.Client{Timeout: 10 * time.Second}

	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: time.Second,
		MaxBackoff: 10 * time.Second,
		MaxRetries: 10,
	})

	var lastErr error
	for boff.Ongoing() {
		if lastErr = postOwnProbe(ctx, client, url, payload); lastErr == nil {
			t.selfReporter.MarkProbeRegistered(true)
			level.Info(log.Logger).Log("msg", "own health probe registered",
				"service", t.cfg.Self.ServiceName, "partition", t.cfg.Self.Partition)
			return
		}
		level.Debug(log.Logger).Log("msg", "own probe registration attempt failed", "err", lastErr)
		boff.Wait()
	}

	if lastErr == nil {
		lastErr = boff.Err()
	}
	level.Warn(log.Logger).Log("msg", "own health probe not registered, self-reports will carry a warning", "err", lastErr)
}

func postOwnProbe(ctx context.Context, client *http.Client, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
