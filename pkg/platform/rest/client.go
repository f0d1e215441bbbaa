// Package rest implements platform.Client against the platform's HTTP
// management API.
package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cristalhq/hedgedhttp"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/maypok86/otter/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/clusterkite/kite/pkg/hedgedmetrics"
	"github.com/clusterkite/kite/pkg/platform"
)

var metricHedgedRequests = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kite",
	Name:      "platform_hedged_requests_total",
	Help:      "Total number of hedged platform API roundtrips.",
})

type Client struct {
	cfg    Config
	logger log.Logger
	base   *url.URL

	// readClient hedges, writeClient never does. Refresh swaps both, which
	// is the recovery path for wedged connections.
	readClient  atomic.Pointer[http.Client]
	writeClient atomic.Pointer[http.Client]

	resolved *otter.Cache[string, string]
}

var _ platform.Client = (*Client)(nil)

func New(cfg Config, logger log.Logger) (*Client, error) {
	base, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse platform endpoint %q: %w", cfg.Endpoint, err)
	}

	c := &Client{
		cfg:    cfg,
		logger: log.With(logger, "component", "platform"),
		base:   base,
		resolved: otter.Must(&otter.Options[string, string]{
			MaximumSize:      cfg.ResolutionCacheSize,
			ExpiryCalculator: otter.ExpiryWriting[string, string](cfg.ResolutionCacheTTL),
		}),
	}
	if err := c.rebuild(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) rebuild() error {
	read, err := c.newHTTPClient(true)
	if err != nil {
		return err
	}
	write, err := c.newHTTPClient(false)
	if err != nil {
		return err
	}
	if old := c.readClient.Swap(read); old != nil {
		old.CloseIdleConnections()
	}
	if old := c.writeClient.Swap(write); old != nil {
		old.CloseIdleConnections()
	}
	return nil
}

func (c *Client) newHTTPClient(hedge bool) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Default MaxIdleConnsPerHost is 2, increase that to reduce connection turnover
	transport.MaxIdleConnsPerHost = 100
	transport.MaxIdleConns = 100

	var rt http.RoundTripper = transport
	if hedge && c.cfg.HedgeRequestsAt != 0 {
		var (
			stats *hedgedhttp.Stats
			err   error
		)
		rt, stats, err = hedgedhttp.NewRoundTripperAndStats(c.cfg.HedgeRequestsAt, c.cfg.HedgeRequestsUpTo, transport)
		if err != nil {
			return nil, err
		}
		hedgedmetrics.Publish(stats, metricHedgedRequests)
	}
	return &http.Client{Transport: rt, Timeout: c.cfg.Timeout}, nil
}

// Refresh rebuilds both HTTP clients and drops cached resolutions.
func (c *Client) Refresh() {
	if err := c.rebuild(); err != nil {
		level.Warn(c.logger).Log("msg", "platform client refresh failed", "err", err)
		return
	}
	c.resolved.InvalidateAll()
	level.Info(c.logger).Log("msg", "platform client refreshed")
}

func (c *Client) ServiceExists(ctx context.Context, service string) (bool, error) {
	err := c.get(ctx, nil, url.Values{"name": {service}}, "api/v1/services/describe")
	if errors.Is(err, platform.ErrTargetGone) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) FindPartition(ctx context.Context, id uuid.UUID) (*platform.Partition, error) {
	var out platform.Partition
	if err := c.get(ctx, &out, nil, "api/v1/partitions", id.String()); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ResolveEndpoint(ctx context.Context, service string, id uuid.UUID, endpoint string) (string, error) {
	key := service + "|" + id.String() + "|" + endpoint
	if addr, ok := c.resolved.GetIfPresent(key); ok {
		return addr, nil
	}

	q := url.Values{"name": {service}, "partition": {id.String()}}
	if endpoint != "" {
		q.Set("endpoint", endpoint)
	}
	var out struct {
		Address string `json:"address"`
	}
	if err := c.get(ctx, &out, q, "api/v1/services/resolve"); err != nil {
		return "", err
	}
	if out.Address == "" {
		return "", platform.ErrTargetGone
	}
	c.resolved.Set(key, out.Address)
	return out.Address, nil
}

func (c *Client) Partitions(ctx context.Context, service, token string) (platform.PartitionPage, error) {
	q := url.Values{"service": {service}}
	if token != "" {
		q.Set("token", token)
	}
	var out platform.PartitionPage
	err := c.get(ctx, &out, q, "api/v1/partitions")
	return out, err
}

func (c *Client) Replicas(ctx context.Context, id uuid.UUID, token string) (platform.ReplicaPage, error) {
	var q url.Values
	if token != "" {
		q = url.Values{"token": {token}}
	}
	var out platform.ReplicaPage
	err := c.get(ctx, &out, q, "api/v1/partitions", id.String(), "replicas")
	return out, err
}

func (c *Client) PartitionLoad(ctx context.Context, id uuid.UUID) (platform.LoadReport, error) {
	var out platform.LoadReport
	err := c.get(ctx, &out, nil, "api/v1/partitions", id.String(), "load")
	return out, err
}

func (c *Client) ReplicaLoad(ctx context.Context, id uuid.UUID, replica int64) (platform.LoadReport, error) {
	var out platform.LoadReport
	err := c.get(ctx, &out, nil, "api/v1/partitions", id.String(), "replicas", strconv.FormatInt(replica, 10), "load")
	return out, err
}

func (c *Client) ApplicationLoad(ctx context.Context, application string) (platform.LoadReport, error) {
	var out platform.LoadReport
	err := c.get(ctx, &out, url.Values{"name": {application}}, "api/v1/applications/load")
	return out, err
}

func (c *Client) ClusterHealth(ctx context.Context) (platform.ClusterHealth, error) {
	var out platform.ClusterHealth
	err := c.get(ctx, &out, nil, "api/v1/cluster/health")
	return out, err
}

func (c *Client) ReportPartitionHealth(ctx context.Context, id uuid.UUID, report platform.Report) error {
	return c.post(ctx, report, "api/v1/partitions", id.String(), "health")
}

func (c *Client) ReportLoad(ctx context.Context, id uuid.UUID, values []platform.LoadValue) error {
	return c.post(ctx, values, "api/v1/partitions", id.String(), "load")
}

func (c *Client) get(ctx context.Context, out any, query url.Values, elem ...string) error {
	u := c.base.JoinPath(elem...)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}

	resp, err := c.readClient.Load().Do(req)
	if err != nil {
		return platform.Transient{Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := jsoniter.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode platform response for %s: %w", u.Path, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, body any, elem ...string) error {
	buf, err := jsoniter.Marshal(body)
	if err != nil {
		return err
	}

	u := c.base.JoinPath(elem...)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.writeClient.Load().Do(req)
	if err != nil {
		return platform.Transient{Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	return checkStatus(resp)
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return platform.ErrTargetGone
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return platform.Transient{Err: fmt.Errorf("platform answered %s", resp.Status)}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		return fmt.Errorf("platform answered %s", resp.Status)
	}
}
