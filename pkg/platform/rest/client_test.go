package rest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/clusterkite/kite/pkg/platform"
	"github.com/clusterkite/kite/pkg/util/log"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		Endpoint:            srv.URL,
		Timeout:             5 * time.Second,
		ResolutionCacheTTL:  time.Minute,
		ResolutionCacheSize: 16,
	}, log.Logger)
	require.NoError(t, err)
	return c
}

func TestServiceExists(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/services/describe", r.URL.Path)
		if r.URL.Query().Get("name") == "fabric:/App/Svc" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	ok, err := c.ServiceExists(context.Background(), "fabric:/App/Svc")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.ServiceExists(context.Background(), "fabric:/App/Nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFindPartition(t *testing.T) {
	id := uuid.New()
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/partitions/"+id.String() {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"` + id.String() + `","service":"fabric:/App/Svc","status":"Ready"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	p, err := c.FindPartition(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, p.ID)
	require.Equal(t, platform.PartitionReady, p.Status)

	_, err = c.FindPartition(context.Background(), uuid.New())
	require.ErrorIs(t, err, platform.ErrTargetGone)
}

func TestErrorClassification(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("name") {
		case "overloaded":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "throttled":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))

	_, err := c.ApplicationLoad(context.Background(), "overloaded")
	require.True(t, platform.IsTransient(err), "5xx should be transient, got %v", err)

	_, err = c.ApplicationLoad(context.Background(), "throttled")
	require.True(t, platform.IsTransient(err), "429 should be transient, got %v", err)

	_, err = c.ApplicationLoad(context.Background(), "forbidden")
	require.Error(t, err)
	require.False(t, platform.IsTransient(err), "4xx should not be transient")
}

func TestConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c, err := New(Config{Endpoint: srv.URL, Timeout: time.Second, ResolutionCacheTTL: time.Minute, ResolutionCacheSize: 16}, log.Logger)
	require.NoError(t, err)
	srv.Close()

	_, err = c.ClusterHealth(context.Background())
	require.True(t, platform.IsTransient(err), "connection refused should be transient, got %v", err)
}

func TestResolveEndpointCaches(t *testing.T) {
	id := uuid.New()
	hits := 0
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/services/resolve", r.URL.Path)
		require.Equal(t, id.String(), r.URL.Query().Get("partition"))
		hits++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"address":"http://10.0.0.1:8080"}`))
	}))

	for i := 0; i < 3; i++ {
		addr, err := c.ResolveEndpoint(context.Background(), "fabric:/App/Svc", id, "")
		require.NoError(t, err)
		require.Equal(t, "http://10.0.0.1:8080", addr)
	}
	require.Equal(t, 1, hits, "resolutions should come from cache")

	// refresh drops the cache
	c.Refresh()
	_, err := c.ResolveEndpoint(context.Background(), "fabric:/App/Svc", id, "")
	require.NoError(t, err)
	require.Equal(t, 2, hits)
}

func TestReportPartitionHealth(t *testing.T) {
	id := uuid.New()
	var body []byte
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/partitions/"+id.String()+"/health", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))

	err := c.ReportPartitionHealth(context.Background(), id, platform.Report{
		SourceID: "Watchdog",
		Property: "UserSvcHealth",
		State:    platform.StateWarning,
	})
	require.NoError(t, err)
	require.Contains(t, string(body), `"state":"Warning"`)
	require.Contains(t, string(body), `"property":"UserSvcHealth"`)
}

func TestPartitionsPassesToken(t *testing.T) {
	var tokens []string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens = append(tokens, r.URL.Query().Get("token"))
		w.Header().Set("Content-Type", "application/json")
		if len(tokens) == 1 {
			_, _ = w.Write([]byte(`{"items":[],"continuationToken":"2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))

	page, err := c.Partitions(context.Background(), "fabric:/App/Svc", "")
	require.NoError(t, err)
	require.Equal(t, "2", page.ContinuationToken)

	page, err = c.Partitions(context.Background(), "fabric:/App/Svc", page.ContinuationToken)
	require.NoError(t, err)
	require.Empty(t, page.ContinuationToken)
	require.Equal(t, []string{"", "2"}, tokens)
}
