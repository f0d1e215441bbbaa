package healthcheck

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/clusterkite/kite/kitedb"
	"github.com/clusterkite/kite/modules/settings"
	"github.com/clusterkite/kite/pkg/api"
	"github.com/clusterkite/kite/pkg/platform"
	"github.com/clusterkite/kite/pkg/platform/platformtest"
	"github.com/clusterkite/kite/pkg/telemetry/telemetrytest"
)

const testService = "fabric:/Shop/Cart"

func newTestEngine(t *testing.T) (*Engine, *platformtest.Fake, *telemetrytest.Capture) {
	t.Helper()

	store, err := kitedb.Open(kitedb.Config{Path: filepath.Join(t.TempDir(), "kite.db")}, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	store.SetRole(kitedb.RolePrimary)

	fake := platformtest.New()
	capture := telemetrytest.New()
	e := New(
		Config{TickGrace: 30 * time.Second},
		store, fake, capture,
		settings.Static{HealthCheckInterval: time.Minute},
		log.NewNopLogger(),
	)
	return e, fake, capture
}

func newTestCheck(id uuid.UUID) *HealthCheck {
	return &HealthCheck{
		Name:        "ping",
		ServiceName: testService,
		Partition:   id,
		SuffixPath:  "/healthz",
		Frequency:   model.Duration(time.Minute),
	}
}

func scheduleEntries(t *testing.T, e *Engine) []ScheduledItem {
	t.Helper()
	ctx := context.Background()

	_, sched, err := e.maps(ctx)
	require.NoError(t, err)
	tx, err := e.store.Begin(ctx, kitedb.ReadOnly)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	var out []ScheduledItem
	require.NoError(t, sched.RangeAll(ctx, tx, func(_ int64, it ScheduledItem) (bool, error) {
		out = append(out, it)
		return true, nil
	}))
	return out
}

func TestRegisterStoresAndSchedules(t *testing.T) {
	ctx := context.Background()
	e, fake, _ := newTestEngine(t)

	id := uuid.New()
	fake.AddPartition(testService, id, platform.PartitionReady)

	hc := newTestCheck(id)
	hc.Frequency = 0
	require.NoError(t, e.Register(ctx, hc))

	// defaults are filled in
	require.Equal(t, "GET", hc.Method)
	require.Equal(t, model.Duration(DefaultFrequency), hc.Frequency)
	require.Equal(t, model.Duration(DefaultMaximumDuration), hc.MaximumDuration)

	got, err := e.List(ctx, "", "", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "/Shop/Cart/"+id.String(), got[0].Key())
	require.Zero(t, got[0].LastAttempt)
	require.EqualValues(t, 1, e.CheckCount())

	entries := scheduleEntries(t, e)
	require.Len(t, entries, 1)
	require.Equal(t, hc.Key(), entries[0].Key)
	require.LessOrEqual(t, entries[0].ExecutionTicks, time.Now().UnixNano())
}

func TestStartingSeedsCheckCount(t *testing.T) {
	ctx := context.Background()

	store, err := kitedb.Open(kitedb.Config{Path: filepath.Join(t.TempDir(), "kite.db")}, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	store.SetRole(kitedb.RolePrimary)

	fake := platformtest.New()
	id := uuid.New()
	fake.AddPartition(testService, id, platform.PartitionReady)

	sets := settings.Static{HealthCheckInterval: time.Minute}
	first := New(Config{TickGrace: 30 * time.Second}, store, fake, telemetrytest.New(), sets, log.NewNopLogger())
	require.NoError(t, first.Register(ctx, newTestCheck(id)))

	// a freshly constructed engine learns the count from the store
	// before its first pass
	second := New(Config{TickGrace: 30 * time.Second}, store, fake, telemetrytest.New(), sets, log.NewNopLogger())
	require.Zero(t, second.CheckCount())
	require.NoError(t, second.starting(ctx))
	require.EqualValues(t, 1, second.CheckCount())
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	e, fake, _ := newTestEngine(t)

	id := uuid.New()
	fake.AddPartition(testService, id, platform.PartitionReady)
	other := uuid.New()
	fake.AddPartition("fabric:/Shop/Billing", other, platform.PartitionReady)

	tests := []struct {
		name    string
		mangle  func(hc *HealthCheck)
		wantErr error
	}{
		{"no name", func(hc *HealthCheck) { hc.Name = "" }, api.ErrInvalidArgument},
		{"relative service", func(hc *HealthCheck) { hc.ServiceName = "Shop/Cart" }, api.ErrInvalidArgument},
		{"no suffix", func(hc *HealthCheck) { hc.SuffixPath = "" }, api.ErrInvalidArgument},
		{"bad method", func(hc *HealthCheck) { hc.Method = "FETCH" }, api.ErrInvalidArgument},
		{"content without media type", func(hc *HealthCheck) { hc.Content = "{}" }, api.ErrInvalidArgument},
		{"negative frequency", func(hc *HealthCheck) { hc.Frequency = model.Duration(-time.Second) }, api.ErrInvalidArgument},
		{"status code out of range", func(hc *HealthCheck) { hc.ErrorStatusCodes = []int32{42} }, api.ErrInvalidArgument},
		{"unknown service", func(hc *HealthCheck) { hc.ServiceName = "fabric:/Shop/Nope" }, api.ErrInvalidArgument},
		{"unknown partition", func(hc *HealthCheck) { hc.Partition = uuid.New() }, api.ErrInvalidArgument},
		{"partition of another service", func(hc *HealthCheck) { hc.Partition = other }, api.ErrInvalidArgument},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			hc := newTestCheck(id)
			tc.mangle(hc)
			require.ErrorIs(t, e.Register(ctx, hc), tc.wantErr)
		})
	}

	got, err := e.List(ctx, "", "", "")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReregisterResetsScheduleAndResults(t *testing.T) {
	ctx := context.Background()
	e, fake, _ := newTestEngine(t)

	id := uuid.New()
	fake.AddPartition(testService, id, platform.PartitionReady)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	fake.SetEndpoint(testService, id, "", srv.URL)

	hc := newTestCheck(id)
	require.NoError(t, e.Register(ctx, hc))
	require.NoError(t, e.Tick(ctx, time.Now().Add(50*time.Millisecond)))

	got, err := e.List(ctx, "", "", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.EqualValues(t, 1, got[0].FailureCount)
	require.EqualValues(t, http.StatusServiceUnavailable, got[0].ResultCode)

	require.NoError(t, e.Register(ctx, newTestCheck(id)))

	got, err = e.List(ctx, "", "", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Zero(t, got[0].FailureCount)
	require.Zero(t, got[0].ResultCode)
	require.Zero(t, got[0].LastAttempt)

	entries := scheduleEntries(t, e)
	require.Len(t, entries, 1)
	require.Equal(t, hc.Key(), entries[0].Key)
	require.LessOrEqual(t, entries[0].ExecutionTicks, time.Now().UnixNano())
}

func TestScheduleCollisionsExhaust(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	_, sched, err := e.maps(ctx)
	require.NoError(t, err)

	tx, err := e.store.Begin(ctx, kitedb.ReadWrite)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	at := time.Now()
	for i := int64(0); i < scheduleAttempts; i++ {
		ok, err := sched.TryAdd(ctx, tx, at.UnixNano()+i, ScheduledItem{ExecutionTicks: at.UnixNano() + i, Key: "/Other/Svc/p"})
		require.NoError(t, err)
		require.True(t, ok)
	}

	_, err = e.scheduleAt(ctx, tx, sched, at, "/Shop/Cart/p")
	require.ErrorIs(t, err, kitedb.ErrConflict)

	// one free slot in the window is enough
	_, err = e.scheduleAt(ctx, tx, sched, at.Add(time.Nanosecond), "/Shop/Cart/p")
	require.NoError(t, err)
}

func TestTickProbesAndReschedules(t *testing.T) {
	ctx := context.Background()
	e, fake, capture := newTestEngine(t)

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Inc()
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/healthz", r.URL.Path)
		require.Equal(t, "abc", r.Header.Get("X-Probe-Token"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	id := uuid.New()
	fake.AddPartition(testService, id, platform.PartitionReady)
	fake.SetEndpoint(testService, id, "", srv.URL)

	hc := newTestCheck(id)
	hc.Headers = map[string]string{"X-Probe-Token": "abc"}
	require.NoError(t, e.Register(ctx, hc))

	now := time.Now().Add(50 * time.Millisecond)
	require.NoError(t, e.Tick(ctx, now))
	require.EqualValues(t, 1, hits.Load())

	got, err := e.List(ctx, "Shop", "Cart", id.String())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.EqualValues(t, http.StatusOK, got[0].ResultCode)
	require.Zero(t, got[0].FailureCount)
	require.GreaterOrEqual(t, got[0].DurationMs, int64(0))
	require.Equal(t, now.UnixNano(), got[0].LastAttempt)

	entries := scheduleEntries(t, e)
	require.Len(t, entries, 1)
	require.Equal(t, now.Add(time.Minute).UnixNano(), entries[0].ExecutionTicks)

	reports := fake.HealthReports()
	require.Len(t, reports, 1)
	require.Equal(t, id, reports[0].Partition)
	require.Equal(t, SourceID, reports[0].Report.SourceID)
	require.Equal(t, "ping", reports[0].Report.Property)
	require.Equal(t, platform.StateOk, reports[0].Report.State)
	require.Equal(t, time.Minute+reportTTLGrace, reports[0].Report.TTL)

	avail := capture.Availability()
	require.Len(t, avail, 1)
	require.True(t, avail[0].OK)
	require.Equal(t, testService, avail[0].Service)
	require.Equal(t, id.String(), avail[0].Instance)

	state, _ := e.Health()
	require.Equal(t, platform.StateOk, state)

	// nothing is due until the frequency elapses
	require.NoError(t, e.Tick(ctx, now.Add(time.Second)))
	require.EqualValues(t, 1, hits.Load())
}

func TestTickVerdicts(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		mangle func(hc *HealthCheck)
		want   platform.State
	}{
		{"success", http.StatusOK, nil, platform.StateOk},
		{"listed warning", http.StatusServiceUnavailable, func(hc *HealthCheck) {
			hc.WarningStatusCodes = []int32{http.StatusServiceUnavailable}
		}, platform.StateWarning},
		{"warning list wins over error list", http.StatusServiceUnavailable, func(hc *HealthCheck) {
			hc.WarningStatusCodes = []int32{http.StatusServiceUnavailable}
			hc.ErrorStatusCodes = []int32{http.StatusServiceUnavailable}
		}, platform.StateWarning},
		{"listed error beats success range", http.StatusOK, func(hc *HealthCheck) {
			hc.ErrorStatusCodes = []int32{http.StatusOK}
		}, platform.StateError},
		{"unlisted failure", http.StatusNotFound, nil, platform.StateError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			e, fake, _ := newTestEngine(t)

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.code)
			}))
			defer srv.Close()

			id := uuid.New()
			fake.AddPartition(testService, id, platform.PartitionReady)
			fake.SetEndpoint(testService, id, "", srv.URL)

			hc := newTestCheck(id)
			if tc.mangle != nil {
				tc.mangle(hc)
			}
			require.NoError(t, e.Register(ctx, hc))
			require.NoError(t, e.Tick(ctx, time.Now().Add(50*time.Millisecond)))

			reports := fake.HealthReports()
			require.Len(t, reports, 1)
			require.Equal(t, tc.want, reports[0].Report.State)

			got, err := e.List(ctx, "", "", "")
			require.NoError(t, err)
			require.Len(t, got, 1)
			if tc.want == platform.StateOk {
				require.Zero(t, got[0].FailureCount)
			} else {
				require.EqualValues(t, 1, got[0].FailureCount)
			}
		})
	}
}

func TestTickSlowSuccessStaysOk(t *testing.T) {
	ctx := context.Background()
	e, fake, _ := newTestEngine(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(30 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	id := uuid.New()
	fake.AddPartition(testService, id, platform.PartitionReady)
	fake.SetEndpoint(testService, id, "", srv.URL)

	hc := newTestCheck(id)
	hc.ExpectedDuration = model.Duration(time.Millisecond)
	require.NoError(t, e.Register(ctx, hc))
	require.NoError(t, e.Tick(ctx, time.Now().Add(50*time.Millisecond)))

	reports := fake.HealthReports()
	require.Len(t, reports, 1)
	require.Equal(t, platform.StateOk, reports[0].Report.State)
	require.Contains(t, reports[0].Report.Description, "slower than the expected")
}

func TestTickTransportFailure(t *testing.T) {
	ctx := context.Background()
	e, fake, capture := newTestEngine(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv.Close() // nothing listens on the address anymore

	id := uuid.New()
	fake.AddPartition(testService, id, platform.PartitionReady)
	fake.SetEndpoint(testService, id, "", srv.URL)

	require.NoError(t, e.Register(ctx, newTestCheck(id)))

	now := time.Now().Add(50 * time.Millisecond)
	require.NoError(t, e.Tick(ctx, now))

	got, err := e.List(ctx, "", "", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.EqualValues(t, http.StatusInternalServerError, got[0].ResultCode)
	require.EqualValues(t, -1, got[0].DurationMs)
	require.EqualValues(t, 1, got[0].FailureCount)

	// failures accumulate across attempts
	require.NoError(t, e.Tick(ctx, now.Add(2*time.Minute)))
	got, err = e.List(ctx, "", "", "")
	require.NoError(t, err)
	require.EqualValues(t, 2, got[0].FailureCount)

	avail := capture.Availability()
	require.Len(t, avail, 2)
	require.False(t, avail[0].OK)

	reports := fake.HealthReports()
	require.Len(t, reports, 2)
	require.Equal(t, platform.StateError, reports[0].Report.State)
	require.Contains(t, reports[0].Report.Description, "did not answer")
}

func TestTickDropsGoneTarget(t *testing.T) {
	ctx := context.Background()
	e, fake, _ := newTestEngine(t)

	id := uuid.New()
	fake.AddPartition(testService, id, platform.PartitionReady)
	require.NoError(t, e.Register(ctx, newTestCheck(id)))

	fake.RemovePartition(id)
	require.NoError(t, e.Tick(ctx, time.Now().Add(50*time.Millisecond)))

	got, err := e.List(ctx, "", "", "")
	require.NoError(t, err)
	require.Empty(t, got)
	require.Empty(t, scheduleEntries(t, e))
	require.Zero(t, e.CheckCount())
}

func TestTickKeepsScheduleOnTransientLookup(t *testing.T) {
	ctx := context.Background()
	e, fake, _ := newTestEngine(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	id := uuid.New()
	fake.AddPartition(testService, id, platform.PartitionReady)
	fake.SetEndpoint(testService, id, "", srv.URL)
	require.NoError(t, e.Register(ctx, newTestCheck(id)))

	before := scheduleEntries(t, e)
	require.Len(t, before, 1)

	fake.FailNext("FindPartition", platform.Transient{Err: errors.New("throttled")}, 1)
	require.NoError(t, e.Tick(ctx, time.Now().Add(50*time.Millisecond)))

	// the entry stays due and the check is untouched
	after := scheduleEntries(t, e)
	require.Equal(t, before, after)
	got, err := e.List(ctx, "", "", "")
	require.NoError(t, err)
	require.Zero(t, got[0].LastAttempt)

	// the next pass probes normally
	now := time.Now().Add(100 * time.Millisecond)
	require.NoError(t, e.Tick(ctx, now))
	got, err = e.List(ctx, "", "", "")
	require.NoError(t, err)
	require.Equal(t, now.UnixNano(), got[0].LastAttempt)
}

func TestTickRefreshesClosedClient(t *testing.T) {
	ctx := context.Background()
	e, fake, _ := newTestEngine(t)

	id := uuid.New()
	fake.AddPartition(testService, id, platform.PartitionReady)
	require.NoError(t, e.Register(ctx, newTestCheck(id)))

	fake.FailNext("FindPartition", platform.ErrClientClosed, 1)
	require.NoError(t, e.Tick(ctx, time.Now().Add(50*time.Millisecond)))
	require.Equal(t, 1, fake.Refreshes())
	require.Len(t, scheduleEntries(t, e), 1)
}

func TestTickSkipsWithoutWriteAccess(t *testing.T) {
	ctx := context.Background()
	e, fake, capture := newTestEngine(t)

	id := uuid.New()
	fake.AddPartition(testService, id, platform.PartitionReady)
	require.NoError(t, e.Register(ctx, newTestCheck(id)))

	e.store.SetRole(kitedb.RoleSecondary)
	require.NoError(t, e.Tick(ctx, time.Now().Add(50*time.Millisecond)))

	require.Empty(t, capture.Availability())
	require.Empty(t, fake.HealthReports())

	state, _ := e.Health()
	require.Equal(t, platform.StateUnknown, state)
}

func TestTickDropsOrphanedScheduleEntry(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	_, sched, err := e.maps(ctx)
	require.NoError(t, err)

	tx, err := e.store.Begin(ctx, kitedb.ReadWrite)
	require.NoError(t, err)
	ticks := time.Now().UnixNano()
	ok, err := sched.TryAdd(ctx, tx, ticks, ScheduledItem{ExecutionTicks: ticks, Key: "/Gone/Svc/p"})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, tx.Commit())

	require.NoError(t, e.Tick(ctx, time.Now().Add(50*time.Millisecond)))
	require.Empty(t, scheduleEntries(t, e))
}

func TestListScopes(t *testing.T) {
	ctx := context.Background()
	e, fake, _ := newTestEngine(t)

	cartA, cartB := uuid.New(), uuid.New()
	billing := uuid.New()
	warehouse := uuid.New()
	fake.AddPartition(testService, cartA, platform.PartitionReady)
	fake.AddPartition(testService, cartB, platform.PartitionReady)
	fake.AddPartition("fabric:/Shop/Billing", billing, platform.PartitionReady)
	fake.AddPartition("fabric:/Warehouse/Stock", warehouse, platform.PartitionReady)

	for _, c := range []struct {
		svc string
		id  uuid.UUID
	}{
		{testService, cartA},
		{testService, cartB},
		{"fabric:/Shop/Billing", billing},
		{"fabric:/Warehouse/Stock", warehouse},
	} {
		hc := newTestCheck(c.id)
		hc.ServiceName = c.svc
		hc.Partition = c.id
		require.NoError(t, e.Register(ctx, hc))
	}

	all, err := e.List(ctx, "", "", "")
	require.NoError(t, err)
	require.Len(t, all, 4)

	shop, err := e.List(ctx, "Shop", "", "")
	require.NoError(t, err)
	require.Len(t, shop, 3)

	cart, err := e.List(ctx, "Shop", "Cart", "")
	require.NoError(t, err)
	require.Len(t, cart, 2)

	one, err := e.List(ctx, "Shop", "Cart", cartA.String())
	require.NoError(t, err)
	require.Len(t, one, 1)
	require.Equal(t, cartA, one[0].Partition)

	none, err := e.List(ctx, "Sho", "", "")
	require.NoError(t, err)
	require.Empty(t, none)
}
