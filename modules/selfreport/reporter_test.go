package selfreport

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/clusterkite/kite/kitedb"
	"github.com/clusterkite/kite/modules/settings"
	"github.com/clusterkite/kite/pkg/platform"
	"github.com/clusterkite/kite/pkg/platform/platformtest"
	"github.com/clusterkite/kite/pkg/telemetry"
	"github.com/clusterkite/kite/pkg/telemetry/telemetrytest"
)

type fakeSource struct {
	state  platform.State
	detail string
	count  int64
}

func (f *fakeSource) Health() (platform.State, string) { return f.state, f.detail }
func (f *fakeSource) CheckCount() int64                { return f.count }
func (f *fakeSource) ObservedCount() int64             { return f.count }

type fixtures struct {
	reporter *Reporter
	cluster  *platformtest.Fake
	sink     *telemetrytest.Capture
	probes   *fakeSource
	loads    *fakeSource
	sweeps   *fakeSource
	identity Identity
}

func newTestReporter(t *testing.T, sets settings.Settings) *fixtures {
	store, err := kitedb.Open(kitedb.Config{Path: filepath.Join(t.TempDir(), "kite.db")}, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	store.SetRole(kitedb.RolePrimary)

	f := &fixtures{
		cluster:  platformtest.New(),
		sink:     telemetrytest.New(),
		probes:   &fakeSource{state: platform.StateOk},
		loads:    &fakeSource{state: platform.StateOk},
		sweeps:   &fakeSource{state: platform.StateOk},
		identity: Identity{ServiceName: "fabric:/Kite/Watchdog", Partition: uuid.New()},
	}

	var cfg Config
	cfg.RegisterFlagsAndApplyDefaults("", nil)

	f.reporter = New(cfg, f.identity, store, f.cluster, f.sink, settings.Static(sets),
		Sources{Probes: f.probes, Loads: f.loads, Sweeps: f.sweeps}, log.NewNopLogger())
	f.reporter.MarkProbeRegistered(true)
	return f
}

func reportByProperty(t *testing.T, reports []platformtest.HealthReport, property string) platform.Report {
	t.Helper()
	for _, r := range reports {
		if r.Report.Property == property {
			return r.Report
		}
	}
	t.Fatalf("no report with property %s", property)
	return platform.Report{}
}

func TestTickReportsFourHealthEvents(t *testing.T) {
	f := newTestReporter(t, settings.Settings{HealthReportInterval: time.Minute})

	require.NoError(t, f.reporter.Tick(context.Background()))

	reports := f.cluster.HealthReports()
	require.Len(t, reports, 4)
	for _, r := range reports {
		require.Equal(t, f.identity.Partition, r.Partition)
		require.Equal(t, sourceID, r.Report.SourceID)
		require.Equal(t, time.Minute+ttlGrace, r.Report.TTL)
	}

	composite := reportByProperty(t, reports, propServiceHealth)
	require.Equal(t, platform.StateOk, composite.State)
	require.Equal(t, "all components healthy", composite.Description)

	state, detail := f.reporter.Health()
	require.Equal(t, platform.StateOk, state)
	require.Equal(t, "all components healthy", detail)
}

func TestCompositeDegradesWithEngines(t *testing.T) {
	f := newTestReporter(t, settings.Settings{HealthReportInterval: time.Minute})
	f.loads.state, f.loads.detail = platform.StateWarning, "two subscriptions abandoned"
	f.sweeps.state, f.sweeps.detail = platform.StateError, "table service unreachable"

	require.NoError(t, f.reporter.Tick(context.Background()))

	state, detail := f.reporter.Health()
	require.Equal(t, platform.StateError, state)
	require.Contains(t, detail, "load metrics: two subscriptions abandoned")
	require.Contains(t, detail, "cleanup: table service unreachable")

	reports := f.cluster.HealthReports()
	require.Equal(t, platform.StateWarning, reportByProperty(t, reports, propMetricOps).State)
	require.Equal(t, platform.StateError, reportByProperty(t, reports, propCleanupOps).State)
	require.Equal(t, platform.StateOk, reportByProperty(t, reports, propProbeOps).State)
}

func TestCompositeWarnsUntilProbeRegistered(t *testing.T) {
	f := newTestReporter(t, settings.Settings{HealthReportInterval: time.Minute})
	f.reporter.MarkProbeRegistered(false)

	require.NoError(t, f.reporter.Tick(context.Background()))

	state, detail := f.reporter.Health()
	require.Equal(t, platform.StateWarning, state)
	require.Contains(t, detail, "own health probe not registered")

	f.reporter.MarkProbeRegistered(true)
	require.NoError(t, f.reporter.Tick(context.Background()))

	state, _ = f.reporter.Health()
	require.Equal(t, platform.StateOk, state)
}

func TestMissingEngineIsError(t *testing.T) {
	f := newTestReporter(t, settings.Settings{HealthReportInterval: time.Minute})
	f.reporter.sources.Probes = nil

	require.NoError(t, f.reporter.Tick(context.Background()))

	state, detail := f.reporter.Health()
	require.Equal(t, platform.StateError, state)
	require.Contains(t, detail, "health check engine missing")

	// The remaining reports still go out; only the load report is skipped.
	require.Len(t, f.cluster.HealthReports(), 4)
	require.Empty(t, f.cluster.LoadReports())
}

func TestTickReportsLoad(t *testing.T) {
	f := newTestReporter(t, settings.Settings{HealthReportInterval: time.Minute})
	f.probes.count = 3
	f.loads.count = 42

	require.NoError(t, f.reporter.Tick(context.Background()))

	loads := f.cluster.LoadReports()
	require.Len(t, loads, 1)
	require.Equal(t, f.identity.Partition, loads[0].Partition)
	require.Equal(t, []platform.LoadValue{
		{Name: "ObservedMetricCount", Value: 42},
		{Name: "HealthCheckCount", Value: 3},
	}, loads[0].Values)

	require.Equal(t, []telemetry.Metric{
		{Role: f.identity.ServiceName, Instance: f.identity.Partition.String(), Name: "ObservedMetricCount", Value: 42},
		{Role: f.identity.ServiceName, Instance: f.identity.Partition.String(), Name: "HealthCheckCount", Value: 3},
	}, f.sink.Metrics())
}

func TestRollupEmitsClusterAndProblemEntities(t *testing.T) {
	f := newTestReporter(t, settings.Settings{HealthReportInterval: time.Minute})
	f.cluster.SetClusterHealth(platform.ClusterHealth{
		State: platform.StateWarning,
		Applications: []platform.EntityHealth{
			{Name: "fabric:/Shop", State: platform.StateOk},
			{Name: "fabric:/Mail", State: platform.StateError},
		},
		Nodes: []platform.EntityHealth{
			{Name: "node0", State: platform.StateOk},
			{Name: "node1", State: platform.StateWarning},
		},
	})

	require.NoError(t, f.reporter.Tick(context.Background()))

	events := f.sink.Health()
	require.Len(t, events, 3)

	require.Equal(t, propClusterHealth, events[0].Property)
	require.Equal(t, platform.StateWarning, events[0].State)
	require.Equal(t, "2 applications, 2 nodes evaluated", events[0].Description)

	require.Equal(t, propApplicationHealth, events[1].Property)
	require.Equal(t, "fabric:/Mail", events[1].Application)
	require.Equal(t, platform.StateError, events[1].State)

	require.Equal(t, propNodeHealth, events[2].Property)
	require.Equal(t, "node1", events[2].Instance)
	require.Equal(t, platform.StateWarning, events[2].State)
}

func TestRollupFailureSkipsRound(t *testing.T) {
	f := newTestReporter(t, settings.Settings{HealthReportInterval: time.Minute})
	f.cluster.FailNext("ClusterHealth", platform.Transient{Err: errors.New("gateway timeout")})

	require.NoError(t, f.reporter.Tick(context.Background()))

	require.Empty(t, f.sink.Health())
	require.Len(t, f.cluster.HealthReports(), 4, "health reports are unaffected")
}

func TestTickSkipsPlatformOnSecondary(t *testing.T) {
	f := newTestReporter(t, settings.Settings{HealthReportInterval: time.Minute})
	f.reporter.store.SetRole(kitedb.RoleSecondary)

	require.NoError(t, f.reporter.Tick(context.Background()))

	require.Empty(t, f.cluster.HealthReports())
	require.Empty(t, f.cluster.LoadReports())

	// The composite is still computed locally.
	state, _ := f.reporter.Health()
	require.Equal(t, platform.StateOk, state)
}

func TestFallbackIntervalDrivesTTL(t *testing.T) {
	f := newTestReporter(t, settings.Settings{})

	require.NoError(t, f.reporter.Tick(context.Background()))

	reports := f.cluster.HealthReports()
	require.Len(t, reports, 4)
	require.Equal(t, fallbackInterval+ttlGrace, reports[0].Report.TTL)
}

func TestIdentityUnsetSkipsReports(t *testing.T) {
	f := newTestReporter(t, settings.Settings{HealthReportInterval: time.Minute})
	f.reporter.identity.Partition = uuid.Nil

	require.NoError(t, f.reporter.Tick(context.Background()))

	require.Empty(t, f.cluster.HealthReports())
	require.Empty(t, f.cluster.LoadReports())

	state, _ := f.reporter.Health()
	require.Equal(t, platform.StateOk, state)
}
