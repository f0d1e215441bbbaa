package loadmetrics

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
	"github.com/clusterkite/kite/pkg/api"
	"github.com/clusterkite/kite/pkg/platform"
	"github.com/clusterkite/kite/pkg/platform/platformtest"
	"github.com/clusterkite/kite/pkg/telemetry"
	"github.com/clusterkite/kite/pkg/telemetry/telemetrytest"
)

const (
	testApp     = "fabric:/Shop"
	testService = "fabric:/Shop/Cart"
)

func newTestEngine(t *testing.T) (*Engine, *platformtest.Fake, *telemetrytest.Capture) {
	store, err := kitedb.Open(kitedb.Config{Path: filepath.Join(t.TempDir(), "kite.db")}, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	store.SetRole(kitedb.RolePrimary)

	cluster := platformtest.New()
	sink := telemetrytest.New()

	e := New(Config{TickGrace: 30 * time.Second}, store, cluster, sink, settings.Static{MetricInterval: time.Minute}, log.NewNopLogger())
	return e, cluster, sink
}

func TestRegisterStoresSubscription(t *testing.T) {
	e, cluster, _ := newTestEngine(t)
	ctx := context.Background()

	id := uuid.New()
	cluster.AddPartition(testService, id, platform.PartitionReady)

	mc := &MetricCheck{Application: testApp, Service: testService, Partition: id, MetricNames: []string{"rps"}}
	require.NoError(t, e.Register(ctx, mc))

	got, err := e.List(ctx, "", "", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "/Shop/Cart/"+id.String(), got[0].Key())
	require.Equal(t, []string{"rps"}, got[0].MetricNames)

	// Registering the same target again replaces the name list.
	mc.MetricNames = []string{"rps", "queueDepth"}
	require.NoError(t, e.Register(ctx, mc))

	got, err = e.List(ctx, "", "", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, []string{"rps", "queueDepth"}, got[0].MetricNames)
}

func TestRegisterValidation(t *testing.T) {
	e, cluster, _ := newTestEngine(t)
	ctx := context.Background()

	known := uuid.New()
	cluster.AddPartition(testService, known, platform.PartitionReady)
	foreign := uuid.New()
	cluster.AddPartition("fabric:/Shop/Billing", foreign, platform.PartitionReady)
	cluster.SetApplicationLoad(testApp)

	valid := func() *MetricCheck {
		return &MetricCheck{Application: testApp, Service: testService, Partition: known, MetricNames: []string{"rps"}}
	}

	for _, tc := range []struct {
		name   string
		mutate func(*MetricCheck)
	}{
		{"missing application", func(mc *MetricCheck) { mc.Application = "" }},
		{"application without scheme", func(mc *MetricCheck) { mc.Application = "/Shop" }},
		{"service outside application", func(mc *MetricCheck) { mc.Service = "fabric:/Other/Cart" }},
		{"partition without service", func(mc *MetricCheck) { mc.Service = "" }},
		{"no metric names", func(mc *MetricCheck) { mc.MetricNames = nil }},
		{"blank metric name", func(mc *MetricCheck) { mc.MetricNames = []string{"rps", ""} }},
		{"unknown service", func(mc *MetricCheck) { mc.Service = testApp + "/Nope"; mc.Partition = uuid.Nil }},
		{"unknown partition", func(mc *MetricCheck) { mc.Partition = uuid.New() }},
		{"partition of another service", func(mc *MetricCheck) { mc.Partition = foreign }},
		{"unknown application", func(mc *MetricCheck) { mc.Application = "fabric:/Nope"; mc.Service = ""; mc.Partition = uuid.Nil }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mc := valid()
			tc.mutate(mc)
			err := e.Register(ctx, mc)
			require.ErrorIs(t, err, api.ErrInvalidArgument)
		})
	}

	got, err := e.List(ctx, "", "", "")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestRegisterSucceedsWhenClientClosed(t *testing.T) {
	e, cluster, _ := newTestEngine(t)
	ctx := context.Background()

	cluster.AddService(testService)
	cluster.FailNext("ServiceExists", platform.ErrClientClosed, 1)

	mc := &MetricCheck{Application: testApp, Service: testService, MetricNames: []string{"rps"}}
	require.NoError(t, e.Register(ctx, mc))
	require.Equal(t, 1, cluster.Refreshes())

	got, err := e.List(ctx, "Shop", "Cart", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestTickPartitionSubscription(t *testing.T) {
	e, cluster, sink := newTestEngine(t)
	ctx := context.Background()

	id := uuid.New()
	cluster.AddPartition(testService, id, platform.PartitionReady)
	cluster.SetPartitionLoad(id,
		platform.LoadValue{Name: "rps", Value: 120},
		platform.LoadValue{Name: "queueDepth", Value: 3},
	)

	// A pinned partition reports everything its primary publishes, the
	// name list only selected the target.
	mc := &MetricCheck{Application: testApp, Service: testService, Partition: id, MetricNames: []string{"rps"}}
	require.NoError(t, e.Register(ctx, mc))

	require.NoError(t, e.Tick(ctx))

	require.Equal(t, []telemetry.Metric{
		{Role: testService, Instance: id.String(), Name: "rps", Value: 120},
		{Role: testService, Instance: id.String(), Name: "queueDepth", Value: 3},
	}, sink.Metrics())
	require.EqualValues(t, 2, e.ObservedCount())

	state, _ := e.Health()
	require.Equal(t, platform.StateOk, state)
}

func TestTickServiceSubscription(t *testing.T) {
	e, cluster, sink := newTestEngine(t)
	ctx := context.Background()

	ready := uuid.New()
	building := uuid.New()
	cluster.AddPartition(testService, ready, platform.PartitionReady)
	cluster.AddPartition(testService, building, platform.PartitionStatus("InQuorumLoss"))

	cluster.AddReplica(ready, platform.Replica{ID: 1, Role: platform.ReplicaPrimary, Status: platform.ReplicaReady})
	cluster.AddReplica(ready, platform.Replica{ID: 2, Role: platform.ReplicaActiveSecondary, Status: platform.ReplicaReady})
	cluster.AddReplica(ready, platform.Replica{ID: 3, Role: platform.ReplicaActiveSecondary, Status: platform.ReplicaDown})

	cluster.SetReplicaLoad(ready, 1,
		platform.LoadValue{Name: "rps", Value: 10},
		platform.LoadValue{Name: "scratch", Value: 99},
	)
	cluster.SetReplicaLoad(ready, 2, platform.LoadValue{Name: "rps", Value: 20})

	// One-item pages force the pagination paths.
	cluster.SetPageSize(1)

	mc := &MetricCheck{Application: testApp, Service: testService, MetricNames: []string{"rps"}}
	require.NoError(t, e.Register(ctx, mc))

	require.NoError(t, e.Tick(ctx))

	require.Equal(t, []telemetry.Metric{
		{Role: testService, Instance: "1", Name: "rps", Value: 10},
		{Role: testService, Instance: "2", Name: "rps", Value: 20},
	}, sink.Metrics())
	require.EqualValues(t, 2, e.ObservedCount())
}

func TestTickApplicationSubscription(t *testing.T) {
	e, cluster, sink := newTestEngine(t)
	ctx := context.Background()

	cluster.SetApplicationLoad(testApp,
		platform.LoadValue{Name: "cpu", Value: 0.5},
		platform.LoadValue{Name: "memory", Value: 0.9},
	)

	mc := &MetricCheck{Application: testApp, MetricNames: []string{"cpu"}}
	require.NoError(t, e.Register(ctx, mc))

	require.NoError(t, e.Tick(ctx))

	require.Equal(t, []telemetry.Metric{
		{Role: testApp, Name: "cpu", Value: 0.5},
	}, sink.Metrics())
}

func TestTickRetriesTransientPulls(t *testing.T) {
	e, cluster, sink := newTestEngine(t)
	ctx := context.Background()

	id := uuid.New()
	cluster.AddPartition(testService, id, platform.PartitionReady)
	cluster.SetPartitionLoad(id, platform.LoadValue{Name: "rps", Value: 7})

	mc := &MetricCheck{Application: testApp, Service: testService, Partition: id, MetricNames: []string{"rps"}}
	require.NoError(t, e.Register(ctx, mc))

	cluster.FailNext("PartitionLoad", platform.Transient{Err: errors.New("throttled")}, 2)

	require.NoError(t, e.Tick(ctx))
	require.Len(t, sink.Metrics(), 1)
}

func TestTickAbandonsSubscriptionAfterBudget(t *testing.T) {
	e, cluster, sink := newTestEngine(t)
	ctx := context.Background()

	id := uuid.New()
	cluster.AddPartition(testService, id, platform.PartitionReady)
	cluster.SetPartitionLoad(id, platform.LoadValue{Name: "rps", Value: 7})

	mc := &MetricCheck{Application: testApp, Service: testService, Partition: id, MetricNames: []string{"rps"}}
	require.NoError(t, e.Register(ctx, mc))

	cluster.FailNext("PartitionLoad", platform.Transient{Err: errors.New("throttled")}, pullAttempts)

	// A spent budget abandons the one subscription, not the pass.
	require.NoError(t, e.Tick(ctx))
	require.Empty(t, sink.Metrics())

	state, _ := e.Health()
	require.Equal(t, platform.StateOk, state)

	require.NoError(t, e.Tick(ctx))
	require.Len(t, sink.Metrics(), 1)
}

func TestTickKeepsSubscriptionForGoneTarget(t *testing.T) {
	e, cluster, sink := newTestEngine(t)
	ctx := context.Background()

	id := uuid.New()
	cluster.AddPartition(testService, id, platform.PartitionReady)

	mc := &MetricCheck{Application: testApp, Service: testService, Partition: id, MetricNames: []string{"rps"}}
	require.NoError(t, e.Register(ctx, mc))

	cluster.RemovePartition(id)

	require.NoError(t, e.Tick(ctx))
	require.Empty(t, sink.Metrics())

	// Unlike health checks, subscriptions outlive their target; the
	// partition may come back under the same service.
	got, err := e.List(ctx, "", "", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestTickRefreshesClosedClient(t *testing.T) {
	e, cluster, sink := newTestEngine(t)
	ctx := context.Background()

	id := uuid.New()
	cluster.AddPartition(testService, id, platform.PartitionReady)
	cluster.SetPartitionLoad(id, platform.LoadValue{Name: "rps", Value: 7})

	mc := &MetricCheck{Application: testApp, Service: testService, Partition: id, MetricNames: []string{"rps"}}
	require.NoError(t, e.Register(ctx, mc))

	cluster.FailNext("PartitionLoad", platform.ErrClientClosed, 1)

	require.NoError(t, e.Tick(ctx))
	require.Equal(t, 1, cluster.Refreshes())
	require.Len(t, sink.Metrics(), 1)
}

func TestTickSkipsWithoutWriteAccess(t *testing.T) {
	e, cluster, sink := newTestEngine(t)
	ctx := context.Background()

	id := uuid.New()
	cluster.AddPartition(testService, id, platform.PartitionReady)
	cluster.SetPartitionLoad(id, platform.LoadValue{Name: "rps", Value: 7})

	mc := &MetricCheck{Application: testApp, Service: testService, Partition: id, MetricNames: []string{"rps"}}
	require.NoError(t, e.Register(ctx, mc))

	e.store.SetRole(kitedb.RoleSecondary)

	require.NoError(t, e.Tick(ctx))
	require.Empty(t, sink.Metrics())

	state, _ := e.Health()
	require.Equal(t, platform.StateUnknown, state)
}

func TestListScopes(t *testing.T) {
	e, cluster, _ := newTestEngine(t)
	ctx := context.Background()

	id := uuid.New()
	cluster.AddPartition(testService, id, platform.PartitionReady)
	cluster.AddService(testService)
	cluster.SetApplicationLoad(testApp)
	cluster.SetApplicationLoad("fabric:/Mail")
	cluster.SetApplicationLoad("fabric:/Shopify")

	for _, mc := range []*MetricCheck{
		{Application: testApp, MetricNames: []string{"cpu"}},
		{Application: testApp, Service: testService, MetricNames: []string{"rps"}},
		{Application: testApp, Service: testService, Partition: id, MetricNames: []string{"rps"}},
		{Application: "fabric:/Mail", MetricNames: []string{"queued"}},
		{Application: "fabric:/Shopify", MetricNames: []string{"cpu"}},
	} {
		require.NoError(t, e.Register(ctx, mc))
	}

	for _, tc := range []struct {
		app, svc, part string
		want           int
	}{
		{"", "", "", 5},
		{"Shop", "", "", 3},
		{"Shop", "Cart", "", 2},
		{"Shop", "Cart", id.String(), 1},
		{"Mail", "", "", 1},
		{"Shop", "Checkout", "", 0},
	} {
		got, err := e.List(ctx, tc.app, tc.svc, tc.part)
		require.NoError(t, err)
		require.Len(t, got, tc.want, "scope %s/%s/%s", tc.app, tc.svc, tc.part)
	}
}
