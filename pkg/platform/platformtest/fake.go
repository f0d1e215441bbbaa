// Package platformtest provides an in-memory platform.Client with settable
// topology and programmable failures for engine tests.
package platformtest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/clusterkite/kite/pkg/platform"
)

// HealthReport is one captured ReportPartitionHealth call.
type HealthReport struct {
	Partition uuid.UUID
	Report    platform.Report
}

// LoadReport is one captured ReportLoad call.
type LoadReport struct {
	Partition uuid.UUID
	Values    []platform.LoadValue
}

type Fake struct {
	mtx sync.Mutex

	services   map[string]bool
	partitions map[uuid.UUID]platform.Partition
	partsOf    map[string][]uuid.UUID
	replicas   map[uuid.UUID][]platform.Replica
	endpoints  map[string]string
	partLoad   map[uuid.UUID]platform.LoadReport
	replLoad   map[string]platform.LoadReport
	appLoad    map[string]platform.LoadReport
	cluster    platform.ClusterHealth

	pageSize int

	healthReports []HealthReport
	loadReports   []LoadReport
	refreshes     int

	errNext map[string][]error
}

var _ platform.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		services:   map[string]bool{},
		partitions: map[uuid.UUID]platform.Partition{},
		partsOf:    map[string][]uuid.UUID{},
		replicas:   map[uuid.UUID][]platform.Replica{},
		endpoints:  map[string]string{},
		partLoad:   map[uuid.UUID]platform.LoadReport{},
		replLoad:   map[string]platform.LoadReport{},
		appLoad:    map[string]platform.LoadReport{},
		errNext:    map[string][]error{},
	}
}

// AddService registers a service URI.
func (f *Fake) AddService(service string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.services[service] = true
}

// AddPartition registers a partition of a service.
func (f *Fake) AddPartition(service string, id uuid.UUID, status platform.PartitionStatus) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.services[service] = true
	f.partitions[id] = platform.Partition{ID: id, Service: service, Status: status}
	f.partsOf[service] = append(f.partsOf[service], id)
}

// RemovePartition forgets a partition, modeling a deleted target.
func (f *Fake) RemovePartition(id uuid.UUID) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	p, ok := f.partitions[id]
	if !ok {
		return
	}
	delete(f.partitions, id)
	ids := f.partsOf[p.Service]
	for i, pid := range ids {
		if pid == id {
			f.partsOf[p.Service] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// AddReplica registers a replica of a partition.
func (f *Fake) AddReplica(id uuid.UUID, r platform.Replica) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	r.Partition = id
	f.replicas[id] = append(f.replicas[id], r)
}

// SetEndpoint sets the address ResolveEndpoint returns for the partition's
// primary.
func (f *Fake) SetEndpoint(service string, id uuid.UUID, endpoint, address string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.endpoints[endpointKey(service, id, endpoint)] = address
}

// SetPartitionLoad sets the primary-load report of a partition.
func (f *Fake) SetPartitionLoad(id uuid.UUID, values ...platform.LoadValue) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.partLoad[id] = platform.LoadReport{Values: values}
}

// SetReplicaLoad sets the load report of one replica.
func (f *Fake) SetReplicaLoad(id uuid.UUID, replica int64, values ...platform.LoadValue) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.replLoad[replicaKey(id, replica)] = platform.LoadReport{Values: values}
}

// SetApplicationLoad sets the application-level load report.
func (f *Fake) SetApplicationLoad(application string, values ...platform.LoadValue) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.appLoad[application] = platform.LoadReport{Values: values}
}

// SetClusterHealth sets the cluster roll-up.
func (f *Fake) SetClusterHealth(h platform.ClusterHealth) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.cluster = h
}

// SetPageSize makes listings return at most n items per page. Zero means
// everything in one page.
func (f *Fake) SetPageSize(n int) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.pageSize = n
}

// FailNext queues err for the next n calls of the named method.
func (f *Fake) FailNext(method string, err error, n int) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	for i := 0; i < n; i++ {
		f.errNext[method] = append(f.errNext[method], err)
	}
}

// HealthReports returns all captured health reports.
func (f *Fake) HealthReports() []HealthReport {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	out := make([]HealthReport, len(f.healthReports))
	copy(out, f.healthReports)
	return out
}

// LoadReports returns all captured load reports.
func (f *Fake) LoadReports() []LoadReport {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	out := make([]LoadReport, len(f.loadReports))
	copy(out, f.loadReports)
	return out
}

// Refreshes returns how many times Refresh was called.
func (f *Fake) Refreshes() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.refreshes
}

func (f *Fake) popErr(method string) error {
	q := f.errNext[method]
	if len(q) == 0 {
		return nil
	}
	f.errNext[method] = q[1:]
	return q[0]
}

func (f *Fake) ServiceExists(_ context.Context, service string) (bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if err := f.popErr("ServiceExists"); err != nil {
		return false, err
	}
	return f.services[service], nil
}

func (f *Fake) FindPartition(_ context.Context, id uuid.UUID) (*platform.Partition, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if err := f.popErr("FindPartition"); err != nil {
		return nil, err
	}
	p, ok := f.partitions[id]
	if !ok {
		return nil, platform.ErrTargetGone
	}
	return &p, nil
}

func (f *Fake) ResolveEndpoint(_ context.Context, service string, id uuid.UUID, endpoint string) (string, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if err := f.popErr("ResolveEndpoint"); err != nil {
		return "", err
	}
	addr, ok := f.endpoints[endpointKey(service, id, endpoint)]
	if !ok {
		return "", platform.ErrTargetGone
	}
	return addr, nil
}

func (f *Fake) Partitions(_ context.Context, service, token string) (platform.PartitionPage, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if err := f.popErr("Partitions"); err != nil {
		return platform.PartitionPage{}, err
	}
	if !f.services[service] {
		return platform.PartitionPage{}, platform.ErrTargetGone
	}

	ids := f.partsOf[service]
	items := make([]platform.Partition, 0, len(ids))
	for _, id := range ids {
		items = append(items, f.partitions[id])
	}
	page, next, err := paginate(items, token, f.pageSize)
	if err != nil {
		return platform.PartitionPage{}, err
	}
	return platform.PartitionPage{Items: page, ContinuationToken: next}, nil
}

func (f *Fake) Replicas(_ context.Context, id uuid.UUID, token string) (platform.ReplicaPage, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if err := f.popErr("Replicas"); err != nil {
		return platform.ReplicaPage{}, err
	}
	if _, ok := f.partitions[id]; !ok {
		return platform.ReplicaPage{}, platform.ErrTargetGone
	}

	page, next, err := paginate(f.replicas[id], token, f.pageSize)
	if err != nil {
		return platform.ReplicaPage{}, err
	}
	return platform.ReplicaPage{Items: page, ContinuationToken: next}, nil
}

func (f *Fake) PartitionLoad(_ context.Context, id uuid.UUID) (platform.LoadReport, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if err := f.popErr("PartitionLoad"); err != nil {
		return platform.LoadReport{}, err
	}
	if _, ok := f.partitions[id]; !ok {
		return platform.LoadReport{}, platform.ErrTargetGone
	}
	return f.partLoad[id], nil
}

func (f *Fake) ReplicaLoad(_ context.Context, id uuid.UUID, replica int64) (platform.LoadReport, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if err := f.popErr("ReplicaLoad"); err != nil {
		return platform.LoadReport{}, err
	}
	r, ok := f.replLoad[replicaKey(id, replica)]
	if !ok {
		return platform.LoadReport{}, platform.ErrTargetGone
	}
	return r, nil
}

func (f *Fake) ApplicationLoad(_ context.Context, application string) (platform.LoadReport, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if err := f.popErr("ApplicationLoad"); err != nil {
		return platform.LoadReport{}, err
	}
	r, ok := f.appLoad[application]
	if !ok {
		return platform.LoadReport{}, platform.ErrTargetGone
	}
	return r, nil
}

func (f *Fake) ClusterHealth(_ context.Context) (platform.ClusterHealth, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if err := f.popErr("ClusterHealth"); err != nil {
		return platform.ClusterHealth{}, err
	}
	return f.cluster, nil
}

func (f *Fake) ReportPartitionHealth(_ context.Context, id uuid.UUID, report platform.Report) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if err := f.popErr("ReportPartitionHealth"); err != nil {
		return err
	}
	f.healthReports = append(f.healthReports, HealthReport{Partition: id, Report: report})
	return nil
}

func (f *Fake) ReportLoad(_ context.Context, id uuid.UUID, values []platform.LoadValue) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if err := f.popErr("ReportLoad"); err != nil {
		return err
	}
	f.loadReports = append(f.loadReports, LoadReport{Partition: id, Values: values})
	return nil
}

func (f *Fake) Refresh() {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.refreshes++
}

func paginate[T any](items []T, token string, pageSize int) ([]T, string, error) {
	start := 0
	if token != "" {
		var err error
		start, err = strconv.Atoi(token)
		if err != nil || start < 0 || start > len(items) {
			return nil, "", fmt.Errorf("bad continuation token %q", token)
		}
	}
	if pageSize <= 0 || start+pageSize >= len(items) {
		return items[start:], "", nil
	}
	return items[start : start+pageSize], strconv.Itoa(start + pageSize), nil
}

func endpointKey(service string, id uuid.UUID, endpoint string) string {
	return service + "|" + id.String() + "|" + endpoint
}

func replicaKey(id uuid.UUID, replica int64) string {
	return id.String() + "|" + strconv.FormatInt(replica, 10)
}
