// Package platform defines the watchdog's view of the cluster that hosts
// it: service and partition topology, replica load, health reporting. The
// platform names applications and services with fabric:/ URIs; services
// split into partitions identified by uuid, each served by replicas with
// exactly one primary.
package platform

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Scheme is the URI scheme of application and service names.
const Scheme = "fabric:"

type PartitionStatus string

const (
	PartitionReady         PartitionStatus = "Ready"
	PartitionNotReady      PartitionStatus = "NotReady"
	PartitionInQuorumLoss  PartitionStatus = "InQuorumLoss"
	PartitionReconfiguring PartitionStatus = "Reconfiguring"
)

type ReplicaStatus string

const (
	ReplicaReady   ReplicaStatus = "Ready"
	ReplicaDown    ReplicaStatus = "Down"
	ReplicaStandby ReplicaStatus = "Standby"
)

type ReplicaRole string

const (
	ReplicaPrimary         ReplicaRole = "Primary"
	ReplicaActiveSecondary ReplicaRole = "ActiveSecondary"
	ReplicaIdleSecondary   ReplicaRole = "IdleSecondary"
)

// Partition is one partition of a service.
type Partition struct {
	ID      uuid.UUID       `json:"id"`
	Service string          `json:"service"`
	Status  PartitionStatus `json:"status"`
}

// Replica is one replica of a partition.
type Replica struct {
	ID        int64         `json:"id"`
	Partition uuid.UUID     `json:"partition"`
	Role      ReplicaRole   `json:"role"`
	Status    ReplicaStatus `json:"status"`
	Address   string        `json:"address,omitempty"`
}

// LoadValue is a single named load metric sample.
type LoadValue struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// LoadReport is the set of load values a platform entity reports. For
// partitions the values are those of the primary replica.
type LoadReport struct {
	Values []LoadValue `json:"values"`
}

// PartitionPage is one page of a partition listing.
type PartitionPage struct {
	Items             []Partition `json:"items"`
	ContinuationToken string      `json:"continuationToken,omitempty"`
}

// ReplicaPage is one page of a replica listing.
type ReplicaPage struct {
	Items             []Replica `json:"items"`
	ContinuationToken string    `json:"continuationToken,omitempty"`
}

// EntityHealth is the rolled-up health of one named cluster entity.
type EntityHealth struct {
	Name  string `json:"name"`
	State State  `json:"state"`
}

// ClusterHealth is the cluster-wide health roll-up.
type ClusterHealth struct {
	State        State          `json:"state"`
	Applications []EntityHealth `json:"applications,omitempty"`
	Nodes        []EntityHealth `json:"nodes,omitempty"`
}

// Report is a health report submitted by the watchdog. Reports expire
// after TTL unless refreshed, so a silent watchdog surfaces as missing
// health rather than stale green.
type Report struct {
	SourceID    string        `json:"sourceId"`
	Property    string        `json:"property"`
	State       State         `json:"state"`
	Description string        `json:"description,omitempty"`
	TTL         time.Duration `json:"ttl,omitempty"`
}

// Client is how the watchdog talks to its hosting platform. Listing calls
// page with continuation tokens; an empty token starts from the beginning
// and an empty returned token ends the listing.
type Client interface {
	// ServiceExists reports whether the service URI is registered.
	ServiceExists(ctx context.Context, service string) (bool, error)

	// FindPartition returns the partition, or ErrTargetGone when the id is
	// not known to the platform.
	FindPartition(ctx context.Context, id uuid.UUID) (*Partition, error)

	// ResolveEndpoint returns the base address of the partition's primary
	// replica, optionally a named endpoint of it.
	ResolveEndpoint(ctx context.Context, service string, id uuid.UUID, endpoint string) (string, error)

	// Partitions lists the partitions of a service.
	Partitions(ctx context.Context, service, token string) (PartitionPage, error)

	// Replicas lists the replicas of a partition.
	Replicas(ctx context.Context, id uuid.UUID, token string) (ReplicaPage, error)

	// PartitionLoad returns the primary-replica load of the partition.
	PartitionLoad(ctx context.Context, id uuid.UUID) (LoadReport, error)

	// ReplicaLoad returns the load of one replica.
	ReplicaLoad(ctx context.Context, id uuid.UUID, replica int64) (LoadReport, error)

	// ApplicationLoad returns the application-level load.
	ApplicationLoad(ctx context.Context, application string) (LoadReport, error)

	// ClusterHealth returns the cluster-wide health roll-up.
	ClusterHealth(ctx context.Context) (ClusterHealth, error)

	// ReportPartitionHealth submits a health report for the partition.
	ReportPartitionHealth(ctx context.Context, id uuid.UUID, report Report) error

	// ReportLoad submits the caller's own load values for its partition.
	ReportLoad(ctx context.Context, id uuid.UUID, values []LoadValue) error

	// Refresh drops the underlying connection and builds a fresh one. It is
	// the recovery path after ErrClientClosed.
	Refresh()
}
