// Package tablestore abstracts the table service holding the cluster's
// diagnostic rows. The cleanup engine only ever lists rows older than a
// cutoff and deletes them in per-partition batches, so the interface stays
// that narrow.
package tablestore

import (
	"context"
	"time"
)

// MaxBatchSize is the largest number of rows one batched delete may carry.
// The table service rejects anything bigger.
const MaxBatchSize = 100

// Entity is one diagnostic row. Only the addressing fields and the server
// timestamp matter for cleanup.
type Entity struct {
	PartitionKey string
	RowKey       string
	Timestamp    time.Time
}

// Page is one page of a listing. An empty NextToken ends the listing.
type Page struct {
	Entities  []Entity
	NextToken string
}

// Client talks to one table service account.
type Client interface {
	// TableExists reports whether the named table is present.
	TableExists(ctx context.Context, table string) (bool, error)

	// QueryOlderThan lists rows whose server timestamp is before cutoff.
	// Pass an empty token to start and the returned NextToken to continue.
	QueryOlderThan(ctx context.Context, table string, cutoff time.Time, token string) (Page, error)

	// DeleteBatch deletes rows sharing one partition key in a single
	// all-or-nothing transaction of at most MaxBatchSize rows.
	DeleteBatch(ctx context.Context, table string, partitionKey string, rowKeys []string) error
}
