// Package memory implements an in-memory tablestore.Client for tests. Its
// failure injection mirrors the behaviors of the real service the cleanup
// engine must cope with: missing tables, poisoned rows inside a batch and
// transient faults.
package memory

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clusterkite/kite/pkg/tablestore"
)

type Client struct {
	mtx sync.Mutex

	tables   map[string][]tablestore.Entity
	poisoned map[string]bool
	errNext  map[string][]error

	pageSize int
	deleted  int
	batches  [][]string
}

var _ tablestore.Client = (*Client)(nil)

func New() *Client {
	return &Client{
		tables:   map[string][]tablestore.Entity{},
		poisoned: map[string]bool{},
		errNext:  map[string][]error{},
		pageSize: 1000,
	}
}

// Seed adds rows to a table, creating it if needed.
func (c *Client) Seed(table string, ents ...tablestore.Entity) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	rows := append(c.tables[table], ents...)
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].PartitionKey != rows[j].PartitionKey {
			return rows[i].PartitionKey < rows[j].PartitionKey
		}
		return rows[i].RowKey < rows[j].RowKey
	})
	c.tables[table] = rows
}

// Poison makes DeleteBatch pretend the row does not exist. The row still
// shows up in listings, like a row deleted by someone else mid-cleanup.
func (c *Client) Poison(table, partitionKey, rowKey string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.poisoned[rowID(table, partitionKey, rowKey)] = true
}

// FailNext queues an error for the next call of the named method
// (TableExists, QueryOlderThan or DeleteBatch).
func (c *Client) FailNext(method string, err error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.errNext[method] = append(c.errNext[method], err)
}

// SetPageSize caps listing pages, default 1000.
func (c *Client) SetPageSize(n int) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.pageSize = n
}

// Rows returns a copy of the table's current rows.
func (c *Client) Rows(table string) []tablestore.Entity {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]tablestore.Entity(nil), c.tables[table]...)
}

// Deleted returns the total number of rows removed so far.
func (c *Client) Deleted() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.deleted
}

// Batches returns the row-key sets of every DeleteBatch call observed.
func (c *Client) Batches() [][]string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	out := make([][]string, 0, len(c.batches))
	for _, b := range c.batches {
		out = append(out, append([]string(nil), b...))
	}
	return out
}

func (c *Client) TableExists(_ context.Context, table string) (bool, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if err := c.popErr("TableExists"); err != nil {
		return false, err
	}
	_, ok := c.tables[table]
	return ok, nil
}

func (c *Client) QueryOlderThan(_ context.Context, table string, cutoff time.Time, token string) (tablestore.Page, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if err := c.popErr("QueryOlderThan"); err != nil {
		return tablestore.Page{}, err
	}
	rows, ok := c.tables[table]
	if !ok {
		return tablestore.Page{}, tablestore.ErrNotFound
	}

	var matched []tablestore.Entity
	for _, row := range rows {
		if row.Timestamp.Before(cutoff) {
			matched = append(matched, row)
		}
	}

	// Continuation tokens are positions, not offsets, so rows deleted
	// behind the cursor never shift what follows. Same contract as the
	// real service's next-key pair.
	start := 0
	if token != "" {
		pk, rk, ok := strings.Cut(token, "\n")
		if !ok {
			return tablestore.Page{}, fmt.Errorf("malformed continuation token %q", token)
		}
		for start < len(matched) {
			row := matched[start]
			if row.PartitionKey > pk || (row.PartitionKey == pk && row.RowKey > rk) {
				break
			}
			start++
		}
	}
	if start >= len(matched) {
		return tablestore.Page{}, nil
	}

	end := start + c.pageSize
	if end > len(matched) {
		end = len(matched)
	}
	page := tablestore.Page{Entities: append([]tablestore.Entity(nil), matched[start:end]...)}
	if end < len(matched) {
		last := matched[end-1]
		page.NextToken = last.PartitionKey + "\n" + last.RowKey
	}
	return page, nil
}

func (c *Client) DeleteBatch(_ context.Context, table string, partitionKey string, rowKeys []string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.batches = append(c.batches, append([]string(nil), rowKeys...))
	if err := c.popErr("DeleteBatch"); err != nil {
		return err
	}
	if len(rowKeys) > tablestore.MaxBatchSize {
		return tablestore.ErrBatchTooLarge
	}
	rows, ok := c.tables[table]
	if !ok {
		return &tablestore.BatchError{Status: http.StatusNotFound, Code: tablestore.CodeTableNotFound, FailedIndex: -1}
	}

	// All-or-nothing: the first missing row fails the whole batch with its
	// index, like the real service.
	for i, rk := range rowKeys {
		if c.poisoned[rowID(table, partitionKey, rk)] || !contains(rows, partitionKey, rk) {
			return &tablestore.BatchError{Status: http.StatusNotFound, Code: tablestore.CodeResourceNotFound, FailedIndex: i}
		}
	}

	kept := rows[:0]
	for _, row := range rows {
		if row.PartitionKey == partitionKey && inSet(rowKeys, row.RowKey) {
			c.deleted++
			continue
		}
		kept = append(kept, row)
	}
	c.tables[table] = kept
	return nil
}

func (c *Client) popErr(method string) error {
	queue := c.errNext[method]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	c.errNext[method] = queue[1:]
	return err
}

func contains(rows []tablestore.Entity, pk, rk string) bool {
	for _, row := range rows {
		if row.PartitionKey == pk && row.RowKey == rk {
			return true
		}
	}
	return false
}

func inSet(keys []string, rk string) bool {
	for _, k := range keys {
		if k == rk {
			return true
		}
	}
	return false
}

func rowID(table, pk, rk string) string {
	return table + "/" + pk + "/" + rk
}
