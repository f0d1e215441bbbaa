package cleanup

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/clusterkite/kite/modules/settings"
	"github.com/clusterkite/kite/pkg/tablestore"
)

const (
	// batchPause spaces consecutive delete batches to stay under the table
	// service's throttling thresholds.
	batchPause = 100 * time.Millisecond

	// submitCap bounds one batch including all its retries and resubmits.
	submitCap = 60 * time.Second

	// submitAttempts is the retry budget of one batch on transient faults.
	submitAttempts = 3
)

// sweep runs one pass over every configured table. A failing table does
// not stop the others; errors accumulate into the pass verdict.
func (e *Engine) sweep(ctx context.Context, client tablestore.Client, sets settings.Settings) error {
	cutoff := time.Now().Add(-sets.DiagnosticTimeToKeep)
	target := sets.DiagnosticTargetCount
	if target <= 0 {
		target = fallbackTargetCount
	}

	var errs error
	for _, table := range e.cfg.Tables {
		if ctx.Err() != nil {
			return multierr.Append(errs, ctx.Err())
		}
		if err := e.sweepTable(ctx, client, table, cutoff, target); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "sweeping %s", table))
		}
	}
	return errs
}

func (e *Engine) sweepTable(ctx context.Context, client tablestore.Client, table string, cutoff time.Time, target int) error {
	exists, err := client.TableExists(ctx, table)
	if err != nil {
		return errors.Wrap(err, "checking table")
	}
	if !exists {
		level.Debug(e.logger).Log("msg", "diagnostic table absent", "table", table)
		return nil
	}

	deleted := 0
	token := ""
	for {
		page, err := client.QueryOlderThan(ctx, table, cutoff, token)
		if err != nil {
			return errors.Wrap(err, "listing expired rows")
		}
		metricRowsObserved.WithLabelValues(table).Add(float64(len(page.Entities)))

		for _, b := range batches(page.Entities) {
			n, err := e.submit(ctx, client, table, b)
			deleted += n
			metricRowsDeleted.WithLabelValues(table).Add(float64(n))
			if err != nil {
				return err
			}
			if deleted >= target {
				level.Info(e.logger).Log("msg", "deletion target reached", "table", table, "deleted", deleted)
				return nil
			}
			pause(ctx)
		}

		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	if deleted > 0 {
		level.Info(e.logger).Log("msg", "expired rows removed", "table", table, "deleted", deleted)
	}
	return nil
}

// batch is one all-or-nothing delete: rows sharing a partition key.
type batch struct {
	partitionKey string
	rowKeys      []string
}

// batches groups consecutive same-partition rows, cutting at the service's
// batch ceiling. Listings come back partition-ordered, so consecutive
// grouping is complete grouping.
func batches(ents []tablestore.Entity) []batch {
	var out []batch
	for _, ent := range ents {
		last := len(out) - 1
		if last < 0 || out[last].partitionKey != ent.PartitionKey || len(out[last].rowKeys) == tablestore.MaxBatchSize {
			out = append(out, batch{partitionKey: ent.PartitionKey})
			last++
		}
		out[last].rowKeys = append(out[last].rowKeys, ent.RowKey)
	}
	return out
}

// submit deletes one batch, retrying transient faults and dropping rows the
// service reports as already gone. Returns how many rows were deleted.
func (e *Engine) submit(ctx context.Context, client tablestore.Client, table string, b batch) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, submitCap)
	defer cancel()

	rows := b.rowKeys
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: time.Second,
		MaxBackoff: 4 * time.Second,
		MaxRetries: submitAttempts,
	})

	var lastErr error
	for boff.Ongoing() {
		lastErr = client.DeleteBatch(ctx, table, b.partitionKey, rows)
		if lastErr == nil {
			return len(rows), nil
		}

		var be *tablestore.BatchError
		if errors.As(lastErr, &be) && be.NotFound() {
			// A row someone else already removed fails the whole batch;
			// drop it and resubmit the rest without spending a retry. An
			// unidentifiable row abandons the batch.
			if be.FailedIndex < 0 || be.FailedIndex >= len(rows) {
				break
			}
			rows = append(rows[:be.FailedIndex], rows[be.FailedIndex+1:]...)
			if len(rows) == 0 {
				return 0, nil
			}
			continue
		}

		if !tablestore.IsTransient(lastErr) {
			break
		}
		boff.Wait()
	}

	metricBatchFailures.WithLabelValues(table).Inc()
	if lastErr == nil {
		lastErr = boff.Err()
	}
	return 0, errors.Wrapf(lastErr, "deleting batch of %d rows from partition %s", len(rows), b.partitionKey)
}

func pause(ctx context.Context) {
	t := time.NewTimer(batchPause)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
