package kitedb

import "database/sql"

// TxMode selects the isolation of a transaction.
type TxMode int

const (
	ReadOnly TxMode = iota
	ReadWrite
)

func (m TxMode) String() string {
	if m == ReadWrite {
		return "read_write"
	}
	return "read_only"
}

// Tx is a unit of work against the store. Map mutations are visible to
// other transactions only after Commit; Rollback discards them. A Tx is
// not safe for concurrent use.
type Tx struct {
	store *Store
	tx    *sql.Tx
	mode  TxMode
	done  bool
}

// Commit makes all changes of the transaction durable.
func (t *Tx) Commit() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	err := asStoreErr(t.tx.Commit())
	metricTransactions.WithLabelValues(t.mode.String(), txStatus(err)).Inc()
	return err
}

// Rollback discards the transaction. Calling it after Commit is a no-op,
// so it can be deferred unconditionally.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	err := asStoreErr(t.tx.Rollback())
	metricTransactions.WithLabelValues(t.mode.String(), "rollback").Inc()
	return err
}

func txStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "commit"
}

// guard validates the transaction and re-checks the role gate. Roles can
// be revoked while a transaction is open; operations fail from that point
// on and the caller is expected to roll back.
func (t *Tx) guard(write bool) error {
	if t.done {
		return sql.ErrTxDone
	}
	if write {
		if t.mode != ReadWrite {
			return ErrReadOnlyTx
		}
		if t.store.WriteStatus() != AccessGranted {
			return ErrNotPrimary
		}
		return nil
	}
	if t.store.ReadStatus() != AccessGranted {
		return ErrNotPrimary
	}
	return nil
}
