package kitedb

import (
	"errors"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store is closed")

	// ErrNotPrimary is returned when the replica does not hold the access
	// required for the operation. Callers are expected to discard the
	// current unit of work and wait for the next role grant.
	ErrNotPrimary = errors.New("access denied for current replica role")

	// ErrConflict reports that a keyed slot was already taken after all
	// collision retries were spent.
	ErrConflict = errors.New("key conflict")

	// ErrReadOnlyTx is returned when a mutating operation is attempted on a
	// read-only transaction.
	ErrReadOnlyTx = errors.New("mutating operation on read-only transaction")

	// ErrKindMismatch is returned when a named map is reopened with a
	// different key kind than it was created with.
	ErrKindMismatch = errors.New("map exists with a different key kind")
)

// Transient wraps an error that is expected to clear on its own, such as a
// busy database file. Callers keep their state and retry on the next pass.
type Transient struct {
	Err error
}

func (t Transient) Error() string { return "transient: " + t.Err.Error() }

func (t Transient) Unwrap() error { return t.Err }

// IsTransient reports whether err is safe to retry later without
// intervention.
func IsTransient(err error) bool {
	var t Transient
	return errors.As(err, &t)
}

// asStoreErr classifies driver errors. Busy and locked states become
// Transient, everything else passes through untouched.
func asStoreErr(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return Transient{Err: err}
		}
	}
	return err
}
