package tablestore

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes the cleanup engine keys its batch policy on.
const (
	CodeResourceNotFound = "ResourceNotFound"
	CodeTableNotFound    = "TableNotFound"
)

var (
	// ErrNotFound reports that the addressed table does not exist.
	ErrNotFound = errors.New("table not found")

	// ErrBatchTooLarge reports a DeleteBatch call over MaxBatchSize rows.
	ErrBatchTooLarge = fmt.Errorf("batch exceeds %d rows", MaxBatchSize)
)

// BatchError is a failed batched delete. The service rejects the whole
// batch over the first offending row; FailedIndex is that row's position,
// or -1 when the service did not say.
type BatchError struct {
	Status      int
	Code        string
	FailedIndex int
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch delete failed: status %d, code %s, failed index %d", e.Status, e.Code, e.FailedIndex)
}

// NotFound reports whether the batch failed because a row does not exist.
// The caller drops the offending row and resubmits the rest.
func (e *BatchError) NotFound() bool {
	return e.Code == CodeResourceNotFound
}

// Transient wraps errors expected to clear on their own: timeouts, reset
// connections, throttling and server errors.
type Transient struct {
	Err error
}

func (t Transient) Error() string { return "transient: " + t.Err.Error() }

func (t Transient) Unwrap() error { return t.Err }

// IsTransient reports whether the operation is worth retrying.
func IsTransient(err error) bool {
	var t Transient
	if errors.As(err, &t) {
		return true
	}
	var be *BatchError
	if errors.As(err, &be) {
		return transientStatus(be.Status)
	}
	return false
}

func transientStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return status >= http.StatusInternalServerError
}
