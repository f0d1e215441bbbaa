package platform

import "errors"

var (
	// ErrTargetGone reports that the service, partition or replica a call
	// named is not (or no longer) known to the platform.
	ErrTargetGone = errors.New("target no longer exists")

	// ErrClientClosed reports that the underlying platform connection was
	// torn down. Refresh rebuilds it.
	ErrClientClosed = errors.New("platform client closed")
)

// Transient wraps errors expected to clear on their own: timeouts,
// connection resets, throttling, 5xx answers. Callers keep their state and
// retry later.
type Transient struct {
	Err error
}

func (t Transient) Error() string { return "transient: " + t.Err.Error() }

func (t Transient) Unwrap() error { return t.Err }

// IsTransient reports whether err is safe to retry later.
func IsTransient(err error) bool {
	var t Transient
	return errors.As(err, &t)
}
