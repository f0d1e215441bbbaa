// Package api holds the HTTP surface shared by the watchdog server and its
// clients: route paths, body limits and the mapping from the error taxonomy
// to response codes.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"

	"github.com/clusterkite/kite/kitedb"
	"github.com/clusterkite/kite/pkg/platform"
)

const (
	MuxVarApplication = "application"
	MuxVarService     = "service"
	MuxVarPartition   = "partition"

	PathHealthCheck = "/api/v1/healthcheck"
	PathMetrics     = "/api/v1/metrics"

	// PathWatchdogHealth answers the watchdog's own rolled-up verdict and
	// doubles as the target of its self-registered probe.
	PathWatchdogHealth = "/watchdog/health"

	PathBuildInfo = "/api/status/buildinfo"

	// MaxBodyBytes caps request bodies on the registration endpoints.
	MaxBodyBytes = 1 << 20

	// retryAfterSeconds is the backoff hint attached to 503 answers.
	retryAfterSeconds = 5
)

// ErrInvalidArgument tags requests rejected during validation. Handlers
// answer them with 400 and never touch the store.
var ErrInvalidArgument = errors.New("invalid argument")

// ReadJSON decodes a request body into v. Bodies over MaxBodyBytes and
// malformed JSON are reported as invalid arguments.
func ReadJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body := http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := jsoniter.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes: %w", int64(MaxBodyBytes), ErrInvalidArgument)
		}
		return fmt.Errorf("malformed request body: %s: %w", err.Error(), ErrInvalidArgument)
	}
	return nil
}

// WriteJSON writes v as a JSON response body.
func WriteJSON(w http.ResponseWriter, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	return jsoniter.NewEncoder(w).Encode(v)
}

// WriteError maps an error to its status code and writes a plain-text
// response. Transient and wrong-role failures answer 503 with a
// Retry-After hint so callers on the losing replica come back after the
// next election.
func WriteError(logger log.Logger, w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		level.Error(logger).Log("msg", "request failed", "status", status, "err", err)
	}
	http.Error(w, err.Error(), status)
}

// StatusFor resolves the response code for an error.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, platform.ErrTargetGone):
		return http.StatusNotFound
	case errors.Is(err, kitedb.ErrNotPrimary):
		return http.StatusServiceUnavailable
	case kitedb.IsTransient(err), platform.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
