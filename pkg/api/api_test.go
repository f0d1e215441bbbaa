package api

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/clusterkite/kite/kitedb"
	"github.com/clusterkite/kite/pkg/platform"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("name is empty: %w", ErrInvalidArgument), http.StatusBadRequest},
		{platform.ErrTargetGone, http.StatusNotFound},
		{kitedb.ErrNotPrimary, http.StatusServiceUnavailable},
		{kitedb.Transient{Err: fmt.Errorf("database busy")}, http.StatusServiceUnavailable},
		{platform.Transient{Err: fmt.Errorf("gateway timeout")}, http.StatusServiceUnavailable},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		require.Equal(t, tc.status, StatusFor(tc.err), "StatusFor(%v)", tc.err)
	}
}

func TestWriteErrorRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(log.NewNopLogger(), rec, kitedb.ErrNotPrimary)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "5", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	WriteError(log.NewNopLogger(), rec, fmt.Errorf("broken"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Empty(t, rec.Header().Get("Retry-After"))
}

func TestReadJSONRejectsOversizedBody(t *testing.T) {
	huge := `{"name":"` + strings.Repeat("x", MaxBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(huge))

	var v struct {
		Name string `json:"name"`
	}
	err := ReadJSON(httptest.NewRecorder(), req, &v)
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Contains(t, err.Error(), "exceeds")
}

func TestReadJSONMalformed(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"name":`))

	var v struct {
		Name string `json:"name"`
	}
	err := ReadJSON(httptest.NewRecorder(), req, &v)
	require.ErrorIs(t, err, ErrInvalidArgument)
}
