package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/fmaxsweep/internal/server/middleware"
	"github.com/3leaps/fmaxsweep/pkg/control"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{fmt.Errorf("%w: alu/fast", control.ErrUnknownJob), http.StatusNotFound, "JOB_NOT_FOUND"},
		{fmt.Errorf("%w: %q", control.ErrUnknownCommand, "reboot"), http.StatusBadRequest, "UNKNOWN_COMMAND"},
		{fmt.Errorf("pause fifo/small: %w", control.ErrInvalidState), http.StatusConflict, "INVALID_STATE"},
		{control.ErrClosed, http.StatusServiceUnavailable, "RUN_FINISHED"},
		{assert.AnError, http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			status, code := StatusFor(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestRespondWithError_DefaultEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodPost, "/api/v1/commands", nil),
		fmt.Errorf("%w: alu/fast", control.ErrUnknownJob))

	require.Equal(t, http.StatusNotFound, rec.Code)
	var resp middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "JOB_NOT_FOUND", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "alu/fast")
}

func TestSetHTTPErrorResponder(t *testing.T) {
	t.Cleanup(ResetHTTPErrorResponder)

	var got error
	SetHTTPErrorResponder(func(w http.ResponseWriter, _ *http.Request, err error) {
		got = err
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), control.ErrClosed)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.ErrorIs(t, got, control.ErrClosed)

	SetHTTPErrorResponder(nil)
	rec = httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), control.ErrInvalidState)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
