package handlers

import (
	"errors"
	"net/http"

	"github.com/3leaps/fmaxsweep/internal/server/middleware"
	"github.com/3leaps/fmaxsweep/pkg/control"
)

// HTTPErrorResponder writes err as an HTTP response.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = respondControlError

// SetHTTPErrorResponder replaces the responder used by all handlers. nil
// restores the default.
func SetHTTPErrorResponder(fn HTTPErrorResponder) {
	if fn == nil {
		ResetHTTPErrorResponder()
		return
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = respondControlError
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

// StatusFor maps a control-plane error to an HTTP status and error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, control.ErrUnknownJob):
		return http.StatusNotFound, "JOB_NOT_FOUND"
	case errors.Is(err, control.ErrUnknownCommand):
		return http.StatusBadRequest, "UNKNOWN_COMMAND"
	case errors.Is(err, control.ErrInvalidState):
		return http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, control.ErrClosed):
		return http.StatusServiceUnavailable, "RUN_FINISHED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func respondControlError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	middleware.WriteError(w, r, status, code, err.Error())
}
