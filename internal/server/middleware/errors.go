// Package middleware provides HTTP middleware for the control-plane API.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/fulmenhq/gofulmen/errors"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/3leaps/fmaxsweep/internal/observability"
)

// ErrorBody is the payload of every error response.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// ErrorResponse is the JSON error envelope: {"error":{...}}.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewEnvelope builds an error envelope correlated with the request id of r,
// if any.
func NewEnvelope(r *http.Request, code, message string) *errors.ErrorEnvelope {
	env := errors.NewErrorEnvelope(code, message)
	if r != nil {
		if id := chimw.GetReqID(r.Context()); id != "" {
			env = env.WithCorrelationID(id)
		}
	}
	return env
}

// WriteError writes an error envelope with the request id of r, if any.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeErrorResponse(w, NewEnvelope(r, code, message), status)
}

// WriteEnvelope writes a prepared envelope.
func WriteEnvelope(w http.ResponseWriter, env *errors.ErrorEnvelope, status int) {
	writeErrorResponse(w, env, status)
}

// writeErrorResponse renders env on the wire. Details and Context are
// merged into details; the correlation id becomes request_id.
func writeErrorResponse(w http.ResponseWriter, env *errors.ErrorEnvelope, status int) {
	body := ErrorBody{
		Code:      env.Code,
		Message:   env.Message,
		RequestID: env.CorrelationID,
	}
	if len(env.Details)+len(env.Context) > 0 {
		body.Details = make(map[string]any, len(env.Details)+len(env.Context))
		for k, v := range env.Details {
			body.Details[k] = v
		}
		for k, v := range env.Context {
			body.Details[k] = v
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: body})
}

// Recovery turns a panic in next into a 500 INTERNAL_ERROR response.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			var msg string
			switch v := rec.(type) {
			case error:
				msg = "panic: " + v.Error()
			default:
				msg = fmt.Sprintf("panic: %v", v)
			}
			observability.CLILogger.Error("Recovered from panic in HTTP handler",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", chimw.GetReqID(r.Context())),
				zap.String("panic", msg),
				zap.ByteString("stack", debug.Stack()))

			env := NewEnvelope(r, "INTERNAL_ERROR", msg)
			env, _ = env.WithContext(map[string]any{"method": r.Method, "path": r.URL.Path})
			writeErrorResponse(w, env, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs each request at debug level.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		observability.CLILogger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", chimw.GetReqID(r.Context())))
	})
}
