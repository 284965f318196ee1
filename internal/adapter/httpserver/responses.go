// Package httpserver exposes the REST API: analytics queries, sync
// triggers, conversations, the chat endpoint, and the event stream.
// Handlers stay thin; business rules live in the usecase packages.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sellsight/sellsight/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy onto HTTP statuses and the
// error codes the dashboard keys on. Refined validation sentinels are
// matched before the generic one so each keeps its own code.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrFeatureUnsupported):
		status, code = http.StatusBadRequest, "FEATURE_UNSUPPORTED"
	case errors.Is(err, domain.ErrFieldUnsupported):
		status, code = http.StatusBadRequest, "FIELD_UNSUPPORTED"
	case errors.Is(err, domain.ErrBadRange):
		status, code = http.StatusBadRequest, "BAD_RANGE"
	case errors.Is(err, domain.ErrForbiddenStage):
		status, code = http.StatusBadRequest, "FORBIDDEN_STAGE"
	case errors.Is(err, domain.ErrForbiddenLookup):
		status, code = http.StatusBadRequest, "FORBIDDEN_LOOKUP"
	case errors.Is(err, domain.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrForbidden):
		status, code = http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, domain.ErrConflict):
		status, code = http.StatusConflict, "CONFLICT"
	case errors.Is(err, domain.ErrRateLimited):
		status, code = http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		status, code = http.StatusServiceUnavailable, "UPSTREAM_TIMEOUT"
	case errors.Is(err, domain.ErrUnavailable):
		status, code = http.StatusServiceUnavailable, "UNAVAILABLE"
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: err.Error()}})
}
