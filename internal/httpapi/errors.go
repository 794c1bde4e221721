package httpapi

import (
	"net/http"

	json "github.com/goccy/go-json"

	"peerd/internal/manager"
	"peerd/pkg/types"
)

// StatusClientClosedRequest is returned when a load was cancelled by a client.
const StatusClientClosedRequest = 499

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// errorStatus maps well-known manager errors to HTTP status codes.
func errorStatus(err error) int {
	if he, ok := err.(HTTPError); ok {
		return he.StatusCode()
	}
	switch {
	case manager.IsValidation(err):
		return http.StatusBadRequest
	case manager.IsModelNotFound(err):
		return http.StatusNotFound
	case manager.IsLoadInProgress(err), manager.IsModelInUse(err), manager.IsNoModelLoaded(err):
		return http.StatusConflict
	case manager.IsTooBusy(err):
		return http.StatusTooManyRequests
	case manager.IsCancelled(err):
		return StatusClientClosedRequest
	case manager.IsTimeout(err):
		return http.StatusGatewayTimeout
	case manager.IsDependencyUnavailable(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}

// writeError writes err with its mapped status code.
func writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("queue")
	}
	writeJSONError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
