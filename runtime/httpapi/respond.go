package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/invoqio/invoq/runtime/fn"
)

// JSONResponse writes data as a JSON body. A zero status means 200.
func JSONResponse(w http.ResponseWriter, data any, status int) {
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// ErrorResponse writes the error body shape {"error": msg}. A zero
// status means 500.
func ErrorResponse(w http.ResponseWriter, msg string, status int) {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	JSONResponse(w, map[string]string{"error": msg}, status)
}

// StatusOf maps a structured error to the HTTP status of an error
// response. Execution outcomes are never mapped here; a terminal result
// serializes with 200 whatever its status.
func StatusOf(err error) int {
	fe := fn.AsError(err)
	if fe == nil {
		return http.StatusInternalServerError
	}
	switch fe.Name {
	case fn.ErrValidation:
		return http.StatusBadRequest
	case fn.ErrNotFound:
		return http.StatusNotFound
	case fn.ErrAuth:
		return http.StatusUnauthorized
	case fn.ErrLimit:
		return http.StatusTooManyRequests
	case fn.ErrTimeout:
		return http.StatusGatewayTimeout
	case fn.ErrCancelled:
		return statusClientClosedRequest
	case fn.ErrTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// statusClientClosedRequest is the nginx convention for aborted clients;
// net/http has no constant for it.
const statusClientClosedRequest = 499
