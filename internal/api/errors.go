package api

import (
	"net/http"

	"github.com/goccy/go-json"
)

// Error is the body of every non-2xx response:
//
//	{"status": 400, "code": "bad_request", "message": "limit must be ..."}
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes returned by the bridge API.
const (
	// ErrCodeBadRequest rejects an invalid query parameter, such as records?limit.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeNotFound is returned for unknown routes.
	ErrCodeNotFound = "not_found"

	// ErrCodeInternal covers store read failures and recovered panics.
	ErrCodeInternal = "internal_error"

	// ErrCodeUnavailable means the process has no store to read from, as in
	// a producer.
	ErrCodeUnavailable = "unavailable"
)

// writeJSON encodes v as the response body. A nil v sends headers only.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	//nolint:errcheck // Client may have gone away
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}
