// Package api serves the dashboard endpoints: a task snapshot, run
// history, pause controls, and a websocket bridge onto the event bus.
package api

import (
	"encoding/json"
	"net/http"

	ralpherrors "github.com/randalmurphal/ralph/internal/errors"
)

// APIError is the standard error response format.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// JSONResponse writes a successful JSON response.
func JSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// JSONError writes a simple error response.
func JSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: message})
}

// HandleError maps structured errors onto their HTTP status.
func HandleError(w http.ResponseWriter, err error) {
	if re := ralpherrors.AsRalphError(err); re != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(re.HTTPStatus())
		_ = json.NewEncoder(w).Encode(APIError{Error: re.What, Code: string(re.Code)})
		return
	}
	JSONError(w, err.Error(), http.StatusInternalServerError)
}

// NoContent writes a 204 No Content response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
