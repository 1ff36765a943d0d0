// Package httpapi exposes the engine's REST surface: exchange CRUD
// and control, approval decisions, route observability and the SSE
// event stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dshills/routeforge/engine"
	"github.com/dshills/routeforge/engine/store"
)

// errorResponse is the JSON body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the engine's error taxonomy onto HTTP status codes:
// NotFound -> 404, InvalidState/BadInput -> 400, everything else 500.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errStatus(err), errorResponse{Error: err.Error()})
}

func errStatus(err error) int {
	var ve *engine.ValidationError
	var ite *engine.InvalidTransitionError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrNotPending):
		return http.StatusBadRequest
	case errors.As(err, &ve), errors.As(err, &ite):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return &engine.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}
