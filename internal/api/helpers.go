package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/samhotchkiss/prompt-loom/internal/composition"
	"github.com/samhotchkiss/prompt-loom/internal/registry"
	"github.com/samhotchkiss/prompt-loom/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// sendStoreError maps the sentinel errors the stores and registry return
// onto HTTP statuses. Anything unrecognized is a 500.
func sendStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNoWorkspace):
		sendJSON(w, http.StatusUnauthorized, errorResponse{Error: "workspace required"})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, registry.ErrNotFound):
		sendJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, registry.ErrNotPurgeable):
		sendJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, composition.ErrInvalid):
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		sendJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}
