package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/samhotchkiss/prompt-loom/internal/store"
)

// SnapshotsHandler serves persisted assembly snapshots for debugging and
// audit.
type SnapshotsHandler struct {
	Store *store.SnapshotStore
}

func (h *SnapshotsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			sendJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	snapshots, err := h.Store.List(r.Context(), r.URL.Query().Get("composition_id"), limit)
	if err != nil {
		sendStoreError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": snapshots,
		"total":     len(snapshots),
	})
}

func (h *SnapshotsHandler) Get(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sendStoreError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, snap)
}
