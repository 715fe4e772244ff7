package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/samhotchkiss/prompt-loom/internal/middleware"
	"github.com/samhotchkiss/prompt-loom/internal/registry"
	"github.com/samhotchkiss/prompt-loom/internal/ws"
)

// ContributorsHandler exposes the registry: listing, purging accumulated
// contributor state, and hot reload.
type ContributorsHandler struct {
	Registry *registry.Registry
	Hub      *ws.Hub
}

type contributorInfo struct {
	registry.Descriptor
	Active    bool   `json:"active"`
	LoadError string `json:"load_error,omitempty"`
}

func (h *ContributorsHandler) List(w http.ResponseWriter, r *http.Request) {
	installed := h.Registry.List()
	out := make([]contributorInfo, 0, len(installed))
	for _, inst := range installed {
		out = append(out, contributorInfo{
			Descriptor: inst.Descriptor,
			Active:     inst.Active,
			LoadError:  inst.LoadError,
		})
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"contributors": out,
		"total":        len(out),
	})
}

type purgeRequest struct {
	Scope string `json:"scope"`
}

func (h *ContributorsHandler) Purge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req purgeRequest
	if r.Body != nil {
		// Body is optional; an empty scope purges everything the
		// contributor holds.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	status, err := h.Registry.Purge(r.Context(), id, req.Scope)
	if err != nil {
		sendStoreError(w, err)
		return
	}

	if h.Hub != nil {
		workspaceID := middleware.WorkspaceFromContext(r.Context())
		h.Hub.BroadcastEvent(workspaceID, ws.MessageContributorPurged, map[string]string{
			"contributor_id": id,
			"scope":          req.Scope,
		})
	}
	sendJSON(w, http.StatusOK, map[string]string{"contributor_id": id, "status": status})
}

func (h *ContributorsHandler) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Reload(); err != nil {
		sendJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	if h.Hub != nil {
		workspaceID := middleware.WorkspaceFromContext(r.Context())
		h.Hub.BroadcastEvent(workspaceID, ws.MessageRegistryReloaded, map[string]int{
			"contributors": len(h.Registry.List()),
		})
	}
	h.List(w, r)
}
