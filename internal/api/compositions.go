package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/samhotchkiss/prompt-loom/internal/composition"
	"github.com/samhotchkiss/prompt-loom/internal/middleware"
	"github.com/samhotchkiss/prompt-loom/internal/store"
	"github.com/samhotchkiss/prompt-loom/internal/ws"
)

// CompositionsHandler is the CRUD surface for stored compositions.
type CompositionsHandler struct {
	Store *store.CompositionStore
	Hub   *ws.Hub
}

func (h *CompositionsHandler) List(w http.ResponseWriter, r *http.Request) {
	compositions, err := h.Store.List(r.Context())
	if err != nil {
		sendStoreError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"compositions": compositions,
		"total":        len(compositions),
	})
}

func (h *CompositionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var comp composition.Composition
	if err := json.NewDecoder(r.Body).Decode(&comp); err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	stored, err := h.Store.Create(r.Context(), &comp)
	if err != nil {
		sendStoreError(w, err)
		return
	}
	h.notifyChanged(r, stored.ID)
	sendJSON(w, http.StatusCreated, stored)
}

func (h *CompositionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	stored, err := h.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sendStoreError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, stored)
}

func (h *CompositionsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var comp composition.Composition
	if err := json.NewDecoder(r.Body).Decode(&comp); err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	comp.ID = chi.URLParam(r, "id")

	stored, err := h.Store.Update(r.Context(), &comp)
	if err != nil {
		sendStoreError(w, err)
		return
	}
	h.notifyChanged(r, stored.ID)
	sendJSON(w, http.StatusOK, stored)
}

func (h *CompositionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Store.Delete(r.Context(), id); err != nil {
		sendStoreError(w, err)
		return
	}
	h.notifyChanged(r, id)
	sendJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (h *CompositionsHandler) notifyChanged(r *http.Request, id string) {
	if h.Hub == nil {
		return
	}
	workspaceID := middleware.WorkspaceFromContext(r.Context())
	h.Hub.BroadcastEvent(workspaceID, ws.MessageCompositionChanged, map[string]string{"composition_id": id})
}
