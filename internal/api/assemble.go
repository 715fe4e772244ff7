package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/samhotchkiss/prompt-loom/internal/assembly"
	"github.com/samhotchkiss/prompt-loom/internal/composition"
	"github.com/samhotchkiss/prompt-loom/internal/config"
	"github.com/samhotchkiss/prompt-loom/internal/contrib"
	"github.com/samhotchkiss/prompt-loom/internal/middleware"
	"github.com/samhotchkiss/prompt-loom/internal/registry"
	"github.com/samhotchkiss/prompt-loom/internal/store"
	"github.com/samhotchkiss/prompt-loom/internal/ws"
)

// AssembleHandler runs one assembly per request: resolve the composition,
// hold one registry snapshot for the whole run, execute the passes, persist
// the snapshot, and stream it to workspace observers.
type AssembleHandler struct {
	Compositions *store.CompositionStore
	Snapshots    *store.SnapshotStore
	Registry     *registry.Registry
	Orchestrator *assembly.Orchestrator
	Hub          *ws.Hub
	Defaults     config.AssemblyConfig
}

type assembleRequest struct {
	CompositionID string                   `json:"composition_id"`
	Composition   *composition.Composition `json:"composition"`

	Kind           string          `json:"kind"`
	Model          string          `json:"model"`
	ModelCeiling   int             `json:"model_ceiling"`
	ProfileCeiling int             `json:"profile_ceiling"`
	SessionCeiling int             `json:"session_ceiling"`
	Query          string          `json:"query"`
	SessionID      string          `json:"session_id"`
	Attachments    []string        `json:"attachments"`
	Flags          map[string]bool `json:"flags"`
}

type assembleResponse struct {
	Contributions []assembly.Contribution `json:"contributions"`
	Snapshot      *assembly.Snapshot      `json:"snapshot"`
}

func (h *AssembleHandler) Assemble(w http.ResponseWriter, r *http.Request) {
	var req assembleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	comp, err := h.resolveComposition(r.Context(), &req)
	if err != nil {
		sendStoreError(w, err)
		return
	}

	actx := h.buildContext(&req)
	contributions, snap, err := h.Orchestrator.Assemble(r.Context(), comp, h.Registry.Current(), actx)
	if err != nil && snap == nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	workspaceID := middleware.WorkspaceFromContext(r.Context())
	if h.Snapshots != nil && snap != nil {
		// Persist with a fresh context so a cancelled request still leaves
		// an audit record behind.
		persistCtx := context.WithValue(context.Background(), middleware.WorkspaceIDKey, workspaceID)
		if insertErr := h.Snapshots.Insert(persistCtx, snap); insertErr != nil {
			log.Printf("persist assembly snapshot %s: %v", snap.ID, insertErr)
		}
	}
	h.Hub.BroadcastSnapshot(workspaceID, snap)

	status := http.StatusOK
	if snap != nil && snap.Incomplete {
		status = http.StatusServiceUnavailable
	}
	sendJSON(w, status, assembleResponse{Contributions: contributions, Snapshot: snap})
}

func (h *AssembleHandler) resolveComposition(ctx context.Context, req *assembleRequest) (*composition.Composition, error) {
	if req.Composition != nil {
		if err := req.Composition.Validate(); err != nil {
			return nil, err
		}
		return req.Composition, nil
	}
	if strings.TrimSpace(req.CompositionID) == "" {
		return nil, composition.ErrInvalid
	}
	stored, err := h.Compositions.Get(ctx, req.CompositionID)
	if err != nil {
		return nil, err
	}
	return &stored.Composition, nil
}

func (h *AssembleHandler) buildContext(req *assembleRequest) *assembly.Context {
	kind := strings.TrimSpace(req.Kind)
	if kind == "" {
		kind = contrib.KindChat
	}
	ceiling := req.ModelCeiling
	if ceiling <= 0 {
		ceiling = h.Defaults.DefaultModelCeiling
	}

	actx := &assembly.Context{
		Kind:           kind,
		ModelID:        req.Model,
		ModelCeiling:   ceiling,
		ProfileCeiling: req.ProfileCeiling,
		SessionCeiling: req.SessionCeiling,
		QueryText:      req.Query,
		Attachments:    req.Attachments,
		Flags:          req.Flags,
	}
	if req.SessionID != "" {
		actx.Fields = map[string]any{contrib.SessionIDField: req.SessionID}
	}
	return actx
}
