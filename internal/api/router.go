// Package api exposes the assembly engine over HTTP.
package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/samhotchkiss/prompt-loom/internal/assembly"
	"github.com/samhotchkiss/prompt-loom/internal/config"
	"github.com/samhotchkiss/prompt-loom/internal/middleware"
	"github.com/samhotchkiss/prompt-loom/internal/registry"
	"github.com/samhotchkiss/prompt-loom/internal/store"
	"github.com/samhotchkiss/prompt-loom/internal/ws"
)

var startTime = time.Now()

type HealthResponse struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// Deps carries everything the router's handlers need. Store fields may be
// nil in tests that only exercise the in-memory paths.
type Deps struct {
	DB           *sql.DB
	Compositions *store.CompositionStore
	Snapshots    *store.SnapshotStore
	Registry     *registry.Registry
	Orchestrator *assembly.Orchestrator
	Hub          *ws.Hub
	Defaults     config.AssemblyConfig
}

func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Workspace-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Get("/", handleRoot)
	r.With(middleware.OptionalWorkspace).Get("/ws", ws.ServeWS(deps.Hub))

	assembleHandler := &AssembleHandler{
		Compositions: deps.Compositions,
		Snapshots:    deps.Snapshots,
		Registry:     deps.Registry,
		Orchestrator: deps.Orchestrator,
		Hub:          deps.Hub,
		Defaults:     deps.Defaults,
	}
	compositionsHandler := &CompositionsHandler{Store: deps.Compositions, Hub: deps.Hub}
	contributorsHandler := &ContributorsHandler{Registry: deps.Registry, Hub: deps.Hub}
	snapshotsHandler := &SnapshotsHandler{Store: deps.Snapshots}

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireWorkspace)

		r.Post("/api/assemble", assembleHandler.Assemble)

		r.Get("/api/compositions", compositionsHandler.List)
		r.Post("/api/compositions", compositionsHandler.Create)
		r.Get("/api/compositions/{id}", compositionsHandler.Get)
		r.Put("/api/compositions/{id}", compositionsHandler.Update)
		r.Delete("/api/compositions/{id}", compositionsHandler.Delete)

		r.Get("/api/contributors", contributorsHandler.List)
		r.Post("/api/contributors/{id}/purge", contributorsHandler.Purge)
		r.Post("/api/registry/reload", contributorsHandler.Reload)

		r.Get("/api/snapshots", snapshotsHandler.List)
		r.Get("/api/snapshots/{id}", snapshotsHandler.Get)
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Version:   getVersion(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"name":   "Prompt Loom",
		"docs":   "/docs",
		"health": "/health",
	})
}

func getVersion() string {
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	return "dev"
}
