package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"

	_ "github.com/lib/pq"

	"github.com/samhotchkiss/prompt-loom/internal/api"
	"github.com/samhotchkiss/prompt-loom/internal/assembly"
	"github.com/samhotchkiss/prompt-loom/internal/automigrate"
	"github.com/samhotchkiss/prompt-loom/internal/config"
	"github.com/samhotchkiss/prompt-loom/internal/contrib"
	"github.com/samhotchkiss/prompt-loom/internal/registry"
	"github.com/samhotchkiss/prompt-loom/internal/retention"
	"github.com/samhotchkiss/prompt-loom/internal/store"
	"github.com/samhotchkiss/prompt-loom/internal/tokenizer"
	"github.com/samhotchkiss/prompt-loom/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := automigrate.Run(db, "migrations"); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	reg := registry.New(contributorLoader(db, cfg.Assembly))
	if err := reg.Reload(); err != nil {
		log.Fatalf("load contributors: %v", err)
	}

	hub := ws.NewHub()
	go hub.Run()

	snapshots := store.NewSnapshotStore(db)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.Retention.Enabled {
		worker, err := retention.NewWorker(snapshots, retention.WorkerConfig{
			Schedule: cfg.Retention.Schedule,
			MaxAge:   cfg.Retention.MaxAge,
		})
		if err != nil {
			log.Fatalf("retention worker: %v", err)
		}
		go worker.Start(ctx)
	}

	router := api.NewRouter(api.Deps{
		DB:           db,
		Compositions: store.NewCompositionStore(db),
		Snapshots:    snapshots,
		Registry:     reg,
		Orchestrator: assembly.New(tokenizer.HeuristicEstimator{CharsPerToken: cfg.Assembly.CharsPerToken}),
		Hub:          hub,
		Defaults:     cfg.Assembly,
	})

	log.Printf("prompt-loom listening on port %s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

// contributorLoader wires the built-in contributors to their backends. The
// registry re-runs it on every reload, so file-backed sources pick up edits.
func contributorLoader(db *sql.DB, cfg config.AssemblyConfig) registry.Loader {
	return func() ([]registry.Installed, error) {
		instructions := os.Getenv("SYSTEM_INSTRUCTIONS")
		if instructions == "" {
			instructions = "You are a helpful assistant."
		}

		history := contrib.NewConversationHistory(store.NewMessageStore(db))
		history.FetchLimit = cfg.HistoryFetchLimit
		knowledge := contrib.NewKnowledgeRetrieval(store.NewKnowledgeStore(db))
		knowledge.FetchLimit = cfg.RetrievalLimit

		installed := []registry.Installed{
			install(registry.Descriptor{
				ID: contrib.ContributorSystemInstructions, Priority: 100,
				TargetPct: 0.10, MinPct: 0.05, MaxPct: 0.15,
			}, contrib.NewSystemInstructions(instructions)),
			install(registry.Descriptor{
				ID: contrib.ContributorToolSchemas, Priority: 90,
				TargetPct: 0.20, MinPct: 0.05, MaxPct: 0.30, Condensable: true,
			}, contrib.NewToolSchemas(contrib.FileToolLister{Path: toolsPath()})),
			install(registry.Descriptor{
				ID: contrib.ContributorConversationHistory, Priority: 80,
				TargetPct: 0.40, MinPct: 0.10, MaxPct: 0.60, Condensable: true,
			}, history),
			install(registry.Descriptor{
				ID: contrib.ContributorKnowledgeRetrieval, Priority: 70,
				TargetPct: 0.20, MinPct: 0.05, MaxPct: 0.30, Condensable: true, Purgeable: true,
			}, knowledge),
			install(registry.Descriptor{
				ID: contrib.ContributorDocumentExcerpts, Priority: 60,
				TargetPct: 0.10, MinPct: 0.05, MaxPct: 0.40, Condensable: true,
			}, contrib.NewDocumentExcerpts(contrib.DirDocumentReader{Root: documentsRoot()})),
		}
		return installed, nil
	}
}

func install(desc registry.Descriptor, impl assembly.Contributor) registry.Installed {
	return registry.Installed{Descriptor: desc, Impl: impl, Active: true}
}

func toolsPath() string {
	if p := os.Getenv("TOOLS_FILE"); p != "" {
		return p
	}
	return "data/tools.yaml"
}

func documentsRoot() string {
	if p := os.Getenv("DOCUMENTS_DIR"); p != "" {
		return p
	}
	return "data/documents"
}
