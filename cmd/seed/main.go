// Command seed loads composition definitions from a YAML file into the
// composition store.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	_ "github.com/lib/pq"
	"gopkg.in/yaml.v3"

	"github.com/samhotchkiss/prompt-loom/internal/composition"
	"github.com/samhotchkiss/prompt-loom/internal/middleware"
	"github.com/samhotchkiss/prompt-loom/internal/store"
)

type seedFile struct {
	OrgID        string                   `yaml:"org_id"`
	Compositions []map[string]interface{} `yaml:"compositions"`
}

func main() {
	path := flag.String("file", "data/compositions.yaml", "path to the seed YAML file")
	flag.Parse()

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	raw, err := os.ReadFile(*path)
	if err != nil {
		log.Fatalf("read seed file: %v", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		log.Fatalf("parse seed file: %v", err)
	}
	if seed.OrgID == "" {
		log.Fatal("seed file must name an org_id")
	}
	if len(seed.Compositions) == 0 {
		log.Fatal("seed file has no compositions")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	compositions := store.NewCompositionStore(db)
	ctx := context.WithValue(context.Background(), middleware.WorkspaceIDKey, seed.OrgID)

	created := 0
	for i, rawComp := range seed.Compositions {
		comp, err := decodeComposition(rawComp)
		if err != nil {
			log.Fatalf("composition %d: %v", i, err)
		}

		stored, err := compositions.Create(ctx, comp)
		if err != nil {
			if strings.Contains(err.Error(), "already exists") {
				log.Printf("skipped %q (already exists)", comp.Name)
				continue
			}
			log.Fatalf("create %q: %v", comp.Name, err)
		}
		fmt.Printf("created composition %q (%s)\n", stored.Name, stored.ID)
		created++
	}
	fmt.Printf("done: %d composition(s) created\n", created)
}

// decodeComposition round-trips the YAML mapping through JSON so the
// composition types keep a single set of field tags.
func decodeComposition(raw map[string]interface{}) (*composition.Composition, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var comp composition.Composition
	if err := json.Unmarshal(encoded, &comp); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := comp.Validate(); err != nil {
		return nil, err
	}
	return &comp, nil
}
