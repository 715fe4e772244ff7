package contrib

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/samhotchkiss/prompt-loom/internal/assembly"
	"github.com/samhotchkiss/prompt-loom/internal/tokenizer"
)

// ContributorKnowledgeRetrieval is the id the knowledge contributor
// registers under.
const ContributorKnowledgeRetrieval = "knowledge_retrieval"

const defaultKnowledgeFetchLimit = 20

// KnowledgeEntry is one retrieved knowledge item with its relevance score.
type KnowledgeEntry struct {
	Title   string
	Content string
	Score   float64
}

// Retriever performs the actual lookup. PurgeScope clears whatever
// accumulated retrieval state the backend keeps for a scope.
type Retriever interface {
	Search(ctx context.Context, query string, limit int) ([]KnowledgeEntry, error)
	PurgeScope(ctx context.Context, scope string) (int, error)
}

// KnowledgeRetrieval contributes retrieved knowledge entries, best scores
// first. Condensation drops the lowest-scored entries.
type KnowledgeRetrieval struct {
	Estimator  tokenizer.Estimator
	Retriever  Retriever
	FetchLimit int
}

// NewKnowledgeRetrieval builds the contributor with the default heuristic
// estimator.
func NewKnowledgeRetrieval(retriever Retriever) *KnowledgeRetrieval {
	return &KnowledgeRetrieval{
		Estimator:  tokenizer.HeuristicEstimator{},
		Retriever:  retriever,
		FetchLimit: defaultKnowledgeFetchLimit,
	}
}

// ID implements assembly.Contributor.
func (k *KnowledgeRetrieval) ID() string { return ContributorKnowledgeRetrieval }

// AppliesTo implements assembly.Contributor.
func (k *KnowledgeRetrieval) AppliesTo(kind string) bool { return true }

// Contribute implements assembly.Contributor.
func (k *KnowledgeRetrieval) Contribute(ctx context.Context, budget int, actx *assembly.Context) (assembly.Contribution, error) {
	entries, err := k.search(ctx, actx)
	if err != nil {
		return assembly.Contribution{}, err
	}
	return k.pack(entries, budget), nil
}

// Condense implements assembly.Condenser by re-packing with the same
// entries into the smaller target; the lowest-scored entries fall off.
func (k *KnowledgeRetrieval) Condense(ctx context.Context, current assembly.Contribution, target int, actx *assembly.Context) (assembly.Contribution, error) {
	entries, err := k.search(ctx, actx)
	if err != nil {
		return assembly.Contribution{}, err
	}
	packed := k.pack(entries, target)
	packed.Truncated = true
	return packed, nil
}

// Purge implements assembly.Purger by routing to the retrieval backend.
func (k *KnowledgeRetrieval) Purge(ctx context.Context, scope string) (string, error) {
	if k.Retriever == nil {
		return "", fmt.Errorf("retriever is not configured")
	}
	removed, err := k.Retriever.PurgeScope(ctx, scope)
	if err != nil {
		return "", fmt.Errorf("purge knowledge scope %q: %w", scope, err)
	}
	return fmt.Sprintf("removed %d entries", removed), nil
}

func (k *KnowledgeRetrieval) search(ctx context.Context, actx *assembly.Context) ([]KnowledgeEntry, error) {
	if k.Retriever == nil {
		return nil, fmt.Errorf("retriever is not configured")
	}
	limit := k.FetchLimit
	if limit <= 0 {
		limit = defaultKnowledgeFetchLimit
	}
	entries, err := k.Retriever.Search(ctx, actx.Query(), limit)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Score > entries[j].Score
	})
	return entries, nil
}

func (k *KnowledgeRetrieval) pack(entries []KnowledgeEntry, budget int) assembly.Contribution {
	est := k.estimator()
	var blocks []string
	total := 0
	truncated := false

	for _, e := range entries {
		block := e.Title
		if block != "" {
			block += "\n"
		}
		block += e.Content
		cost := est.Estimate(block)
		if total+cost > budget {
			truncated = true
			break
		}
		blocks = append(blocks, block)
		total += cost
	}

	content := strings.Join(blocks, "\n\n")
	return assembly.Contribution{
		Content:    content,
		TokensUsed: est.Estimate(content),
		Truncated:  truncated,
	}
}

func (k *KnowledgeRetrieval) estimator() tokenizer.Estimator {
	if k.Estimator == nil {
		return tokenizer.HeuristicEstimator{}
	}
	return k.Estimator
}
