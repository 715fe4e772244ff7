package contrib

import (
	"context"
	"fmt"
	"strings"

	"github.com/samhotchkiss/prompt-loom/internal/assembly"
	"github.com/samhotchkiss/prompt-loom/internal/tokenizer"
)

// ContributorDocumentExcerpts is the id the document contributor registers
// under.
const ContributorDocumentExcerpts = "document_excerpts"

// DocumentReader loads the text of an attached document.
type DocumentReader interface {
	ReadDocument(ctx context.Context, name string) (string, error)
}

// DocumentExcerpts contributes excerpts of the request's attachments,
// splitting the budget evenly across them. A request without attachments
// contributes nothing.
type DocumentExcerpts struct {
	Estimator tokenizer.Estimator
	Documents DocumentReader
}

// NewDocumentExcerpts builds the contributor with the default heuristic
// estimator.
func NewDocumentExcerpts(documents DocumentReader) *DocumentExcerpts {
	return &DocumentExcerpts{Estimator: tokenizer.HeuristicEstimator{}, Documents: documents}
}

// ID implements assembly.Contributor.
func (d *DocumentExcerpts) ID() string { return ContributorDocumentExcerpts }

// AppliesTo implements assembly.Contributor.
func (d *DocumentExcerpts) AppliesTo(kind string) bool {
	return kind == KindChat || kind == KindDocumentReview
}

// Contribute implements assembly.Contributor.
func (d *DocumentExcerpts) Contribute(ctx context.Context, budget int, actx *assembly.Context) (assembly.Contribution, error) {
	if len(actx.Attachments) == 0 {
		return assembly.Contribution{}, nil
	}
	if d.Documents == nil {
		return assembly.Contribution{}, fmt.Errorf("document reader is not configured")
	}

	perDoc := budget / len(actx.Attachments)
	est := d.estimator()
	var blocks []string
	truncated := false

	for _, name := range actx.Attachments {
		text, err := d.Documents.ReadDocument(ctx, name)
		if err != nil {
			return assembly.Contribution{}, fmt.Errorf("read document %q: %w", name, err)
		}
		fitted, cut := fitToBudget(est, strings.TrimSpace(text), perDoc)
		truncated = truncated || cut
		if fitted == "" {
			continue
		}
		blocks = append(blocks, "## "+name+"\n"+fitted)
	}

	content := strings.Join(blocks, "\n\n")
	return assembly.Contribution{
		Content:    content,
		TokensUsed: est.Estimate(content),
		Truncated:  truncated,
	}, nil
}

// Condense implements assembly.Condenser by re-reading the attachments at
// the smaller per-document budget.
func (d *DocumentExcerpts) Condense(ctx context.Context, current assembly.Contribution, target int, actx *assembly.Context) (assembly.Contribution, error) {
	if len(actx.Attachments) == 0 {
		return assembly.Contribution{Truncated: true}, nil
	}
	contribution, err := d.Contribute(ctx, target, actx)
	if err != nil {
		return assembly.Contribution{}, err
	}
	contribution.Truncated = true
	return contribution, nil
}

func (d *DocumentExcerpts) estimator() tokenizer.Estimator {
	if d.Estimator == nil {
		return tokenizer.HeuristicEstimator{}
	}
	return d.Estimator
}
