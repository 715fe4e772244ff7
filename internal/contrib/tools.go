package contrib

import (
	"context"
	"fmt"
	"strings"

	"github.com/samhotchkiss/prompt-loom/internal/assembly"
	"github.com/samhotchkiss/prompt-loom/internal/tokenizer"
)

// ContributorToolSchemas is the id the tool schema contributor registers
// under.
const ContributorToolSchemas = "tool_definitions"

// ToolSchema is one tool the model may call.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema string
}

// ToolLister supplies the tools available to the current request.
type ToolLister interface {
	ListTools(ctx context.Context) ([]ToolSchema, error)
}

// ToolSchemas renders tool definitions. At full budget every tool carries
// its input schema; condensation falls back to name plus one-line
// description, which is usually an order of magnitude smaller.
type ToolSchemas struct {
	Estimator tokenizer.Estimator
	Tools     ToolLister
}

// NewToolSchemas builds the contributor with the default heuristic
// estimator.
func NewToolSchemas(tools ToolLister) *ToolSchemas {
	return &ToolSchemas{Estimator: tokenizer.HeuristicEstimator{}, Tools: tools}
}

// ID implements assembly.Contributor.
func (t *ToolSchemas) ID() string { return ContributorToolSchemas }

// AppliesTo implements assembly.Contributor.
func (t *ToolSchemas) AppliesTo(kind string) bool { return kind != KindDocumentReview }

// Contribute implements assembly.Contributor.
func (t *ToolSchemas) Contribute(ctx context.Context, budget int, actx *assembly.Context) (assembly.Contribution, error) {
	if t.Tools == nil {
		return assembly.Contribution{}, fmt.Errorf("tool lister is not configured")
	}
	tools, err := t.Tools.ListTools(ctx)
	if err != nil {
		return assembly.Contribution{}, fmt.Errorf("list tools: %w", err)
	}

	full := t.render(tools, true)
	fitted, truncated := fitToBudget(t.Estimator, full, budget)
	return assembly.Contribution{
		Content:    fitted,
		TokensUsed: t.estimator().Estimate(fitted),
		Truncated:  truncated,
	}, nil
}

// Condense implements assembly.Condenser by dropping input schemas, then
// trimming the summary listing if it still exceeds the target.
func (t *ToolSchemas) Condense(ctx context.Context, current assembly.Contribution, target int, actx *assembly.Context) (assembly.Contribution, error) {
	if t.Tools == nil {
		return assembly.Contribution{}, fmt.Errorf("tool lister is not configured")
	}
	tools, err := t.Tools.ListTools(ctx)
	if err != nil {
		return assembly.Contribution{}, fmt.Errorf("list tools: %w", err)
	}

	summary := t.render(tools, false)
	fitted, _ := fitToBudget(t.Estimator, summary, target)
	return assembly.Contribution{
		Content:    fitted,
		TokensUsed: t.estimator().Estimate(fitted),
		Truncated:  true,
	}, nil
}

func (t *ToolSchemas) render(tools []ToolSchema, includeSchemas bool) string {
	var b strings.Builder
	for i, tool := range tools {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(tool.Name)
		if tool.Description != "" {
			b.WriteString(": ")
			b.WriteString(firstLine(tool.Description))
		}
		if includeSchemas && tool.InputSchema != "" {
			b.WriteString("\n")
			b.WriteString(tool.InputSchema)
		}
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (t *ToolSchemas) estimator() tokenizer.Estimator {
	if t.Estimator == nil {
		return tokenizer.HeuristicEstimator{}
	}
	return t.Estimator
}
