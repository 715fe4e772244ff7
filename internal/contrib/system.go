package contrib

import (
	"context"
	"strings"

	"github.com/samhotchkiss/prompt-loom/internal/assembly"
	"github.com/samhotchkiss/prompt-loom/internal/tokenizer"
)

// ContributorSystemInstructions is the id the system instructions
// contributor registers under.
const ContributorSystemInstructions = "system_instructions"

// SystemInstructions contributes the base instruction block. Per-kind
// overrides let a workflow assembly carry different instructions than a
// chat assembly.
type SystemInstructions struct {
	Estimator    tokenizer.Estimator
	Instructions string
	PerKind      map[string]string
}

// NewSystemInstructions builds the contributor with the default heuristic
// estimator.
func NewSystemInstructions(instructions string) *SystemInstructions {
	return &SystemInstructions{
		Estimator:    tokenizer.HeuristicEstimator{},
		Instructions: instructions,
	}
}

// ID implements assembly.Contributor.
func (s *SystemInstructions) ID() string { return ContributorSystemInstructions }

// AppliesTo implements assembly.Contributor. Instructions apply to every
// assembly kind.
func (s *SystemInstructions) AppliesTo(kind string) bool { return true }

// Contribute implements assembly.Contributor.
func (s *SystemInstructions) Contribute(ctx context.Context, budget int, actx *assembly.Context) (assembly.Contribution, error) {
	text := s.Instructions
	if override, ok := s.PerKind[actx.Kind]; ok {
		text = override
	}
	text = strings.TrimSpace(text)

	fitted, truncated := fitToBudget(s.Estimator, text, budget)
	return assembly.Contribution{
		Content:    fitted,
		TokensUsed: s.estimator().Estimate(fitted),
		Truncated:  truncated,
	}, nil
}

func (s *SystemInstructions) estimator() tokenizer.Estimator {
	if s.Estimator == nil {
		return tokenizer.HeuristicEstimator{}
	}
	return s.Estimator
}
