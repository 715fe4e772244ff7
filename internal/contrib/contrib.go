// Package contrib holds the built-in contributors. Each one takes its
// backing data source as an injected interface so the orchestrator stays
// testable with stubs and contributors never hard-wire their own I/O.
package contrib

import (
	"strings"
	"unicode/utf8"

	"github.com/samhotchkiss/prompt-loom/internal/tokenizer"
)

// Assembly kinds the built-in contributors distinguish.
const (
	KindChat           = "chat"
	KindWorkflow       = "workflow"
	KindDocumentReview = "document_review"
)

// fitToBudget trims text until the estimator accepts it within budget.
// Returns the fitted text and whether anything was cut. Trimming is done on
// whole lines first, then on runes, so the result stays valid UTF-8.
func fitToBudget(est tokenizer.Estimator, text string, budget int) (string, bool) {
	if budget <= 0 {
		return "", text != ""
	}
	if est == nil {
		est = tokenizer.HeuristicEstimator{}
	}
	if est.Estimate(text) <= budget {
		return text, false
	}

	lines := strings.Split(text, "\n")
	for len(lines) > 1 {
		lines = lines[:len(lines)-1]
		candidate := strings.Join(lines, "\n")
		if est.Estimate(candidate) <= budget {
			return candidate, true
		}
	}

	remaining := lines[0]
	for remaining != "" && est.Estimate(remaining) > budget {
		cut := len(remaining) - len(remaining)/8 - 1
		if cut < 0 {
			cut = 0
		}
		for cut > 0 && !utf8.RuneStart(remaining[cut]) {
			cut--
		}
		remaining = remaining[:cut]
	}
	return remaining, true
}
