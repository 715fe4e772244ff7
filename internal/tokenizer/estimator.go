// Package tokenizer estimates token counts for budget accounting.
package tokenizer

// Estimator converts text into an approximate token count. Implementations
// must be deterministic: the same input always yields the same count, and
// the empty string always counts as zero.
type Estimator interface {
	Estimate(text string) int
}

const defaultCharsPerToken = 4

// HeuristicEstimator approximates tokens from character length. It is not
// accurate enough for billing, but it is stable and never fails, which is
// what the orchestrator needs for allocation decisions.
type HeuristicEstimator struct {
	CharsPerToken int
}

func (e HeuristicEstimator) ratio() int {
	if e.CharsPerToken <= 0 {
		return defaultCharsPerToken
	}
	return e.CharsPerToken
}

// Estimate returns ceil(len(text) / CharsPerToken).
func (e HeuristicEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	per := e.ratio()
	return (len(text) + per - 1) / per
}

// TokenizeFunc is a model-family tokenizer supplied by the caller. It may
// fail (missing vocabulary files, unsupported model), in which case the
// ModelEstimator falls back to its heuristic.
type TokenizeFunc func(text string) (int, error)

// ModelEstimator prefers a real tokenizer for the target model family and
// falls back to a heuristic when the tokenizer is unavailable or errors.
type ModelEstimator struct {
	Tokenize TokenizeFunc
	Fallback Estimator
}

// NewModelEstimator builds a ModelEstimator with the default heuristic
// fallback.
func NewModelEstimator(tokenize TokenizeFunc) *ModelEstimator {
	return &ModelEstimator{
		Tokenize: tokenize,
		Fallback: HeuristicEstimator{},
	}
}

// Estimate implements Estimator. Tokenizer failures are absorbed: the
// orchestrator must never fail because counting failed.
func (e *ModelEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if e != nil && e.Tokenize != nil {
		if n, err := e.Tokenize(text); err == nil && n >= 0 {
			return n
		}
	}
	fallback := e.fallback()
	return fallback.Estimate(text)
}

func (e *ModelEstimator) fallback() Estimator {
	if e == nil || e.Fallback == nil {
		return HeuristicEstimator{}
	}
	return e.Fallback
}
