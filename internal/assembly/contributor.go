// Package assembly runs the five-pass budget allocation that turns a
// composition and a set of contributors into a token-bounded block of
// content plus an immutable snapshot of how the budget was spent.
package assembly

import "context"

// Contribution is the output of one contributor invocation. Values are
// never mutated in place: condensation produces a replacement and the old
// value is discarded.
type Contribution struct {
	ContributorID string `json:"contributor_id"`
	Content       string `json:"content"`
	TokensUsed    int    `json:"tokens_used"`
	Truncated     bool   `json:"truncated"`
}

// Contributor is a pluggable unit that produces bounded content for one
// assembly. Contribute must treat budgetTokens as a hard limit and report
// recoverable failures as errors rather than panicking; the orchestrator
// records the failure and continues without the contributor.
type Contributor interface {
	ID() string
	AppliesTo(kind string) bool
	Contribute(ctx context.Context, budgetTokens int, actx *Context) (Contribution, error)
}

// Condenser is implemented by contributors that can lossily shrink an
// existing contribution toward a smaller budget.
type Condenser interface {
	Condense(ctx context.Context, current Contribution, targetTokens int, actx *Context) (Contribution, error)
}

// Purger is implemented by contributors that accumulate state the
// surrounding application may ask to clear.
type Purger interface {
	Purge(ctx context.Context, scope string) (string, error)
}

// Source resolves contributor implementations by id. The registry's
// immutable snapshot satisfies it; tests use small map-backed stubs.
type Source interface {
	Contributor(id string) (Contributor, bool)
}

// Context is the per-request bundle of facts visible to contributors and
// rule conditions. It is created per request and discarded after assembly.
type Context struct {
	Kind           string
	ModelID        string
	ModelCeiling   int
	ProfileCeiling int // optional override, 0 means unset; may only lower
	SessionCeiling int // optional override, 0 means unset; may only lower
	QueryText      string
	Attachments    []string
	Flags          map[string]bool
	Fields         map[string]any
}

// Flag reports whether a named request flag is set.
func (c *Context) Flag(name string) bool {
	if c == nil || c.Flags == nil {
		return false
	}
	return c.Flags[name]
}

// Model returns the target model identifier.
func (c *Context) Model() string {
	if c == nil {
		return ""
	}
	return c.ModelID
}

// Query returns the request's query text.
func (c *Context) Query() string {
	if c == nil {
		return ""
	}
	return c.QueryText
}

// HasAttachments reports whether the request carries any attachments.
func (c *Context) HasAttachments() bool {
	return c != nil && len(c.Attachments) > 0
}

// EffectiveCeiling resolves the token ceiling for this request. Overrides
// may only lower the model's default ceiling; the smallest set value wins.
func (c *Context) EffectiveCeiling() int {
	if c == nil {
		return 0
	}
	ceiling := c.ModelCeiling
	if c.ProfileCeiling > 0 && c.ProfileCeiling < ceiling {
		ceiling = c.ProfileCeiling
	}
	if c.SessionCeiling > 0 && c.SessionCeiling < ceiling {
		ceiling = c.SessionCeiling
	}
	return ceiling
}
