// Package composition defines the budget configuration an assembly run
// executes against: per-contributor budget shares, priorities, condensation
// order, and dynamic adjustment rules.
package composition

import (
	"errors"
	"fmt"
)

// ErrInvalid wraps all validation failures so callers can map them to a
// client error without string matching.
var ErrInvalid = errors.New("invalid composition")

// Entry is the per-composition budget configuration for one contributor.
// Target, min, and max are fractions of the available budget. Declaration
// order is significant: it is the deterministic tie-break everywhere two
// entries compare equal (priority ties, donor/recipient ties, condensation
// fallbacks).
type Entry struct {
	ContributorID string  `json:"contributor_id"`
	Priority      int     `json:"priority"`
	TargetPct     float64 `json:"target_pct"`
	MinPct        float64 `json:"min_pct"`
	MaxPct        float64 `json:"max_pct"`
	Condensable   bool    `json:"condensable"`
	Purgeable     bool    `json:"purgeable"`
	Active        bool    `json:"active"`
}

// Composition is a named, versioned budget configuration. It is immutable
// once an assembly run starts; updates create a new version in the store.
type Composition struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	OutputReservePct  float64  `json:"output_reserve_pct"`
	Entries           []Entry  `json:"entries"`
	CondensationOrder []string `json:"condensation_order"`
	Rules             []Rule   `json:"rules"`
}

// Entry returns the entry for a contributor id, or false when the
// composition does not reference it.
func (c *Composition) Entry(contributorID string) (Entry, bool) {
	for _, e := range c.Entries {
		if e.ContributorID == contributorID {
			return e, true
		}
	}
	return Entry{}, false
}

// Validate enforces the invariants the orchestrator assumes. Compositions
// are validated at create/update time so assembly never has to.
func (c *Composition) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if c.OutputReservePct < 0 || c.OutputReservePct >= 1 {
		return fmt.Errorf("%w: output_reserve_pct %.3f must be in [0, 1)", ErrInvalid, c.OutputReservePct)
	}
	if len(c.Entries) == 0 {
		return fmt.Errorf("%w: at least one contributor entry is required", ErrInvalid)
	}

	seen := make(map[string]bool, len(c.Entries))
	for _, e := range c.Entries {
		if e.ContributorID == "" {
			return fmt.Errorf("%w: entry with empty contributor_id", ErrInvalid)
		}
		if seen[e.ContributorID] {
			return fmt.Errorf("%w: duplicate entry for contributor %q", ErrInvalid, e.ContributorID)
		}
		seen[e.ContributorID] = true

		if e.MinPct < 0 || e.TargetPct < e.MinPct || e.MaxPct < e.TargetPct || e.MaxPct > 1 {
			return fmt.Errorf(
				"%w: contributor %q budget must satisfy 0 <= min (%.3f) <= target (%.3f) <= max (%.3f) <= 1",
				ErrInvalid, e.ContributorID, e.MinPct, e.TargetPct, e.MaxPct,
			)
		}
	}

	orderSeen := make(map[string]bool, len(c.CondensationOrder))
	for _, id := range c.CondensationOrder {
		if !seen[id] {
			return fmt.Errorf("%w: condensation_order references unknown contributor %q", ErrInvalid, id)
		}
		if orderSeen[id] {
			return fmt.Errorf("%w: condensation_order lists contributor %q twice", ErrInvalid, id)
		}
		orderSeen[id] = true
	}

	for i, r := range c.Rules {
		if err := r.validate(seen); err != nil {
			return fmt.Errorf("%w: rule %d (%s): %v", ErrInvalid, i, r.ID, err)
		}
	}

	return nil
}
