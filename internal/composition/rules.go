package composition

import "fmt"

// Facts is the view of an assembly context that rule conditions evaluate
// against. The assembly package's Context satisfies it; tests can use any
// stub.
type Facts interface {
	Flag(name string) bool
	Model() string
	Query() string
	HasAttachments() bool
}

// FlagHighConfidenceRetrieval is the well-known context flag set by
// retrieval contributors when a high-confidence hit is present.
const FlagHighConfidenceRetrieval = "high_confidence_retrieval"

// ConditionKind discriminates the closed set of rule conditions.
type ConditionKind string

const (
	ConditionFlagSet                 ConditionKind = "flag_set"
	ConditionFlagAbsent              ConditionKind = "flag_absent"
	ConditionHighConfidenceRetrieval ConditionKind = "high_confidence_retrieval"
	ConditionNoAttachments           ConditionKind = "no_attachments"
	ConditionModelIs                 ConditionKind = "model_is"
	ConditionQueryLongerThan         ConditionKind = "query_longer_than"
)

// Condition is a tagged variant: Kind selects which parameter fields apply.
type Condition struct {
	Kind  ConditionKind `json:"kind"`
	Flag  string        `json:"flag,omitempty"`
	Model string        `json:"model,omitempty"`
	Chars int           `json:"chars,omitempty"`
}

// Holds reports whether the condition is true for the given facts. Unknown
// kinds never hold; validation rejects them before a run.
func (c Condition) Holds(f Facts) bool {
	switch c.Kind {
	case ConditionFlagSet:
		return f.Flag(c.Flag)
	case ConditionFlagAbsent:
		return !f.Flag(c.Flag)
	case ConditionHighConfidenceRetrieval:
		return f.Flag(FlagHighConfidenceRetrieval)
	case ConditionNoAttachments:
		return !f.HasAttachments()
	case ConditionModelIs:
		return f.Model() == c.Model
	case ConditionQueryLongerThan:
		return len(f.Query()) > c.Chars
	default:
		return false
	}
}

func (c Condition) validate() error {
	switch c.Kind {
	case ConditionFlagSet, ConditionFlagAbsent:
		if c.Flag == "" {
			return fmt.Errorf("condition %q requires a flag name", c.Kind)
		}
	case ConditionHighConfidenceRetrieval, ConditionNoAttachments:
	case ConditionModelIs:
		if c.Model == "" {
			return fmt.Errorf("condition %q requires a model", c.Kind)
		}
	case ConditionQueryLongerThan:
		if c.Chars <= 0 {
			return fmt.Errorf("condition %q requires a positive character count", c.Kind)
		}
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	return nil
}

// ActionKind discriminates the closed set of rule actions.
type ActionKind string

const (
	// ActionReduceBy lowers a contributor's effective target by Pct of its
	// current value (Pct 0.5 halves it).
	ActionReduceBy ActionKind = "reduce_by"
	// ActionTransfer moves Pct of From's effective target to To.
	ActionTransfer ActionKind = "transfer"
	// ActionForceFull raises a contributor's effective target to its max.
	ActionForceFull ActionKind = "force_full"
	// ActionForceCondense flags a contributor for mandatory condensation
	// regardless of utilization.
	ActionForceCondense ActionKind = "force_condense"
)

// Action is a tagged variant: Kind selects which parameter fields apply.
type Action struct {
	Kind        ActionKind `json:"kind"`
	Contributor string     `json:"contributor,omitempty"`
	From        string     `json:"from,omitempty"`
	To          string     `json:"to,omitempty"`
	Pct         float64    `json:"pct,omitempty"`
}

func (a Action) validate(known map[string]bool) error {
	switch a.Kind {
	case ActionReduceBy:
		if !known[a.Contributor] {
			return fmt.Errorf("reduce_by references unknown contributor %q", a.Contributor)
		}
		if a.Pct <= 0 || a.Pct > 1 {
			return fmt.Errorf("reduce_by pct %.3f must be in (0, 1]", a.Pct)
		}
	case ActionTransfer:
		if !known[a.From] {
			return fmt.Errorf("transfer references unknown donor %q", a.From)
		}
		if !known[a.To] {
			return fmt.Errorf("transfer references unknown recipient %q", a.To)
		}
		if a.From == a.To {
			return fmt.Errorf("transfer donor and recipient are both %q", a.From)
		}
		if a.Pct <= 0 || a.Pct > 1 {
			return fmt.Errorf("transfer pct %.3f must be in (0, 1]", a.Pct)
		}
	case ActionForceFull:
		if !known[a.Contributor] {
			return fmt.Errorf("force_full references unknown contributor %q", a.Contributor)
		}
	case ActionForceCondense:
		if !known[a.Contributor] {
			return fmt.Errorf("force_condense references unknown contributor %q", a.Contributor)
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// Rule pairs a condition with the budget adjustment applied when it holds.
// Rules are evaluated in declaration order, before any contributor is
// invoked.
type Rule struct {
	ID        string    `json:"id"`
	Condition Condition `json:"condition"`
	Action    Action    `json:"action"`
}

func (r Rule) validate(known map[string]bool) error {
	if err := r.Condition.validate(); err != nil {
		return err
	}
	return r.Action.validate(known)
}
