package assembly

import "time"

// AllocationRecord is the (allocated, used) pair for one contributor.
type AllocationRecord struct {
	ContributorID string `json:"contributor_id"`
	Allocated     int    `json:"allocated"`
	Used          int    `json:"used"`
}

// CondensationEvent records one lossy reduction applied during Pass 4.
type CondensationEvent struct {
	ContributorID string `json:"contributor_id"`
	BeforeTokens  int    `json:"before_tokens"`
	AfterTokens   int    `json:"after_tokens"`
}

// ReallocationEvent records surplus moved from a donor to a recipient
// during Pass 3b.
type ReallocationEvent struct {
	Donor     string `json:"donor"`
	Recipient string `json:"recipient"`
	Amount    int    `json:"amount"`
}

// SkippedContributor records a contributor excluded from the assembly and
// why.
type SkippedContributor struct {
	ContributorID string `json:"contributor_id"`
	Reason        string `json:"reason"`
}

// Skip reasons. Contributor failures carry the reason prefix plus the
// underlying error text.
const (
	SkipReasonInactive      = "inactive"
	SkipReasonNotInstalled  = "not_installed"
	SkipReasonNotApplicable = "not_applicable"
	SkipReasonErrorPrefix   = "error: "
)

// Snapshot is the immutable record of one assembly run. It is created once
// per run, never mutated afterward, and serializes as a single structured
// event for observability consumers.
type Snapshot struct {
	ID              string               `json:"id"`
	CompositionID   string               `json:"composition_id"`
	ModelCeiling    int                  `json:"model_ceiling"`
	OutputReserve   int                  `json:"output_reserve"`
	AvailableBudget int                  `json:"available_budget"`
	TotalUsed       int                  `json:"total_used"`
	UtilizationPct  float64              `json:"utilization_pct"`
	Allocations     []AllocationRecord   `json:"allocations"`
	Condensations   []CondensationEvent  `json:"condensations"`
	FiredRules      []string             `json:"fired_rules"`
	Reallocations   []ReallocationEvent  `json:"reallocations"`
	Skipped         []SkippedContributor `json:"skipped_contributors"`
	OverBudget      bool                 `json:"over_budget"`
	Incomplete      bool                 `json:"incomplete"`
	CreatedAt       time.Time            `json:"created_at"`
}
