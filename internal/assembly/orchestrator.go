package assembly

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/samhotchkiss/prompt-loom/internal/composition"
	"github.com/samhotchkiss/prompt-loom/internal/tokenizer"
)

// Pass 3b thresholds: a contributor that used less than donorThreshold of
// its allocation gives its surplus away; a condensable contributor that
// used more than recipientThreshold receives it.
const (
	donorThreshold     = 0.30
	recipientThreshold = 0.80
)

// Orchestrator runs the five-pass assembly algorithm. It holds no
// per-request state, so one instance serves concurrent runs.
type Orchestrator struct {
	Estimator tokenizer.Estimator
	// NewID and Now are injectable for deterministic snapshots in tests.
	NewID func() string
	Now   func() time.Time
	Logf  func(format string, args ...any)
}

// New builds an Orchestrator with the given estimator. A nil estimator
// falls back to the character heuristic.
func New(estimator tokenizer.Estimator) *Orchestrator {
	if estimator == nil {
		estimator = tokenizer.HeuristicEstimator{}
	}
	return &Orchestrator{
		Estimator: estimator,
		NewID:     uuid.NewString,
		Now:       time.Now,
		Logf:      log.Printf,
	}
}

// activeContributor is the per-run working state for one active entry.
type activeContributor struct {
	entry        composition.Entry
	impl         Contributor
	declIndex    int
	effectiveTgt float64
	allocated    int
	contribution Contribution
	invoked      bool
	failed       bool
	forceCond    bool
}

// Assemble executes the five passes for one request and returns the
// contributions in composition declaration order together with the run
// snapshot. The snapshot is returned even when the run is cancelled, marked
// incomplete.
func (o *Orchestrator) Assemble(
	ctx context.Context,
	comp *composition.Composition,
	source Source,
	actx *Context,
) ([]Contribution, *Snapshot, error) {
	if comp == nil {
		return nil, nil, fmt.Errorf("composition is required")
	}
	if source == nil {
		return nil, nil, fmt.Errorf("contributor source is required")
	}
	if actx == nil {
		return nil, nil, fmt.Errorf("assembly context is required")
	}

	ceiling := actx.EffectiveCeiling()
	if ceiling <= 0 {
		return nil, nil, fmt.Errorf("assembly context has no positive token ceiling")
	}
	reserve := int(float64(ceiling) * comp.OutputReservePct)
	available := ceiling - reserve

	snap := &Snapshot{
		ID:              o.newID(),
		CompositionID:   comp.ID,
		ModelCeiling:    ceiling,
		OutputReserve:   reserve,
		AvailableBudget: available,
		CreatedAt:       o.now(),
	}

	// Pass 1: resolve the active set and conserve the declared target total
	// by redistributing skipped shares proportionally.
	active := o.resolveActiveSet(comp, source, actx, snap)

	// Pass 2: dynamic adjustments. Must complete before any contributor is
	// invoked; percentages are meaningless once allocations are spent.
	o.applyRules(comp, active, actx, snap)

	// Pass 3: allocate and invoke in priority order.
	if err := o.allocateAndAssemble(ctx, active, available, actx, snap); err != nil {
		return nil, o.finalize(snap, active, true), err
	}

	// Pass 3b: move surplus from under-users to straining condensables.
	if err := o.reallocateSurplus(ctx, active, available, actx, snap); err != nil {
		return nil, o.finalize(snap, active, true), err
	}

	// Pass 4: condense along the declared order until within budget.
	if err := o.condenseOverBudget(ctx, comp, active, available, actx, snap); err != nil {
		return nil, o.finalize(snap, active, true), err
	}

	final := o.finalize(snap, active, false)

	contributions := make([]Contribution, 0, len(active))
	for _, a := range active {
		if a.failed || !a.invoked {
			continue
		}
		contributions = append(contributions, a.contribution)
	}
	return contributions, final, nil
}

// resolveActiveSet implements Pass 1. Skipped contributors donate their
// target share to the remaining active set in proportion to each survivor's
// own share, so the effective total is conserved.
func (o *Orchestrator) resolveActiveSet(
	comp *composition.Composition,
	source Source,
	actx *Context,
	snap *Snapshot,
) []*activeContributor {
	var active []*activeContributor
	skippedShare := 0.0

	for i, e := range comp.Entries {
		if !e.Active {
			snap.Skipped = append(snap.Skipped, SkippedContributor{ContributorID: e.ContributorID, Reason: SkipReasonInactive})
			skippedShare += e.TargetPct
			continue
		}
		impl, ok := source.Contributor(e.ContributorID)
		if !ok {
			snap.Skipped = append(snap.Skipped, SkippedContributor{ContributorID: e.ContributorID, Reason: SkipReasonNotInstalled})
			skippedShare += e.TargetPct
			continue
		}
		if !impl.AppliesTo(actx.Kind) {
			snap.Skipped = append(snap.Skipped, SkippedContributor{ContributorID: e.ContributorID, Reason: SkipReasonNotApplicable})
			skippedShare += e.TargetPct
			continue
		}
		active = append(active, &activeContributor{
			entry:        e,
			impl:         impl,
			declIndex:    i,
			effectiveTgt: e.TargetPct,
		})
	}

	if skippedShare > 0 && len(active) > 0 {
		activeTotal := 0.0
		for _, a := range active {
			activeTotal += a.effectiveTgt
		}
		if activeTotal > 0 {
			scale := 1 + skippedShare/activeTotal
			for _, a := range active {
				a.effectiveTgt *= scale
			}
		} else {
			// All survivors declared zero targets; split the share evenly.
			even := skippedShare / float64(len(active))
			for _, a := range active {
				a.effectiveTgt = even
			}
		}
	}

	return active
}

// applyRules implements Pass 2. Rules fire in declaration order; actions
// naming skipped contributors are no-ops for those ids.
func (o *Orchestrator) applyRules(
	comp *composition.Composition,
	active []*activeContributor,
	actx *Context,
	snap *Snapshot,
) {
	byID := make(map[string]*activeContributor, len(active))
	for _, a := range active {
		byID[a.entry.ContributorID] = a
	}

	for _, rule := range comp.Rules {
		if !rule.Condition.Holds(actx) {
			continue
		}
		snap.FiredRules = append(snap.FiredRules, rule.ID)

		switch rule.Action.Kind {
		case composition.ActionReduceBy:
			if a, ok := byID[rule.Action.Contributor]; ok {
				a.effectiveTgt *= 1 - rule.Action.Pct
			}
		case composition.ActionTransfer:
			from, okFrom := byID[rule.Action.From]
			to, okTo := byID[rule.Action.To]
			if okFrom && okTo {
				amount := from.effectiveTgt * rule.Action.Pct
				from.effectiveTgt -= amount
				to.effectiveTgt += amount
			}
		case composition.ActionForceFull:
			if a, ok := byID[rule.Action.Contributor]; ok {
				a.effectiveTgt = a.entry.MaxPct
			}
		case composition.ActionForceCondense:
			if a, ok := byID[rule.Action.Contributor]; ok {
				a.forceCond = true
			}
		}
	}
}

// allocateAndAssemble implements Pass 3: clamp each active contributor's
// share to its min/max band and invoke it, highest priority first. A
// contributor failure skips only that contributor; no budget is
// redistributed for runtime failures.
func (o *Orchestrator) allocateAndAssemble(
	ctx context.Context,
	active []*activeContributor,
	available int,
	actx *Context,
	snap *Snapshot,
) error {
	order := make([]*activeContributor, len(active))
	copy(order, active)
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].entry.Priority > order[j].entry.Priority
	})

	for _, a := range order {
		if err := ctx.Err(); err != nil {
			return err
		}

		allocation := int(float64(available) * a.effectiveTgt)
		if min := a.minTokens(available); allocation < min {
			allocation = min
		}
		if max := a.maxTokens(available); allocation > max {
			allocation = max
		}
		a.allocated = allocation

		contribution, err := a.impl.Contribute(ctx, allocation, actx)
		if err != nil {
			a.failed = true
			a.allocated = 0
			snap.Skipped = append(snap.Skipped, SkippedContributor{
				ContributorID: a.entry.ContributorID,
				Reason:        SkipReasonErrorPrefix + err.Error(),
			})
			o.logf("contributor %s failed during contribute: %v", a.entry.ContributorID, err)
			continue
		}
		a.contribution = o.normalize(a.entry.ContributorID, contribution)
		a.invoked = true
	}
	return nil
}

// reallocateSurplus implements Pass 3b. Donors gave up most of their
// allocation unused; recipients are condensable contributors straining
// against theirs. Surplus is distributed proportionally to recipient
// priority and capped at each recipient's max share. Ties and donor
// attribution resolve in declaration order.
func (o *Orchestrator) reallocateSurplus(
	ctx context.Context,
	active []*activeContributor,
	available int,
	actx *Context,
	snap *Snapshot,
) error {
	var donors, recipients []*activeContributor
	for _, a := range active {
		if a.failed || !a.invoked || a.allocated <= 0 {
			continue
		}
		used := a.contribution.TokensUsed
		switch {
		case float64(used) < donorThreshold*float64(a.allocated):
			donors = append(donors, a)
		case a.entry.Condensable && float64(used) > recipientThreshold*float64(a.allocated):
			recipients = append(recipients, a)
		}
	}
	if len(donors) == 0 || len(recipients) == 0 {
		return nil
	}

	totalSurplus := 0
	for _, d := range donors {
		totalSurplus += d.allocated - d.contribution.TokensUsed
	}
	if totalSurplus <= 0 {
		return nil
	}

	totalWeight := 0
	for _, r := range recipients {
		if r.entry.Priority > 0 {
			totalWeight += r.entry.Priority
		}
	}

	sort.SliceStable(recipients, func(i, j int) bool {
		return recipients[i].entry.Priority > recipients[j].entry.Priority
	})

	// Grants are computed up front so one recipient's cap does not shift
	// another's share mid-distribution.
	grants := make(map[*activeContributor]int, len(recipients))
	for _, r := range recipients {
		share := totalSurplus / len(recipients)
		if totalWeight > 0 {
			share = int(float64(totalSurplus) * float64(r.entry.Priority) / float64(totalWeight))
		}
		if ceiling := r.maxTokens(available); r.allocated+share > ceiling {
			share = ceiling - r.allocated
		}
		if share > 0 {
			grants[r] = share
		}
	}
	if len(grants) == 0 {
		return nil
	}

	// Attribute each grant to donors in declaration order, consuming each
	// donor's surplus before moving to the next. Debits and events are
	// staged per grant and committed only once the recipient accepts the
	// larger budget, so a failed re-invocation transfers nothing.
	type stagedDebit struct {
		donor  *activeContributor
		amount int
	}
	donorIdx := 0
	donorLeft := donors[0].allocated - donors[0].contribution.TokensUsed
	for _, r := range recipients {
		grant, ok := grants[r]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		nextIdx, nextLeft := donorIdx, donorLeft
		var staged []stagedDebit
		remaining := grant
		for remaining > 0 && nextIdx < len(donors) {
			amount := remaining
			if amount > nextLeft {
				amount = nextLeft
			}
			if amount > 0 {
				staged = append(staged, stagedDebit{donor: donors[nextIdx], amount: amount})
				nextLeft -= amount
				remaining -= amount
			}
			if nextLeft <= 0 {
				nextIdx++
				if nextIdx < len(donors) {
					nextLeft = donors[nextIdx].allocated - donors[nextIdx].contribution.TokensUsed
				}
			}
		}
		granted := grant - remaining
		if granted <= 0 {
			continue
		}

		newAllocation := r.allocated + granted
		contribution, err := r.impl.Contribute(ctx, newAllocation, actx)
		if err != nil {
			// The earlier result stands and the donors keep their budget;
			// the staged debits are discarded.
			o.logf("contributor %s failed during reallocation: %v", r.entry.ContributorID, err)
			continue
		}
		for _, d := range staged {
			d.donor.allocated -= d.amount
			snap.Reallocations = append(snap.Reallocations, ReallocationEvent{
				Donor:     d.donor.entry.ContributorID,
				Recipient: r.entry.ContributorID,
				Amount:    d.amount,
			})
		}
		donorIdx, donorLeft = nextIdx, nextLeft
		r.allocated = newAllocation
		r.contribution = o.normalize(r.entry.ContributorID, contribution)
	}
	return nil
}

// condenseOverBudget implements Pass 4. It walks the declared condensation
// order only; the orchestrator never truncates a contributor the
// composition did not authorize. Force-condensed contributors outside the
// order are handled afterward in declaration order, since the rule named
// them explicitly.
func (o *Orchestrator) condenseOverBudget(
	ctx context.Context,
	comp *composition.Composition,
	active []*activeContributor,
	available int,
	actx *Context,
	snap *Snapshot,
) error {
	byID := make(map[string]*activeContributor, len(active))
	anyForced := false
	for _, a := range active {
		byID[a.entry.ContributorID] = a
		if a.forceCond {
			anyForced = true
		}
	}

	totalUsed := o.totalUsed(active)
	if totalUsed <= available && !anyForced {
		return nil
	}

	queue := make([]*activeContributor, 0, len(active))
	listed := make(map[string]bool, len(comp.CondensationOrder))
	for _, id := range comp.CondensationOrder {
		listed[id] = true
		if a, ok := byID[id]; ok {
			queue = append(queue, a)
		}
	}
	for _, a := range active {
		if a.forceCond && !listed[a.entry.ContributorID] {
			queue = append(queue, a)
		}
	}

	for _, a := range queue {
		deficit := totalUsed - available
		if deficit <= 0 && !a.forceCond {
			continue
		}
		if a.failed || !a.invoked || !a.entry.Condensable {
			continue
		}
		condenser, ok := a.impl.(Condenser)
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		used := a.contribution.TokensUsed
		target := a.minTokens(available)
		if !a.forceCond && used-deficit > target {
			target = used - deficit
		}
		if target >= used {
			continue
		}

		condensed, err := condenser.Condense(ctx, a.contribution, target, actx)
		if err != nil {
			a.failed = true
			a.contribution = Contribution{}
			snap.Skipped = append(snap.Skipped, SkippedContributor{
				ContributorID: a.entry.ContributorID,
				Reason:        SkipReasonErrorPrefix + err.Error(),
			})
			o.logf("contributor %s failed during condense: %v", a.entry.ContributorID, err)
			totalUsed = o.totalUsed(active)
			continue
		}

		condensed = o.normalize(a.entry.ContributorID, condensed)
		snap.Condensations = append(snap.Condensations, CondensationEvent{
			ContributorID: a.entry.ContributorID,
			BeforeTokens:  used,
			AfterTokens:   condensed.TokensUsed,
		})
		a.contribution = condensed
		a.forceCond = false
		totalUsed = o.totalUsed(active)
	}
	return nil
}

// finalize fills the aggregate snapshot fields. Allocation records follow
// composition declaration order for stable output.
func (o *Orchestrator) finalize(snap *Snapshot, active []*activeContributor, incomplete bool) *Snapshot {
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].declIndex < active[j].declIndex
	})

	totalUsed := 0
	for _, a := range active {
		used := 0
		if a.invoked && !a.failed {
			used = a.contribution.TokensUsed
		}
		totalUsed += used
		snap.Allocations = append(snap.Allocations, AllocationRecord{
			ContributorID: a.entry.ContributorID,
			Allocated:     a.allocated,
			Used:          used,
		})
	}

	snap.TotalUsed = totalUsed
	if snap.AvailableBudget > 0 {
		snap.UtilizationPct = float64(totalUsed) / float64(snap.AvailableBudget)
	}
	snap.OverBudget = totalUsed > snap.AvailableBudget
	snap.Incomplete = incomplete
	return snap
}

// normalize fills in the fields a contributor is allowed to leave blank.
// A missing token count is estimated from the content so every downstream
// pass sees a usable figure.
func (o *Orchestrator) normalize(contributorID string, c Contribution) Contribution {
	c.ContributorID = contributorID
	if c.TokensUsed <= 0 && c.Content != "" {
		c.TokensUsed = o.estimator().Estimate(c.Content)
	}
	if c.TokensUsed < 0 {
		c.TokensUsed = 0
	}
	return c
}

func (o *Orchestrator) totalUsed(active []*activeContributor) int {
	total := 0
	for _, a := range active {
		if a.invoked && !a.failed {
			total += a.contribution.TokensUsed
		}
	}
	return total
}

func (a *activeContributor) minTokens(available int) int {
	return int(float64(available) * a.entry.MinPct)
}

func (a *activeContributor) maxTokens(available int) int {
	return int(float64(available) * a.entry.MaxPct)
}

func (o *Orchestrator) estimator() tokenizer.Estimator {
	if o == nil || o.Estimator == nil {
		return tokenizer.HeuristicEstimator{}
	}
	return o.Estimator
}

func (o *Orchestrator) newID() string {
	if o != nil && o.NewID != nil {
		return o.NewID()
	}
	return uuid.NewString()
}

func (o *Orchestrator) now() time.Time {
	if o != nil && o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o != nil && o.Logf != nil {
		o.Logf(format, args...)
	}
}
