package assembly

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samhotchkiss/prompt-loom/internal/composition"
)

type stubContributor struct {
	id           string
	kinds        map[string]bool
	contributeFn func(budget int, actx *Context) (Contribution, error)
	condenseFn   func(current Contribution, target int, actx *Context) (Contribution, error)
	budgets      []int
	condenseCall int
}

func (s *stubContributor) ID() string { return s.id }

func (s *stubContributor) AppliesTo(kind string) bool {
	if s.kinds == nil {
		return true
	}
	return s.kinds[kind]
}

func (s *stubContributor) Contribute(ctx context.Context, budget int, actx *Context) (Contribution, error) {
	s.budgets = append(s.budgets, budget)
	if s.contributeFn != nil {
		return s.contributeFn(budget, actx)
	}
	return Contribution{Content: "stub", TokensUsed: budget}, nil
}

func (s *stubContributor) Condense(ctx context.Context, current Contribution, target int, actx *Context) (Contribution, error) {
	s.condenseCall++
	if s.condenseFn != nil {
		return s.condenseFn(current, target, actx)
	}
	return Contribution{Content: "condensed", TokensUsed: target}, nil
}

type mapSource map[string]Contributor

func (m mapSource) Contributor(id string) (Contributor, bool) {
	c, ok := m[id]
	return c, ok
}

func fixedTokens(n int) func(budget int, actx *Context) (Contribution, error) {
	return func(budget int, actx *Context) (Contribution, error) {
		return Contribution{Content: strings.Repeat("x", n), TokensUsed: n}, nil
	}
}

func testOrchestrator() *Orchestrator {
	o := New(nil)
	o.NewID = func() string { return "run-1" }
	o.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	o.Logf = func(format string, args ...any) {}
	return o
}

func testContext() *Context {
	return &Context{Kind: "chat", ModelID: "sonnet", ModelCeiling: 10000}
}

func allocationFor(t *testing.T, snap *Snapshot, id string) AllocationRecord {
	t.Helper()
	for _, a := range snap.Allocations {
		if a.ContributorID == id {
			return a
		}
	}
	t.Fatalf("no allocation record for %s", id)
	return AllocationRecord{}
}

func skipReasonFor(snap *Snapshot, id string) (string, bool) {
	for _, s := range snap.Skipped {
		if s.ContributorID == id {
			return s.Reason, true
		}
	}
	return "", false
}

// Scenario A: a near-idle contributor donates its surplus to a straining
// condensable one, capped at the recipient's max share of the budget.
func TestAssembleReallocatesSurplusUpToMaxCap(t *testing.T) {
	comp := &composition.Composition{
		ID:               "comp-a",
		Name:             "scenario-a",
		OutputReservePct: 0.10,
		Entries: []composition.Entry{
			{ContributorID: "a", Priority: 10, TargetPct: 0.60, MinPct: 0.10, MaxPct: 0.80, Active: true},
			{ContributorID: "b", Priority: 5, TargetPct: 0.40, MinPct: 0.10, MaxPct: 0.80, Condensable: true, Active: true},
		},
	}
	require.NoError(t, comp.Validate())

	a := &stubContributor{id: "a", contributeFn: fixedTokens(1500)}
	b := &stubContributor{id: "b", contributeFn: func(budget int, actx *Context) (Contribution, error) {
		if budget > 4000 {
			return Contribution{Content: "expanded", TokensUsed: 7000}, nil
		}
		return Contribution{Content: "strained", TokensUsed: 4050, Truncated: true}, nil
	}}

	_, snap, err := testOrchestrator().Assemble(context.Background(), comp, mapSource{"a": a, "b": b}, testContext())
	require.NoError(t, err)

	require.Equal(t, 9000, snap.AvailableBudget)
	require.Equal(t, []int{5400}, a.budgets)

	// First call at the clamped 3600 allocation, second after reallocation.
	require.Len(t, b.budgets, 2)
	require.Equal(t, 3600, b.budgets[0])
	require.LessOrEqual(t, b.budgets[1], 7200, "recipient must not exceed max_pct of available budget")
	require.Equal(t, 7200, b.budgets[1])

	require.Equal(t, []ReallocationEvent{{Donor: "a", Recipient: "b", Amount: 3600}}, snap.Reallocations)
	require.Equal(t, 7200, allocationFor(t, snap, "b").Allocated)
	require.Equal(t, 5400-3600, allocationFor(t, snap, "a").Allocated)
}

// A recipient that errors when re-invoked at the larger budget keeps its
// first result, and the transfer it could not absorb is never recorded:
// the donor keeps its allocation and the snapshot stays consistent.
func TestAssembleFailedRegrantLeavesDonorsIntact(t *testing.T) {
	comp := &composition.Composition{
		ID:               "comp-a-fail",
		Name:             "scenario-a-fail",
		OutputReservePct: 0.10,
		Entries: []composition.Entry{
			{ContributorID: "a", Priority: 10, TargetPct: 0.60, MinPct: 0.10, MaxPct: 0.80, Active: true},
			{ContributorID: "b", Priority: 5, TargetPct: 0.40, MinPct: 0.10, MaxPct: 0.80, Condensable: true, Active: true},
		},
	}
	require.NoError(t, comp.Validate())

	a := &stubContributor{id: "a", contributeFn: fixedTokens(1500)}
	b := &stubContributor{id: "b", contributeFn: func(budget int, actx *Context) (Contribution, error) {
		if budget > 4000 {
			return Contribution{}, errors.New("backend unavailable")
		}
		return Contribution{Content: "strained", TokensUsed: 4050, Truncated: true}, nil
	}}

	_, snap, err := testOrchestrator().Assemble(context.Background(), comp, mapSource{"a": a, "b": b}, testContext())
	require.NoError(t, err)

	// The recipient was offered the larger budget and declined it by erroring.
	require.Equal(t, []int{3600, 7200}, b.budgets)

	require.Empty(t, snap.Reallocations, "a failed re-invocation records no transfer")
	require.Equal(t, 5400, allocationFor(t, snap, "a").Allocated)
	require.Equal(t, 3600, allocationFor(t, snap, "b").Allocated)
	require.Equal(t, 4050, allocationFor(t, snap, "b").Used)
}

// Scenario B: a firing rule halves the effective target for that run only.
func TestAssembleRuleReducesTargetForSingleRun(t *testing.T) {
	comp := &composition.Composition{
		ID:               "comp-b",
		Name:             "scenario-b",
		OutputReservePct: 0.10,
		Entries: []composition.Entry{
			{ContributorID: "tool_definitions", Priority: 10, TargetPct: 0.40, MinPct: 0.0, MaxPct: 0.80, Active: true},
			{ContributorID: "knowledge", Priority: 5, TargetPct: 0.60, MinPct: 0.0, MaxPct: 0.80, Active: true},
		},
		Rules: []composition.Rule{{
			ID:        "shrink-tools-on-retrieval",
			Condition: composition.Condition{Kind: composition.ConditionHighConfidenceRetrieval},
			Action:    composition.Action{Kind: composition.ActionReduceBy, Contributor: "tool_definitions", Pct: 0.50},
		}},
	}
	require.NoError(t, comp.Validate())

	run := func(flagged bool) *Snapshot {
		source := mapSource{
			"tool_definitions": &stubContributor{id: "tool_definitions", contributeFn: fixedTokens(100)},
			"knowledge":        &stubContributor{id: "knowledge", contributeFn: fixedTokens(100)},
		}
		actx := testContext()
		if flagged {
			actx.Flags = map[string]bool{composition.FlagHighConfidenceRetrieval: true}
		}
		_, snap, err := testOrchestrator().Assemble(context.Background(), comp, source, actx)
		require.NoError(t, err)
		return snap
	}

	flagged := run(true)
	require.Equal(t, []string{"shrink-tools-on-retrieval"}, flagged.FiredRules)
	require.Equal(t, int(9000*0.20), allocationFor(t, flagged, "tool_definitions").Allocated)

	plain := run(false)
	require.Empty(t, plain.FiredRules)
	require.Equal(t, int(9000*0.40), allocationFor(t, plain, "tool_definitions").Allocated)
}

// Scenario C: condensation walks the declared order and stops as soon as
// the assembly fits; later entries are never condensed.
func TestAssembleCondensationStopsEarly(t *testing.T) {
	comp := &composition.Composition{
		ID:               "comp-c",
		Name:             "scenario-c",
		OutputReservePct: 0.10,
		Entries: []composition.Entry{
			{ContributorID: "system", Priority: 100, TargetPct: 0.30, MinPct: 0.0, MaxPct: 0.40, Active: true},
			{ContributorID: "workflow_history", Priority: 50, TargetPct: 0.30, MinPct: 0.10, MaxPct: 0.50, Condensable: true, Active: true},
			{ContributorID: "tool_definitions", Priority: 75, TargetPct: 0.40, MinPct: 0.05, MaxPct: 0.60, Condensable: true, Active: true},
		},
		CondensationOrder: []string{"workflow_history", "tool_definitions"},
	}
	require.NoError(t, comp.Validate())

	system := &stubContributor{id: "system", contributeFn: fixedTokens(2500)}
	history := &stubContributor{
		id:           "workflow_history",
		contributeFn: fixedTokens(2000),
		condenseFn: func(current Contribution, target int, actx *Context) (Contribution, error) {
			return Contribution{Content: "summary", TokensUsed: 500}, nil
		},
	}
	tools := &stubContributor{id: "tool_definitions", contributeFn: fixedTokens(5000)}

	source := mapSource{"system": system, "workflow_history": history, "tool_definitions": tools}
	_, snap, err := testOrchestrator().Assemble(context.Background(), comp, source, testContext())
	require.NoError(t, err)

	require.Equal(t, 1, history.condenseCall)
	require.Zero(t, tools.condenseCall, "iteration must stop once within budget")
	require.Equal(t, []CondensationEvent{{ContributorID: "workflow_history", BeforeTokens: 2000, AfterTokens: 500}}, snap.Condensations)
	require.Equal(t, 8000, snap.TotalUsed)
	require.False(t, snap.OverBudget)
}

// Scenario D: one contributor erroring is recorded and isolated; the rest
// of the run is unaffected and no redistribution fires.
func TestAssembleContributorFailureIsIsolated(t *testing.T) {
	comp := &composition.Composition{
		ID:               "comp-d",
		Name:             "scenario-d",
		OutputReservePct: 0.10,
		Entries: []composition.Entry{
			{ContributorID: "flaky", Priority: 10, TargetPct: 0.50, MinPct: 0.0, MaxPct: 0.80, Active: true},
			{ContributorID: "steady", Priority: 5, TargetPct: 0.50, MinPct: 0.0, MaxPct: 0.80, Active: true},
		},
	}
	require.NoError(t, comp.Validate())

	flaky := &stubContributor{id: "flaky", contributeFn: func(budget int, actx *Context) (Contribution, error) {
		return Contribution{}, errors.New("retrieval backend unavailable")
	}}
	steady := &stubContributor{id: "steady", contributeFn: fixedTokens(2000)}

	contributions, snap, err := testOrchestrator().Assemble(context.Background(), comp, mapSource{"flaky": flaky, "steady": steady}, testContext())
	require.NoError(t, err)

	reason, ok := skipReasonFor(snap, "flaky")
	require.True(t, ok)
	require.True(t, strings.HasPrefix(reason, SkipReasonErrorPrefix))
	require.Contains(t, reason, "retrieval backend unavailable")

	require.Equal(t, 0, allocationFor(t, snap, "flaky").Allocated)
	require.Equal(t, int(9000*0.50), allocationFor(t, snap, "steady").Allocated)
	require.Empty(t, snap.Reallocations, "runtime failure must not trigger redistribution")

	require.Len(t, contributions, 1)
	require.Equal(t, "steady", contributions[0].ContributorID)
}

// Skipped contributors donate their declared target proportionally, so the
// active set's effective targets conserve the declared total.
func TestAssembleRedistributionConservesTargetTotal(t *testing.T) {
	comp := &composition.Composition{
		ID:               "comp-redistribute",
		Name:             "redistribute",
		OutputReservePct: 0.10,
		Entries: []composition.Entry{
			{ContributorID: "alpha", Priority: 10, TargetPct: 0.50, MinPct: 0.0, MaxPct: 1.0, Active: true},
			{ContributorID: "beta", Priority: 8, TargetPct: 0.30, MinPct: 0.0, MaxPct: 1.0, Active: false},
			{ContributorID: "gamma", Priority: 6, TargetPct: 0.20, MinPct: 0.0, MaxPct: 1.0, Active: true},
		},
	}
	require.NoError(t, comp.Validate())

	source := mapSource{
		"alpha": &stubContributor{id: "alpha", contributeFn: fixedTokens(100)},
		"beta":  &stubContributor{id: "beta", contributeFn: fixedTokens(100)},
		"gamma": &stubContributor{id: "gamma", contributeFn: fixedTokens(100)},
	}

	_, snap, err := testOrchestrator().Assemble(context.Background(), comp, source, testContext())
	require.NoError(t, err)

	// alpha's 0.5 share grows to 0.5 * (1 + 0.3/0.7), gamma's in proportion;
	// together they absorb beta's full 0.3.
	alpha := allocationFor(t, snap, "alpha").Allocated
	gamma := allocationFor(t, snap, "gamma").Allocated
	scale := 1 + 0.3/0.7
	require.Equal(t, int(9000*0.5*scale), alpha)
	require.Equal(t, int(9000*0.2*scale), gamma)
	require.InDelta(t, 9000, alpha+gamma, 2, "rounding aside, the active set inherits the full declared share")

	reason, ok := skipReasonFor(snap, "beta")
	require.True(t, ok)
	require.Equal(t, SkipReasonInactive, reason)
}

func TestAssembleDeterministicSnapshots(t *testing.T) {
	comp := &composition.Composition{
		ID:               "comp-determinism",
		Name:             "determinism",
		OutputReservePct: 0.10,
		Entries: []composition.Entry{
			{ContributorID: "one", Priority: 10, TargetPct: 0.60, MinPct: 0.1, MaxPct: 0.8, Condensable: true, Active: true},
			{ContributorID: "two", Priority: 10, TargetPct: 0.40, MinPct: 0.1, MaxPct: 0.8, Active: true},
		},
		CondensationOrder: []string{"one"},
	}
	require.NoError(t, comp.Validate())

	run := func() *Snapshot {
		source := mapSource{
			"one": &stubContributor{id: "one", contributeFn: fixedTokens(4000)},
			"two": &stubContributor{id: "two", contributeFn: fixedTokens(900)},
		}
		_, snap, err := testOrchestrator().Assemble(context.Background(), comp, source, testContext())
		require.NoError(t, err)
		return snap
	}

	require.Equal(t, run(), run())
}

func TestAssembleAppliesTransferAndForceFull(t *testing.T) {
	comp := &composition.Composition{
		ID:               "comp-transfer",
		Name:             "transfer",
		OutputReservePct: 0.0,
		Entries: []composition.Entry{
			{ContributorID: "donor", Priority: 10, TargetPct: 0.40, MinPct: 0.0, MaxPct: 1.0, Active: true},
			{ContributorID: "taker", Priority: 8, TargetPct: 0.40, MinPct: 0.0, MaxPct: 1.0, Active: true},
			{ContributorID: "maxed", Priority: 6, TargetPct: 0.20, MinPct: 0.0, MaxPct: 0.35, Active: true},
		},
		Rules: []composition.Rule{
			{
				ID:        "shift-on-attachments",
				Condition: composition.Condition{Kind: composition.ConditionFlagSet, Flag: "attachments_present"},
				Action:    composition.Action{Kind: composition.ActionTransfer, From: "donor", To: "taker", Pct: 0.5},
			},
			{
				ID:        "maxed-gets-full",
				Condition: composition.Condition{Kind: composition.ConditionFlagSet, Flag: "attachments_present"},
				Action:    composition.Action{Kind: composition.ActionForceFull, Contributor: "maxed"},
			},
		},
	}
	require.NoError(t, comp.Validate())

	source := mapSource{
		"donor": &stubContributor{id: "donor", contributeFn: fixedTokens(100)},
		"taker": &stubContributor{id: "taker", contributeFn: fixedTokens(100)},
		"maxed": &stubContributor{id: "maxed", contributeFn: fixedTokens(100)},
	}
	actx := testContext()
	actx.Flags = map[string]bool{"attachments_present": true}

	_, snap, err := testOrchestrator().Assemble(context.Background(), comp, source, actx)
	require.NoError(t, err)

	require.Equal(t, []string{"shift-on-attachments", "maxed-gets-full"}, snap.FiredRules)
	require.Equal(t, int(10000*0.20), allocationFor(t, snap, "donor").Allocated)
	require.Equal(t, int(10000*0.60), allocationFor(t, snap, "taker").Allocated)
	require.Equal(t, int(10000*0.35), allocationFor(t, snap, "maxed").Allocated)
}

func TestAssembleForceCondenseFiresUnderBudget(t *testing.T) {
	comp := &composition.Composition{
		ID:               "comp-force",
		Name:             "force-condense",
		OutputReservePct: 0.10,
		Entries: []composition.Entry{
			{ContributorID: "history", Priority: 10, TargetPct: 0.50, MinPct: 0.05, MaxPct: 0.8, Condensable: true, Active: true},
			{ContributorID: "system", Priority: 20, TargetPct: 0.50, MinPct: 0.0, MaxPct: 0.8, Active: true},
		},
		CondensationOrder: []string{"history"},
		Rules: []composition.Rule{{
			ID:        "always-squeeze-history",
			Condition: composition.Condition{Kind: composition.ConditionNoAttachments},
			Action:    composition.Action{Kind: composition.ActionForceCondense, Contributor: "history"},
		}},
	}
	require.NoError(t, comp.Validate())

	history := &stubContributor{id: "history", contributeFn: fixedTokens(3000)}
	system := &stubContributor{id: "system", contributeFn: fixedTokens(1000)}

	_, snap, err := testOrchestrator().Assemble(context.Background(), comp, mapSource{"history": history, "system": system}, testContext())
	require.NoError(t, err)

	// Well under budget, but the rule demands condensation toward the floor.
	require.Equal(t, 1, history.condenseCall)
	require.Len(t, snap.Condensations, 1)
	require.Equal(t, int(9000*0.05), snap.Condensations[0].AfterTokens)
}

func TestAssembleOverBudgetIsReportedNotClipped(t *testing.T) {
	comp := &composition.Composition{
		ID:               "comp-overflow",
		Name:             "overflow",
		OutputReservePct: 0.10,
		Entries: []composition.Entry{
			// Not condensable: pass 4 has nothing to shrink.
			{ContributorID: "bulk", Priority: 10, TargetPct: 0.80, MinPct: 0.0, MaxPct: 1.0, Active: true},
		},
	}
	require.NoError(t, comp.Validate())

	bulk := &stubContributor{id: "bulk", contributeFn: fixedTokens(9500)}
	contributions, snap, err := testOrchestrator().Assemble(context.Background(), comp, mapSource{"bulk": bulk}, testContext())
	require.NoError(t, err)

	require.True(t, snap.OverBudget)
	require.Equal(t, 9500, snap.TotalUsed)
	require.Len(t, contributions, 1)
	require.Equal(t, 9500, contributions[0].TokensUsed, "content must not be silently truncated")
}

func TestAssembleSkipsNonApplicableContributors(t *testing.T) {
	comp := &composition.Composition{
		ID:               "comp-kind",
		Name:             "kind",
		OutputReservePct: 0.0,
		Entries: []composition.Entry{
			{ContributorID: "docs", Priority: 10, TargetPct: 0.50, MinPct: 0.0, MaxPct: 1.0, Active: true},
			{ContributorID: "chat", Priority: 5, TargetPct: 0.50, MinPct: 0.0, MaxPct: 1.0, Active: true},
		},
	}
	require.NoError(t, comp.Validate())

	source := mapSource{
		"docs": &stubContributor{id: "docs", kinds: map[string]bool{"document_review": true}, contributeFn: fixedTokens(10)},
		"chat": &stubContributor{id: "chat", contributeFn: fixedTokens(10)},
	}

	_, snap, err := testOrchestrator().Assemble(context.Background(), comp, source, testContext())
	require.NoError(t, err)

	reason, ok := skipReasonFor(snap, "docs")
	require.True(t, ok)
	require.Equal(t, SkipReasonNotApplicable, reason)
	require.Equal(t, 10000, allocationFor(t, snap, "chat").Allocated)
}

func TestAssembleCancellationYieldsIncompleteSnapshot(t *testing.T) {
	comp := &composition.Composition{
		ID:               "comp-cancel",
		Name:             "cancel",
		OutputReservePct: 0.0,
		Entries: []composition.Entry{
			{ContributorID: "first", Priority: 10, TargetPct: 0.50, MinPct: 0.0, MaxPct: 1.0, Active: true},
			{ContributorID: "second", Priority: 5, TargetPct: 0.50, MinPct: 0.0, MaxPct: 1.0, Active: true},
		},
	}
	require.NoError(t, comp.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	first := &stubContributor{id: "first", contributeFn: func(budget int, actx *Context) (Contribution, error) {
		cancel()
		return Contribution{Content: "partial", TokensUsed: 10}, nil
	}}
	second := &stubContributor{id: "second", contributeFn: fixedTokens(10)}

	contributions, snap, err := testOrchestrator().Assemble(ctx, comp, mapSource{"first": first, "second": second}, testContext())
	require.Error(t, err)
	require.Nil(t, contributions, "no partial contribution is valid once aborted")
	require.NotNil(t, snap)
	require.True(t, snap.Incomplete)
	require.Empty(t, second.budgets, "remaining contributors must not run after cancellation")
}

func TestAssembleOverridesOnlyLowerCeiling(t *testing.T) {
	actx := &Context{ModelCeiling: 10000, ProfileCeiling: 12000, SessionCeiling: 8000}
	require.Equal(t, 8000, actx.EffectiveCeiling())

	actx = &Context{ModelCeiling: 10000, ProfileCeiling: 9000}
	require.Equal(t, 9000, actx.EffectiveCeiling())

	actx = &Context{ModelCeiling: 10000}
	require.Equal(t, 10000, actx.EffectiveCeiling())
}

func TestAssembleEstimatesMissingTokenCounts(t *testing.T) {
	comp := &composition.Composition{
		ID:               "comp-estimate",
		Name:             "estimate",
		OutputReservePct: 0.0,
		Entries: []composition.Entry{
			{ContributorID: "lazy", Priority: 10, TargetPct: 1.0, MinPct: 0.0, MaxPct: 1.0, Active: true},
		},
	}
	require.NoError(t, comp.Validate())

	lazy := &stubContributor{id: "lazy", contributeFn: func(budget int, actx *Context) (Contribution, error) {
		return Contribution{Content: strings.Repeat("y", 400)}, nil
	}}

	contributions, _, err := testOrchestrator().Assemble(context.Background(), comp, mapSource{"lazy": lazy}, testContext())
	require.NoError(t, err)
	require.Len(t, contributions, 1)
	require.Equal(t, 100, contributions[0].TokensUsed)
}
