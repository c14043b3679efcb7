package recurring_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendwise/recurring-engine/recurring"
)

func cancelDecision(id string, claimed string, decidedAt recurring.Date) *recurring.LifecycleDecision {
	return &recurring.LifecycleDecision{
		ID:                    recurring.DecisionID(id),
		SubscriptionID:        "sub-u1-netflix-com",
		OwnerID:               "u1",
		MerchantKey:           "netflix.com",
		Action:                recurring.ActionCancel,
		DecidedAt:             decidedAt,
		ClaimedMonthlySavings: decimal.RequireFromString(claimed),
	}
}

// =============================================================================
// DECISION RECONCILIATION
// =============================================================================

func TestReconcileDecision_Cancel_VerifiedAfterSilentCycle(t *testing.T) {
	// GIVEN: A cancel decision on 2025-03-10, monthly cycle
	// WHEN: No charge has appeared and one full cycle elapsed
	// THEN: Verified at the full claim
	d := cancelDecision("d1", "15.99", date(2025, time.March, 10))

	changed := recurring.ReconcileDecision(d, recurring.FrequencyMonthly, nil, date(2025, time.April, 10))

	require.True(t, changed)
	require.True(t, d.Verified())
	assert.Equal(t, "15.99", d.VerifiedMonthlySavings.StringFixed(2))
	assert.False(t, d.Conflicted)
}

func TestReconcileDecision_Cancel_PendingInsideCycle(t *testing.T) {
	// One day before the expected next cycle: verification stays pending.
	d := cancelDecision("d1", "15.99", date(2025, time.March, 10))

	changed := recurring.ReconcileDecision(d, recurring.FrequencyMonthly, nil, date(2025, time.April, 9))

	assert.False(t, changed)
	assert.False(t, d.Verified())
}

func TestReconcileDecision_Cancel_ContradictedByCharge(t *testing.T) {
	// GIVEN: A cancel decision followed by a real charge
	// WHEN: Reconciling
	// THEN: Verified zero, conflicted flag set, decision retained
	d := cancelDecision("d1", "15.99", date(2025, time.March, 10))
	charges := []recurring.Charge{
		{Date: date(2025, time.April, 10), Amount: decimal.RequireFromString("15.99")},
	}

	changed := recurring.ReconcileDecision(d, recurring.FrequencyMonthly, charges, date(2025, time.April, 15))

	require.True(t, changed)
	require.True(t, d.Verified())
	assert.True(t, d.VerifiedMonthlySavings.IsZero())
	assert.True(t, d.Conflicted)
}

func TestReconcileDecision_Reduce_PartialSuccess(t *testing.T) {
	// GIVEN: Reduce from $15.99 to $9.99 (claim $6.00), but the next charge
	//        bills $12.99 instead
	// WHEN: Reconciling
	// THEN: Verified = 6.00 - (12.99 - 9.99) = 3.00
	d := cancelDecision("d1", "6.00", date(2025, time.March, 10))
	d.Action = recurring.ActionReduce
	d.RecommendedAmount = decimal.RequireFromString("9.99")
	charges := []recurring.Charge{
		{Date: date(2025, time.April, 10), Amount: decimal.RequireFromString("12.99")},
	}

	changed := recurring.ReconcileDecision(d, recurring.FrequencyMonthly, charges, date(2025, time.April, 15))

	require.True(t, changed)
	assert.Equal(t, "3.00", d.VerifiedMonthlySavings.StringFixed(2))
	assert.False(t, d.Conflicted)
}

func TestReconcileDecision_Reduce_ClampedAtClaim(t *testing.T) {
	// Billing below the recommended target never verifies more than the
	// claim.
	d := cancelDecision("d1", "6.00", date(2025, time.March, 10))
	d.Action = recurring.ActionReduce
	d.RecommendedAmount = decimal.RequireFromString("9.99")
	charges := []recurring.Charge{
		{Date: date(2025, time.April, 10), Amount: decimal.RequireFromString("7.99")},
	}

	recurring.ReconcileDecision(d, recurring.FrequencyMonthly, charges, date(2025, time.April, 15))
	assert.Equal(t, "6.00", d.VerifiedMonthlySavings.StringFixed(2))
}

func TestReconcileDecision_Keep_NothingToVerify(t *testing.T) {
	d := cancelDecision("d1", "0.00", date(2025, time.March, 10))
	d.Action = recurring.ActionKeep

	changed := recurring.ReconcileDecision(d, recurring.FrequencyMonthly, nil, date(2025, time.December, 1))
	assert.False(t, changed)
	assert.False(t, d.Verified())
}

func TestReconcileDecision_Deterministic(t *testing.T) {
	// Re-running with the same inputs reports no further change.
	d := cancelDecision("d1", "15.99", date(2025, time.March, 10))
	asOf := date(2025, time.May, 1)

	require.True(t, recurring.ReconcileDecision(d, recurring.FrequencyMonthly, nil, asOf))
	assert.False(t, recurring.ReconcileDecision(d, recurring.FrequencyMonthly, nil, asOf))
}

// =============================================================================
// MONTHLY LEDGER
// =============================================================================

func TestBuildLedger_CancelAcrossMonths(t *testing.T) {
	// GIVEN: A cancel decided 2025-03-10 claiming $15.99/month, no further
	//        charges, evaluated on 2025-05-05
	// THEN: March and April are closed and fully verified; May is open and
	//       claimed only
	d := cancelDecision("d1", "15.99", date(2025, time.March, 10))

	entries := recurring.BuildLedger("u1", []*recurring.LifecycleDecision{d}, nil, date(2025, time.May, 5))

	require.Len(t, entries, 3)

	assert.Equal(t, recurring.Period("2025-03"), entries[0].Period)
	assert.Equal(t, "15.99", entries[0].ClaimedTotal.StringFixed(2))
	assert.Equal(t, "15.99", entries[0].VerifiedTotal.StringFixed(2))

	assert.Equal(t, recurring.Period("2025-04"), entries[1].Period)
	assert.Equal(t, "15.99", entries[1].VerifiedTotal.StringFixed(2))

	assert.Equal(t, recurring.Period("2025-05"), entries[2].Period)
	assert.Equal(t, "15.99", entries[2].ClaimedTotal.StringFixed(2))
	assert.Equal(t, "0.00", entries[2].VerifiedTotal.StringFixed(2), "open period is never verified")

	// Deterministic ids so recomputation upserts in place.
	assert.Equal(t, "ledger-u1-2025-03", entries[0].ID)
}

func TestBuildLedger_ConflictZeroesThePeriod(t *testing.T) {
	// A charge inside a closed period zeroes that period's verified total
	// without touching the claim.
	d := cancelDecision("d1", "15.99", date(2025, time.March, 10))
	charges := map[recurring.MerchantKey][]recurring.Charge{
		"netflix.com": {{Date: date(2025, time.April, 10), Amount: decimal.RequireFromString("15.99")}},
	}

	entries := recurring.BuildLedger("u1", []*recurring.LifecycleDecision{d}, charges, date(2025, time.May, 5))

	require.Len(t, entries, 3)
	assert.Equal(t, "15.99", entries[0].VerifiedTotal.StringFixed(2), "March: still quiet")
	assert.Equal(t, "0.00", entries[1].VerifiedTotal.StringFixed(2), "April: contradicted")
	assert.Equal(t, "15.99", entries[1].ClaimedTotal.StringFixed(2))
}

func TestBuildLedger_OnlyLatestDecisionCounts(t *testing.T) {
	// A later keep supersedes the cancel: nothing contributes anymore.
	cancel := cancelDecision("d1", "15.99", date(2025, time.March, 10))
	keep := cancelDecision("d2", "0.00", date(2025, time.April, 1))
	keep.Action = recurring.ActionKeep

	entries := recurring.BuildLedger("u1",
		[]*recurring.LifecycleDecision{cancel, keep}, nil, date(2025, time.May, 5))

	assert.Empty(t, entries)
}

func TestBuildLedger_Recompute_Idempotent(t *testing.T) {
	d := cancelDecision("d1", "15.99", date(2025, time.March, 10))
	asOf := date(2025, time.May, 5)

	first := recurring.BuildLedger("u1", []*recurring.LifecycleDecision{d}, nil, asOf)
	second := recurring.BuildLedger("u1", []*recurring.LifecycleDecision{d}, nil, asOf)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.True(t, first[i].ClaimedTotal.Equal(second[i].ClaimedTotal))
		assert.True(t, first[i].VerifiedTotal.Equal(second[i].VerifiedTotal))
	}
}

// =============================================================================
// PROJECTED SUMMARY
// =============================================================================

func TestSummarize_ExactAnnualProjection(t *testing.T) {
	verified := decimal.RequireFromString("15.99")
	cancel := cancelDecision("d1", "15.99", date(2025, time.March, 10))
	cancel.VerifiedMonthlySavings = &verified

	reduce := cancelDecision("d2", "6.00", date(2025, time.March, 20))
	reduce.SubscriptionID = "sub-u1-spotify-com"
	reduce.Action = recurring.ActionReduce

	s := recurring.Summarize([]*recurring.LifecycleDecision{cancel, reduce})

	assert.Equal(t, "21.99", s.ProjectedMonthly.StringFixed(2))
	assert.Equal(t, "263.88", s.ProjectedAnnual.StringFixed(2))
	assert.Equal(t, "15.99", s.VerifiedMonthly.StringFixed(2))
	assert.Equal(t, 2, s.TotalDecisions)
	assert.Equal(t, 1, s.PendingVerification)
}
