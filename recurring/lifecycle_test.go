package recurring_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendwise/recurring-engine/recurring"
)

func monthlySub(lastCharge recurring.Date) *recurring.Subscription {
	return &recurring.Subscription{
		ID:             "sub-u1-netflix-com",
		OwnerID:        "u1",
		MerchantKey:    "netflix.com",
		DisplayName:    "Netflix",
		TypicalAmount:  decimal.RequireFromString("15.99"),
		Frequency:      recurring.FrequencyMonthly,
		Status:         recurring.StatusActive,
		MonthsActive:   6,
		LastChargeDate: lastCharge,
	}
}

// =============================================================================
// STATUS EVALUATION
// =============================================================================

func TestEvaluateStatus_MonthlyBoundary(t *testing.T) {
	last := date(2025, time.January, 1)

	// GIVEN: A monthly subscription silent for 59 days
	// THEN: Still active (threshold not reached)
	sub := monthlySub(last)
	recurring.EvaluateStatus(sub, last.AddDays(59))
	assert.Equal(t, recurring.StatusActive, sub.Status)

	// GIVEN: Silent for exactly 60 days
	// THEN: Stopped, with a stopped event
	sub = monthlySub(last)
	events := recurring.EvaluateStatus(sub, last.AddDays(60))
	assert.Equal(t, recurring.StatusStopped, sub.Status)
	require.Len(t, events, 1)
	assert.Equal(t, recurring.EventStopped, events[0].Type)
}

func TestEvaluateStatus_StaleBand_WarnsButStaysActive(t *testing.T) {
	// GIVEN: A monthly subscription 40 days silent (past the 35-day
	//        tolerated window, before the 60-day stopped threshold)
	// WHEN: Evaluating status
	// THEN: Reported status stays active; a possibly-stopped event fires
	sub := monthlySub(date(2025, time.January, 1))
	events := recurring.EvaluateStatus(sub, date(2025, time.February, 10))

	assert.Equal(t, recurring.StatusActive, sub.Status)
	require.Len(t, events, 1)
	assert.Equal(t, recurring.EventPossiblyStopped, events[0].Type)
}

func TestEvaluateStatus_WeeklyStopsAtThreeWeeks(t *testing.T) {
	sub := monthlySub(date(2025, time.March, 1))
	sub.Frequency = recurring.FrequencyWeekly

	recurring.EvaluateStatus(sub, date(2025, time.March, 21).AddDays(1))
	assert.Equal(t, recurring.StatusStopped, sub.Status)
}

func TestEvaluateStatus_StoppedThenFreshCharge_Reactivates(t *testing.T) {
	// GIVEN: A stopped subscription whose last charge is now recent
	//        (detection refreshed LastChargeDate after a resubscription)
	// WHEN: Evaluating status
	// THEN: Active again with a reactivated event
	sub := monthlySub(date(2025, time.June, 1))
	sub.Status = recurring.StatusStopped

	events := recurring.EvaluateStatus(sub, date(2025, time.June, 10))

	assert.Equal(t, recurring.StatusActive, sub.Status)
	require.Len(t, events, 1)
	assert.Equal(t, recurring.EventReactivated, events[0].Type)
}

func TestEvaluateStatus_EssentialNeverAutoStops(t *testing.T) {
	sub := monthlySub(date(2025, time.January, 1))
	sub.IsEssential = true

	events := recurring.EvaluateStatus(sub, date(2025, time.December, 1))

	assert.Equal(t, recurring.StatusActive, sub.Status)
	assert.Empty(t, events)
}

func TestEvaluateStatus_Idempotent(t *testing.T) {
	// Re-evaluating an already-stopped subscription emits no second event.
	sub := monthlySub(date(2025, time.January, 1))
	asOf := date(2025, time.April, 1)

	first := recurring.EvaluateStatus(sub, asOf)
	require.Len(t, first, 1)

	second := recurring.EvaluateStatus(sub, asOf)
	assert.Empty(t, second)
	assert.Equal(t, recurring.StatusStopped, sub.Status)
}

// =============================================================================
// DECISIONS
// =============================================================================

func TestNewDecision_Cancel_ClaimsTypicalAmount(t *testing.T) {
	sub := monthlySub(date(2025, time.June, 1))
	sub.TypicalAmount = decimal.RequireFromString("9.99")

	d, err := recurring.NewDecision(sub, recurring.ActionCancel, decimal.Zero, date(2025, time.June, 10))
	require.NoError(t, err)

	assert.Equal(t, "9.99", d.ClaimedMonthlySavings.StringFixed(2))
	// Exact decimal math: 9.99 * 12 is 119.88, never 119.88000000001.
	assert.Equal(t, "119.88", d.ClaimedAnnualSavings().StringFixed(2))
	assert.False(t, d.Verified())
}

func TestNewDecision_Reduce_ClaimsDifference(t *testing.T) {
	sub := monthlySub(date(2025, time.June, 1))

	d, err := recurring.NewDecision(sub, recurring.ActionReduce,
		decimal.RequireFromString("9.99"), date(2025, time.June, 10))
	require.NoError(t, err)

	assert.Equal(t, "6.00", d.ClaimedMonthlySavings.StringFixed(2))
	assert.Equal(t, "9.99", d.RecommendedAmount.StringFixed(2))
}

func TestNewDecision_Keep_ClaimsNothing(t *testing.T) {
	sub := monthlySub(date(2025, time.June, 1))

	d, err := recurring.NewDecision(sub, recurring.ActionKeep, decimal.Zero, date(2025, time.June, 10))
	require.NoError(t, err)
	assert.True(t, d.ClaimedMonthlySavings.IsZero())
}

func TestNewDecision_UnestablishedAmount_Rejected(t *testing.T) {
	// GIVEN: A subscription with only one observed cycle
	// WHEN: Attempting a cancel decision
	// THEN: Rejected with ErrClaimedSavingsUnavailable; retryable later
	sub := monthlySub(date(2025, time.June, 1))
	sub.MonthsActive = 1

	_, err := recurring.NewDecision(sub, recurring.ActionCancel, decimal.Zero, date(2025, time.June, 10))
	require.Error(t, err)
	assert.True(t, errors.Is(err, recurring.ErrClaimedSavingsUnavailable))
	assert.True(t, recurring.IsClientError(err))

	var cse *recurring.ClaimedSavingsError
	require.True(t, errors.As(err, &cse))
	assert.Equal(t, 1, cse.CyclesObserved)

	// keep is always allowed: it claims nothing.
	_, err = recurring.NewDecision(sub, recurring.ActionKeep, decimal.Zero, date(2025, time.June, 10))
	assert.NoError(t, err)
}

func TestNewDecision_InvalidReduceTargets(t *testing.T) {
	sub := monthlySub(date(2025, time.June, 1))

	// Not below the typical amount
	_, err := recurring.NewDecision(sub, recurring.ActionReduce,
		decimal.RequireFromString("15.99"), date(2025, time.June, 10))
	assert.True(t, errors.Is(err, recurring.ErrInvalidDecision))

	// Zero target
	_, err = recurring.NewDecision(sub, recurring.ActionReduce, decimal.Zero, date(2025, time.June, 10))
	assert.True(t, errors.Is(err, recurring.ErrInvalidDecision))
}

func TestNewDecision_UnknownAction(t *testing.T) {
	sub := monthlySub(date(2025, time.June, 1))
	_, err := recurring.NewDecision(sub, "pause", decimal.Zero, date(2025, time.June, 10))
	assert.True(t, errors.Is(err, recurring.ErrInvalidDecision))
}

func TestActiveDecision_LatestPerSubscription(t *testing.T) {
	d1 := &recurring.LifecycleDecision{ID: "d1", SubscriptionID: "s1", Action: recurring.ActionCancel, DecidedAt: date(2025, time.March, 1)}
	d2 := &recurring.LifecycleDecision{ID: "d2", SubscriptionID: "s1", Action: recurring.ActionKeep, DecidedAt: date(2025, time.April, 1)}
	d3 := &recurring.LifecycleDecision{ID: "d3", SubscriptionID: "s2", Action: recurring.ActionReduce, DecidedAt: date(2025, time.March, 15)}

	active := recurring.ActiveDecision([]*recurring.LifecycleDecision{d1, d2, d3})

	require.Len(t, active, 2)
	assert.Equal(t, recurring.DecisionID("d2"), active["s1"].ID, "later decision supersedes")
	assert.Equal(t, recurring.DecisionID("d3"), active["s2"].ID)
}
