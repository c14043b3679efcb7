/*
lifecycle.go - Subscription status transitions and user decisions

PURPOSE:
  Maintains each subscription's status and processes keep/reduce/cancel
  decisions.

STATUS MODEL:
  active -> stopped, driven purely by elapsed time since the last charge
  against the 2x-cycle-length thresholds in frequency.go. Evaluation runs
  when an owner's transaction set is re-scanned, never on a wall-clock
  timer: an owner who never syncs never goes spuriously stale.

  The intermediate stale determination (past the latest tolerated
  next-charge date, one cycle before stopped) is not persisted as the
  reported status; it fires the possibly-stopped notification event while
  the stored status remains active. Reporting therefore only ever shows
  active or stopped.

  A stopped subscription that receives a new matching charge transitions
  back to active (detector.go); that is resubscription, not an error.

DECISIONS:
  keep leaves everything untouched and records acknowledgment. cancel and
  reduce never change status - status reflects observed billing reality,
  not intent. They compute claimed monthly savings immediately; verified
  savings are filled in later by the savings projector.

SEE ALSO:
  - savings.go: Verification of claimed savings
*/
package recurring

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS EVALUATION
// =============================================================================

// EvaluateStatus returns the status implied by elapsed time since the last
// charge, plus any notification event the transition produces. It mutates
// the subscription's Status in place.
//
// Essential bills never flip to stopped automatically: their billing gaps
// are irregular (insurance, utilities) and silence is weak evidence.
func EvaluateStatus(sub *Subscription, asOf Date) []Event {
	if sub.LastChargeDate.IsZero() || sub.IsEssential {
		return nil
	}

	days := DaysBetween(sub.LastChargeDate, asOf)
	var events []Event

	switch {
	case days >= sub.Frequency.StoppedAfterDays():
		if sub.Status != StatusStopped {
			sub.Status = StatusStopped
			events = append(events, Event{
				Type: EventStopped, SubscriptionID: sub.ID,
				OwnerID: sub.OwnerID, MerchantKey: sub.MerchantKey, At: asOf,
			})
		}
	case days > sub.Frequency.StaleAfterDays():
		// Stale band: one cycle before stopped. Status stays active for
		// reporting; the event lets downstream warn the user early.
		if sub.Status == StatusActive {
			events = append(events, Event{
				Type: EventPossiblyStopped, SubscriptionID: sub.ID,
				OwnerID: sub.OwnerID, MerchantKey: sub.MerchantKey, At: asOf,
			})
		}
	default:
		if sub.Status == StatusStopped {
			// Fresh charge inside the window: resumed billing.
			sub.Status = StatusActive
			events = append(events, Event{
				Type: EventReactivated, SubscriptionID: sub.ID,
				OwnerID: sub.OwnerID, MerchantKey: sub.MerchantKey, At: asOf,
			})
		}
	}

	return events
}

// =============================================================================
// DECISIONS
// =============================================================================

// NewDecision validates and builds a lifecycle decision against a
// subscription. Claimed monthly savings are computed immediately:
//
//	cancel:  typical amount
//	reduce:  typical amount - recommended amount
//	keep:    zero (acknowledgment only)
//
// Returns ErrClaimedSavingsUnavailable (wrapped) when the subscription has
// not established a typical amount yet; the caller should retry once at
// least two cycles are confirmed.
func NewDecision(sub *Subscription, action DecisionAction, recommended decimal.Decimal, decidedAt Date) (*LifecycleDecision, error) {
	switch action {
	case ActionKeep, ActionReduce, ActionCancel:
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidDecision, action)
	}

	if action != ActionKeep && !sub.HasEstablishedAmount() {
		return nil, &ClaimedSavingsError{
			SubscriptionID: sub.ID,
			CyclesObserved: sub.MonthsActive,
		}
	}

	claimed := decimal.Zero
	switch action {
	case ActionCancel:
		claimed = sub.TypicalAmount
		recommended = decimal.Zero
	case ActionReduce:
		if !recommended.IsPositive() {
			return nil, fmt.Errorf("%w: reduce requires a positive recommended amount", ErrInvalidDecision)
		}
		if recommended.GreaterThanOrEqual(sub.TypicalAmount) {
			return nil, fmt.Errorf("%w: recommended amount %s is not below typical amount %s",
				ErrInvalidDecision, recommended.StringFixed(2), sub.TypicalAmount.StringFixed(2))
		}
		claimed = sub.TypicalAmount.Sub(recommended)
	case ActionKeep:
		recommended = decimal.Zero
	}

	return &LifecycleDecision{
		ID:                    DecisionID(uuid.NewString()),
		SubscriptionID:        sub.ID,
		OwnerID:               sub.OwnerID,
		MerchantKey:           sub.MerchantKey,
		Action:                action,
		RecommendedAmount:     recommended,
		DecidedAt:             decidedAt,
		ClaimedMonthlySavings: claimed,
	}, nil
}

// ActiveDecision returns the most recent decision per subscription; only
// that one counts toward savings. History stays append-only.
func ActiveDecision(decisions []*LifecycleDecision) map[SubscriptionID]*LifecycleDecision {
	active := make(map[SubscriptionID]*LifecycleDecision)
	for _, d := range decisions {
		cur, ok := active[d.SubscriptionID]
		if !ok || d.DecidedAt.AfterOrEqual(cur.DecidedAt) {
			active[d.SubscriptionID] = d
		}
	}
	return active
}
