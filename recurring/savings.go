/*
savings.go - Savings projection and claimed-vs-verified reconciliation

PURPOSE:
  Reconciles the savings a user was told they would get (claimed, computed
  at decision time) against what their subsequent real spending shows
  (verified), and maintains the monthly savings ledger.

VERIFICATION RULES:
  cancel: verified once no matching-merchant charge has appeared for at
          least one full expected cycle after the decision date; verified
          amount is the full claim. A charge appearing instead drops the
          verified amount to zero for that period and flags the decision
          as conflicted - the decision is history, never deleted, and the
          subscription reverts to active through normal detection.
  reduce: verified amount is claimed - max(0, observed - recommended),
          clamped so it never exceeds the claim.
  keep:   nothing to verify.

LEDGER:
  One entry per (owner, period-month). Recomputing a period overwrites the
  entry deterministically - same inputs, same outputs, never duplicate
  rows. Verified totals are only attributed to closed periods.

  Invariant: a closed period's verified total never exceeds the sum of
  claimed contributions whose subscriptions actually went quiet (cancel)
  or billed reduced (reduce) within that period. The per-decision clamp
  above enforces it.
*/
package recurring

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DECISION RECONCILIATION
// =============================================================================

// ReconcileDecision fills in (or revises) a decision's verified monthly
// savings from the merchant's observed charges. It mutates the decision in
// place and reports whether anything changed. Reconciliation is
// deterministic: re-running with the same charges and as-of date converges
// on the same result.
//
// charges must be the merchant's full charge history; only charges after
// the decision date are considered.
func ReconcileDecision(d *LifecycleDecision, freq Frequency, charges []Charge, asOf Date) bool {
	if d.Action == ActionKeep {
		return false
	}

	var observed []Charge
	for _, c := range charges {
		if c.Date.After(d.DecidedAt) && c.Date.BeforeOrEqual(asOf) {
			observed = append(observed, c)
		}
	}
	sort.Slice(observed, func(i, j int) bool { return observed[i].Date.Before(observed[j].Date) })

	cycleEnd := freq.NextCycle(d.DecidedAt)

	var verified decimal.Decimal
	conflicted := false
	settled := false

	switch d.Action {
	case ActionCancel:
		switch {
		case len(observed) > 0:
			// The claim is contradicted by a real charge. Defined state,
			// not an error: zero verified, decision retained.
			verified = decimal.Zero
			conflicted = true
			settled = true
		case asOf.AfterOrEqual(cycleEnd):
			verified = d.ClaimedMonthlySavings
			settled = true
		}
	case ActionReduce:
		switch {
		case len(observed) > 0:
			overage := observed[0].Amount.Sub(d.RecommendedAmount)
			if overage.IsNegative() {
				overage = decimal.Zero
			}
			verified = clamp(d.ClaimedMonthlySavings.Sub(overage), decimal.Zero, d.ClaimedMonthlySavings)
			settled = true
		case asOf.AfterOrEqual(cycleEnd):
			// No charge at all after a reduce: saved at least the claim.
			verified = d.ClaimedMonthlySavings
			settled = true
		}
	}

	if !settled {
		// Not enough elapsed time yet; verification stays pending.
		return false
	}

	changed := d.VerifiedMonthlySavings == nil ||
		!d.VerifiedMonthlySavings.Equal(verified) ||
		d.Conflicted != conflicted
	d.VerifiedMonthlySavings = &verified
	d.Conflicted = conflicted
	return changed
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// =============================================================================
// MONTHLY LEDGER
// =============================================================================

// BuildLedger recomputes the owner's savings ledger from the earliest
// decision month through the month containing asOf. Only the most recent
// decision per subscription contributes. The returned entries carry
// deterministic ids so stores upsert in place.
func BuildLedger(
	owner OwnerID,
	decisions []*LifecycleDecision,
	chargesByMerchant map[MerchantKey][]Charge,
	asOf Date,
) []SavingsLedgerEntry {
	active := ActiveDecision(decisions)

	var contributing []*LifecycleDecision
	first := Period("")
	for _, d := range active {
		if d.Action == ActionKeep {
			continue
		}
		contributing = append(contributing, d)
		p := PeriodOf(d.DecidedAt)
		if first == "" || p < first {
			first = p
		}
	}
	if len(contributing) == 0 {
		return nil
	}
	sort.Slice(contributing, func(i, j int) bool { return contributing[i].ID < contributing[j].ID })

	var entries []SavingsLedgerEntry
	for p := first; p <= PeriodOf(asOf); p = p.Next() {
		claimed := decimal.Zero
		verified := decimal.Zero
		for _, d := range contributing {
			if PeriodOf(d.DecidedAt) > p {
				continue
			}
			claimed = claimed.Add(d.ClaimedMonthlySavings)
			if p.ClosedBy(asOf) {
				verified = verified.Add(verifiedInPeriod(d, chargesByMerchant[d.MerchantKey], p))
			}
		}
		entries = append(entries, SavingsLedgerEntry{
			ID:            NewLedgerEntryID(owner, p),
			OwnerID:       owner,
			Period:        p,
			ClaimedTotal:  claimed,
			VerifiedTotal: verified,
		})
	}
	return entries
}

// verifiedInPeriod computes one decision's verified contribution to one
// closed period from the charges actually observed inside it.
func verifiedInPeriod(d *LifecycleDecision, charges []Charge, p Period) decimal.Decimal {
	var inPeriod []Charge
	for _, c := range charges {
		if p.Contains(c.Date) && c.Date.After(d.DecidedAt) {
			inPeriod = append(inPeriod, c)
		}
	}
	sort.Slice(inPeriod, func(i, j int) bool { return inPeriod[i].Date.Before(inPeriod[j].Date) })

	switch d.Action {
	case ActionCancel:
		if len(inPeriod) > 0 {
			return decimal.Zero
		}
		return d.ClaimedMonthlySavings
	case ActionReduce:
		if len(inPeriod) == 0 {
			return d.ClaimedMonthlySavings
		}
		overage := inPeriod[0].Amount.Sub(d.RecommendedAmount)
		if overage.IsNegative() {
			overage = decimal.Zero
		}
		return clamp(d.ClaimedMonthlySavings.Sub(overage), decimal.Zero, d.ClaimedMonthlySavings)
	default:
		return decimal.Zero
	}
}

// =============================================================================
// PROJECTED SUMMARY
// =============================================================================

// SavingsSummary is the owner-level projection served by the read API.
type SavingsSummary struct {
	ProjectedMonthly    decimal.Decimal
	ProjectedAnnual     decimal.Decimal
	VerifiedMonthly     decimal.Decimal
	TotalDecisions      int
	PendingVerification int
}

// Summarize aggregates the active decisions into a projection. Annual
// figures multiply the exact monthly total by 12; the monthly figure is
// never rounded first.
func Summarize(decisions []*LifecycleDecision) SavingsSummary {
	var s SavingsSummary
	for _, d := range ActiveDecision(decisions) {
		s.TotalDecisions++
		if d.Action == ActionKeep {
			continue
		}
		s.ProjectedMonthly = s.ProjectedMonthly.Add(d.ClaimedMonthlySavings)
		if d.Verified() {
			s.VerifiedMonthly = s.VerifiedMonthly.Add(*d.VerifiedMonthlySavings)
		} else {
			s.PendingVerification++
		}
	}
	s.ProjectedAnnual = s.ProjectedMonthly.Mul(decimal.NewFromInt(12))
	return s
}
