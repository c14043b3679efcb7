/*
detector.go - Recurring-charge pattern detection

PURPOSE:
  Given one owner's full, time-ordered transaction history, find merchant
  clusters that look recurring and produce the desired subscription state.
  The detector is pure: it reads transactions and the owner's existing
  subscriptions and returns what should be written. Persistence and the
  transactional boundary belong to the engine package.

DETECTION RULE:
  A cluster is a maximal run of >= 2 charges from one merchant whose
  consecutive date gaps each fall inside a frequency tolerance window
  (frequency.go) and whose amounts stay within tolerance of the cluster's
  rolling typical amount: +/-10% relative, with an absolute floor of $1
  for amounts under $10 so cheap plans survive tax rounding. Known
  essential bills (insurance, utilities, phone) get a relaxed 15%
  tolerance because their amounts genuinely vary.

IDEMPOTENCY:
  Clusters are keyed by (owner_id, merchant_key), never by a fresh
  discovery run. Once a merchant has a subscription, new matching charges
  extend it in place; re-processing the same history twice produces the
  same subscription record with the same id.

PLAN CHANGES:
  A charge diverging from the typical amount does not break the cluster.
  If the divergence persists for two consecutive cycles, the typical
  amount is recalculated from the recent cycles and the old value is
  discarded; no second subscription is created for a price change.

SEE ALSO:
  - frequency.go: Gap classification
  - lifecycle.go: Status evaluation over the detector's output
*/
package recurring

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT TOLERANCE
// =============================================================================

var (
	defaultRelTolerance   = decimal.NewFromFloat(0.10)
	essentialRelTolerance = decimal.NewFromFloat(0.15)
	absToleranceFloor     = decimal.NewFromInt(1)  // $1 for cheap plans
	absToleranceCutoff    = decimal.NewFromInt(10) // applies under $10
)

// amountWithinTolerance reports whether amount is close enough to the
// reference to belong to the same cluster.
func amountWithinTolerance(amount, reference, relTol decimal.Decimal) bool {
	if reference.IsZero() {
		return amount.IsZero()
	}
	allowed := reference.Mul(relTol)
	if reference.LessThan(absToleranceCutoff) && allowed.LessThan(absToleranceFloor) {
		allowed = absToleranceFloor
	}
	return amount.Sub(reference).Abs().LessThanOrEqual(allowed)
}

// =============================================================================
// DETECTOR
// =============================================================================

type Detector struct {
	providers *ProviderDirectory
}

func NewDetector(providers *ProviderDirectory) *Detector {
	if providers == nil {
		providers = DefaultProviders()
	}
	return &Detector{providers: providers}
}

// Rejection records a merchant group that did not qualify, kept for
// observability only; rejections are silent to the end user.
type Rejection struct {
	MerchantKey MerchantKey
	Reason      error
}

// Detection is the desired end state for one owner's pass.
type Detection struct {
	// Subscriptions holds every created or updated subscription. Existing
	// subscriptions whose merchants produced no qualifying cluster this
	// pass are not included; they age via lifecycle evaluation only.
	Subscriptions []*Subscription

	// Attachments maps matched transactions to their subscription
	// back-reference.
	Attachments map[TransactionID]SubscriptionID

	Events     []Event
	Rejections []Rejection
}

// Run detects recurring patterns across one owner's transaction set.
// Transactions may arrive in any order; refunds and credits are ignored.
func (d *Detector) Run(owner OwnerID, txs []Transaction, existing []*Subscription, asOf Date) Detection {
	result := Detection{Attachments: make(map[TransactionID]SubscriptionID)}

	byMerchant := make(map[MerchantKey][]Transaction)
	for _, tx := range txs {
		if tx.OwnerID != owner || !tx.IsCharge() || tx.MerchantKey == "" {
			continue
		}
		byMerchant[tx.MerchantKey] = append(byMerchant[tx.MerchantKey], tx)
	}

	existingByMerchant := make(map[MerchantKey]*Subscription, len(existing))
	for _, sub := range existing {
		existingByMerchant[sub.MerchantKey] = sub
	}

	// Deterministic merchant order keeps re-runs byte-for-byte identical.
	merchants := make([]MerchantKey, 0, len(byMerchant))
	for m := range byMerchant {
		merchants = append(merchants, m)
	}
	sort.Slice(merchants, func(i, j int) bool { return merchants[i] < merchants[j] })

	for _, merchant := range merchants {
		charges := byMerchant[merchant]
		sort.Slice(charges, func(i, j int) bool {
			if !charges[i].PostedAt.Equal(charges[j].PostedAt) {
				return charges[i].PostedAt.Before(charges[j].PostedAt)
			}
			return charges[i].ID < charges[j].ID
		})

		provider := d.providers.Match(merchant)
		relTol := defaultRelTolerance
		if provider != nil && provider.Essential {
			relTol = essentialRelTolerance
		}

		run := buildCluster(charges, relTol)
		if run == nil || len(run.charges) < 2 {
			if len(charges) >= 2 {
				result.Rejections = append(result.Rejections, Rejection{
					MerchantKey: merchant,
					Reason:      ErrInsufficientEvidence,
				})
			}
			continue
		}

		freq, err := ClassifyGaps(run.gaps())
		if err != nil {
			if amb, ok := err.(*AmbiguousFrequencyError); ok {
				amb.MerchantKey = merchant
			}
			result.Rejections = append(result.Rejections, Rejection{
				MerchantKey: merchant,
				Reason:      err,
			})
			continue
		}

		sub, events := d.upsert(owner, merchant, provider, run, freq, existingByMerchant[merchant], asOf)
		result.Subscriptions = append(result.Subscriptions, sub)
		result.Events = append(result.Events, events...)
		for _, c := range run.charges {
			result.Attachments[c.ID] = sub.ID
		}
	}

	return result
}

// upsert merges a qualifying cluster into the owner's subscription for the
// merchant, creating it on the first qualifying cluster.
func (d *Detector) upsert(
	owner OwnerID,
	merchant MerchantKey,
	provider *Provider,
	run *cluster,
	freq Frequency,
	existing *Subscription,
	asOf Date,
) (*Subscription, []Event) {
	last := run.charges[len(run.charges)-1]

	displayName := last.MerchantName
	category := last.Category
	essential := false
	if provider != nil {
		displayName = provider.Name
		if provider.Category != "" {
			category = provider.Category
		}
		essential = provider.Essential
	}
	if displayName == "" {
		displayName = string(merchant)
	}
	if category == "" {
		category = "Subscriptions"
	}

	history := make([]Charge, len(run.charges))
	for i, c := range run.charges {
		history[i] = Charge{Date: c.PostedAt, Amount: c.Amount}
	}

	var events []Event
	sub := existing
	if sub == nil {
		sub = &Subscription{
			ID:          NewSubscriptionID(owner, merchant),
			OwnerID:     owner,
			MerchantKey: merchant,
			IsEssential: essential,
			Status:      StatusActive,
			CreatedAt:   asOf,
		}
		events = append(events, Event{
			Type: EventDetected, SubscriptionID: sub.ID,
			OwnerID: owner, MerchantKey: merchant, At: asOf,
		})
	} else {
		if sub.Status == StatusStopped && last.PostedAt.After(sub.LastChargeDate) {
			// Resubscription, not an error: resume normal tracking.
			sub.Status = StatusActive
			events = append(events, Event{
				Type: EventReactivated, SubscriptionID: sub.ID,
				OwnerID: owner, MerchantKey: merchant, At: asOf,
			})
		}
		if run.planChanged && !sub.TypicalAmount.Equal(run.typical) {
			events = append(events, Event{
				Type: EventPlanChanged, SubscriptionID: sub.ID,
				OwnerID: owner, MerchantKey: merchant, At: asOf,
			})
		}
	}

	sub.DisplayName = displayName
	sub.Category = category
	sub.TypicalAmount = run.typical
	sub.Frequency = freq
	sub.MonthsActive = len(run.charges)
	sub.LastChargeDate = last.PostedAt
	sub.ChargeHistory = history
	sub.UpdatedAt = asOf

	return sub, events
}

// =============================================================================
// CLUSTER BUILDING
// =============================================================================

type cluster struct {
	charges     []Transaction
	typical     decimal.Decimal
	planChanged bool
}

// gaps returns the consecutive day gaps between the cluster's charges.
func (c *cluster) gaps() []int {
	out := make([]int, 0, len(c.charges)-1)
	for i := 1; i < len(c.charges); i++ {
		out = append(out, DaysBetween(c.charges[i-1].PostedAt, c.charges[i].PostedAt))
	}
	return out
}

// buildCluster walks a merchant's charges chronologically and returns the
// qualifying run ending at the most recent matching charge, or nil when no
// run reaches two charges.
func buildCluster(charges []Transaction, relTol decimal.Decimal) *cluster {
	var best, current *cluster
	var pending []Transaction
	var prevAt Date

	flush := func() {
		if current != nil && len(current.charges) >= 2 {
			if best == nil || len(current.charges) >= len(best.charges) {
				best = current
			}
		}
		current = nil
		pending = nil
	}

	for _, tx := range charges {
		if current == nil {
			current = &cluster{charges: []Transaction{tx}, typical: tx.Amount}
			prevAt = tx.PostedAt
			continue
		}

		gap := DaysBetween(prevAt, tx.PostedAt)
		if _, ok := ClassifyGap(gap); !ok {
			flush()
			current = &cluster{charges: []Transaction{tx}, typical: tx.Amount}
			prevAt = tx.PostedAt
			continue
		}
		prevAt = tx.PostedAt

		if amountWithinTolerance(tx.Amount, current.typical, relTol) {
			current.charges = append(current.charges, tx)
			current.typical = typicalOf(current.charges)
			pending = nil
			continue
		}

		// Divergent amount: candidate plan change. Two consecutive
		// mutually-consistent divergent cycles re-baseline the typical
		// amount; a lone outlier is held back and never extends the run.
		pending = append(pending, tx)
		if len(pending) >= 2 {
			prev := pending[len(pending)-2]
			if amountWithinTolerance(tx.Amount, prev.Amount, relTol) {
				current.charges = append(current.charges, pending...)
				current.typical = typicalOf(pending)
				current.planChanged = true
				pending = nil
			}
		}
	}
	flush()

	return best
}

// typicalOf computes the rolling typical amount: the mode of the most
// recent charges (up to six), most recent winning ties. Mirrors how real
// statements behave, where one retried or prorated charge must not drag
// the estimate.
func typicalOf(charges []Transaction) decimal.Decimal {
	window := charges
	if len(window) > 6 {
		window = window[len(window)-6:]
	}

	counts := make(map[string]int)
	lastSeen := make(map[string]int)
	for i, c := range window {
		key := c.Amount.StringFixed(2)
		counts[key]++
		lastSeen[key] = i
	}

	bestKey := ""
	for key := range counts {
		if bestKey == "" ||
			counts[key] > counts[bestKey] ||
			(counts[key] == counts[bestKey] && lastSeen[key] > lastSeen[bestKey]) {
			bestKey = key
		}
	}

	mode, err := decimal.NewFromString(bestKey)
	if err != nil {
		return window[len(window)-1].Amount
	}
	return mode
}
