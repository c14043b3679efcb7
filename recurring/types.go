/*
Package recurring provides the core recurring-charge detection engine.

PURPOSE:
  This package contains the domain types and algorithms for discovering
  recurring billing patterns (subscriptions) in a user's transaction
  history, classifying their billing frequency, tracking whether they are
  still billing, and projecting the savings implied by user decisions to
  keep, reduce, or cancel them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: An already-categorized, already-normalized charge from the
    external ledger. Read-only to this engine.
  - Subscription: One recurring billing pattern per (owner, merchant key).
  - LifecycleDecision: A user's keep/reduce/cancel response, with claimed
    and verified savings.
  - SavingsLedgerEntry: Monthly claimed vs. verified savings totals.
  - Suggestion: Externally generated substitute-service suggestions.

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal for money to avoid floating-point
     errors (a $9.99 monthly cancel must annualize to exactly $119.88).
  2. Idempotency: Subscription identity is derived from
     (owner_id, merchant_key), so re-running detection never duplicates.
  3. Explicit time: Every evaluation takes an injected as-of date. Nothing
     in this package calls time.Now for domain math.
  4. Data-driven status: A subscription is stopped because its charges
     stopped, never because a wall clock ticked.

SEE ALSO:
  - detector.go:  Pattern detection over a transaction history
  - frequency.go: Billing frequency classification
  - lifecycle.go: Status transitions and user decisions
  - savings.go:   Claimed vs. verified savings reconciliation
*/
package recurring

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OwnerID string
type MerchantKey string
type TransactionID string
type SubscriptionID string
type DecisionID string

// NewSubscriptionID derives the stable identity of a subscription from its
// cluster key. Re-running detection over the same history yields the same id.
func NewSubscriptionID(owner OwnerID, merchant MerchantKey) SubscriptionID {
	return SubscriptionID(fmt.Sprintf("sub-%s-%s", owner, slug(string(merchant))))
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// =============================================================================
// TRANSACTION - Input record from the external ledger (read-only)
// =============================================================================

// Transaction is one posted charge from the external transaction feed.
// The merchant key and category are supplied by external collaborators;
// this engine treats both as opaque. Amount is signed, charge = positive.
//
// The engine never mutates a transaction except to attach SubscriptionID,
// a non-owning back-reference set once the charge is matched to a cluster.
type Transaction struct {
	ID           TransactionID
	OwnerID      OwnerID
	AccountID    string
	MerchantKey  MerchantKey
	MerchantName string // raw display name as it appeared on the statement
	Category     string // supplied by the external categorizer
	Amount       decimal.Decimal
	PostedAt     Date

	SubscriptionID SubscriptionID // back-reference, empty until matched
}

// IsCharge reports whether the transaction is a positive charge.
// Refunds and credits never contribute to cluster evidence.
func (t Transaction) IsCharge() bool { return t.Amount.IsPositive() }

// =============================================================================
// SUBSCRIPTION - One recurring billing pattern per (owner, merchant key)
// =============================================================================

type Status string

const (
	StatusActive  Status = "active"
	StatusStale   Status = "stale" // internal: past the tolerated window, not yet stopped
	StatusStopped Status = "stopped"
)

// Charge is one dated amount backing a subscription's cluster.
type Charge struct {
	Date   Date            `json:"date"`
	Amount decimal.Decimal `json:"amount"`
}

// Subscription is owned by this engine. There is at most one per
// (OwnerID, MerchantKey); detection extends it in place rather than
// spawning a second cluster.
type Subscription struct {
	ID            SubscriptionID
	OwnerID       OwnerID
	MerchantKey   MerchantKey
	DisplayName   string
	Category      string
	TypicalAmount decimal.Decimal // rolling estimate over recent cycles
	Frequency     Frequency
	Status        Status
	IsEssential   bool
	MonthsActive  int // count of observed cycles (charges in the cluster)
	LastChargeDate Date
	ChargeHistory []Charge

	CreatedAt Date
	UpdatedAt Date
}

// NextExpectedDate is always derived from the last charge and the billing
// cycle. It is never stored or set independently.
func (s *Subscription) NextExpectedDate() Date {
	return s.Frequency.NextCycle(s.LastChargeDate)
}

// AnnualCost is the typical amount annualized by billing frequency.
func (s *Subscription) AnnualCost() decimal.Decimal {
	return s.TypicalAmount.Mul(decimal.NewFromInt(int64(s.Frequency.CyclesPerYear())))
}

// HasEstablishedAmount reports whether enough cycles have been observed for
// the typical amount to back a savings claim. A single ambiguous charge is
// not enough.
func (s *Subscription) HasEstablishedAmount() bool {
	return s.MonthsActive >= 2 && s.TypicalAmount.IsPositive()
}

// =============================================================================
// LIFECYCLE DECISION - User's keep/reduce/cancel response
// =============================================================================

type DecisionAction string

const (
	ActionKeep   DecisionAction = "keep"
	ActionReduce DecisionAction = "reduce"
	ActionCancel DecisionAction = "cancel"
)

// LifecycleDecision records a user decision against a subscription.
// History is append-only; the most recent decision is the active one.
//
// ClaimedMonthlySavings is computed at decision time from the typical
// amount. VerifiedMonthlySavings stays nil until the savings projector has
// observed at least one subsequent billing cycle.
type LifecycleDecision struct {
	ID                DecisionID
	SubscriptionID    SubscriptionID
	OwnerID           OwnerID
	MerchantKey       MerchantKey
	Action            DecisionAction
	RecommendedAmount decimal.Decimal // target amount for reduce, zero otherwise
	DecidedAt         Date

	ClaimedMonthlySavings  decimal.Decimal
	VerifiedMonthlySavings *decimal.Decimal // nil until reconciled

	// Conflicted marks a cancel decision contradicted by a later real
	// charge. The decision is retained as history; verified savings are
	// zero for the affected period.
	Conflicted bool
}

// ClaimedAnnualSavings annualizes the monthly claim without rounding the
// monthly figure first.
func (d *LifecycleDecision) ClaimedAnnualSavings() decimal.Decimal {
	return d.ClaimedMonthlySavings.Mul(decimal.NewFromInt(12))
}

// Verified reports whether reconciliation has run for this decision.
func (d *LifecycleDecision) Verified() bool { return d.VerifiedMonthlySavings != nil }

// =============================================================================
// SAVINGS LEDGER - Monthly claimed vs. verified totals per owner
// =============================================================================

// SavingsLedgerEntry holds one owner-month of savings totals. Entries are
// keyed by (OwnerID, Period); recomputing a period overwrites that period's
// entry deterministically rather than accumulating rows.
type SavingsLedgerEntry struct {
	ID            string
	OwnerID       OwnerID
	Period        Period
	ClaimedTotal  decimal.Decimal
	VerifiedTotal decimal.Decimal
}

// NewLedgerEntryID derives the stable identity of a ledger row so that
// recomputation upserts in place.
func NewLedgerEntryID(owner OwnerID, period Period) string {
	return fmt.Sprintf("ledger-%s-%s", owner, period)
}

// =============================================================================
// EVENTS - Emitted by a detection pass for downstream consumers
// =============================================================================

type EventType string

const (
	EventDetected        EventType = "subscription_detected"
	EventPlanChanged     EventType = "plan_changed"
	EventPossiblyStopped EventType = "possibly_stopped" // stale: one cycle before stopped
	EventStopped         EventType = "stopped"
	EventReactivated     EventType = "reactivated"
)

type Event struct {
	Type           EventType
	SubscriptionID SubscriptionID
	OwnerID        OwnerID
	MerchantKey    MerchantKey
	At             Date
}

// =============================================================================
// SUGGESTION - Externally generated substitute-service suggestions
// =============================================================================

// SuggestionOption is one substitute service proposed by the external AI
// collaborator. The fields mirror what the collaborator returns; this
// engine only stores them.
type SuggestionOption struct {
	Name    string `json:"name"`
	Price   string `json:"price"`
	Savings string `json:"savings"`
	URL     string `json:"url,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// Suggestion is the cached result of one collaborator call, keyed by
// subscription. Expiry bookkeeping lives in the suggest package.
type Suggestion struct {
	SubscriptionID SubscriptionID
	Text           string
	Options        []SuggestionOption
	GeneratedAt    Date
}
