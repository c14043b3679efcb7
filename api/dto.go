/*
dto.go - Request/response data structures for the HTTP API

PURPOSE:
  JSON shapes for the REST API. Domain types stay out of the wire format:
  money is serialized as fixed two-decimal strings, dates as YYYY-MM-DD.

SEE ALSO:
  - handlers.go: Handler implementations that populate these
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/spendwise/recurring-engine/recurring"
)

// =============================================================================
// REQUESTS
// =============================================================================

// IngestRequest is a batch of synced transactions for one owner.
type IngestRequest struct {
	Transactions []TransactionInput `json:"transactions"`
	AsOf         string             `json:"as_of,omitempty"` // YYYY-MM-DD, defaults to today
}

// TransactionInput is one charge from the external feed. Amounts are
// decimal strings; a positive amount is a charge.
type TransactionInput struct {
	ID           string `json:"id"`
	AccountID    string `json:"account_id"`
	MerchantKey  string `json:"merchant_key"`
	MerchantName string `json:"merchant_name"`
	Category     string `json:"category"`
	Amount       string `json:"amount"`
	PostedAt     string `json:"posted_at"`
}

// DecisionRequest records a keep/reduce/cancel decision.
type DecisionRequest struct {
	Action            string `json:"action"`
	RecommendedAmount string `json:"recommended_amount,omitempty"` // reduce only
	DecidedAt         string `json:"decided_at,omitempty"`         // defaults to today
}

// =============================================================================
// RESPONSES
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type SubscriptionDTO struct {
	ID               string `json:"id"`
	OwnerID          string `json:"owner_id"`
	MerchantKey      string `json:"merchant_key"`
	DisplayName      string `json:"display_name"`
	Category         string `json:"category,omitempty"`
	TypicalAmount    string `json:"typical_amount"`
	Frequency        string `json:"frequency"`
	Status           string `json:"status"`
	IsEssential      bool   `json:"is_essential"`
	MonthsActive     int    `json:"months_active"`
	LastChargeDate   string `json:"last_charge_date,omitempty"`
	NextExpectedDate string `json:"next_expected_date,omitempty"`
	AnnualCost       string `json:"annual_cost"`
}

type ChargeDTO struct {
	Date   string `json:"date"`
	Amount string `json:"amount"`
}

// SubscriptionDetailDTO adds the charge history backing the cluster.
type SubscriptionDetailDTO struct {
	SubscriptionDTO
	ChargeHistory []ChargeDTO `json:"charge_history"`
}

type EventDTO struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscription_id"`
	MerchantKey    string `json:"merchant_key"`
	At             string `json:"at"`
}

type RejectionDTO struct {
	MerchantKey string `json:"merchant_key"`
	Reason      string `json:"reason"`
}

// SyncResponse reports what one detection pass produced.
type SyncResponse struct {
	Subscriptions []SubscriptionDTO `json:"subscriptions"`
	Events        []EventDTO        `json:"events"`
	Rejections    []RejectionDTO    `json:"rejections,omitempty"`
}

type DecisionDTO struct {
	ID                     string  `json:"id"`
	SubscriptionID         string  `json:"subscription_id"`
	Action                 string  `json:"action"`
	RecommendedAmount      string  `json:"recommended_amount,omitempty"`
	DecidedAt              string  `json:"decided_at"`
	ClaimedMonthlySavings  string  `json:"claimed_monthly_savings"`
	ClaimedAnnualSavings   string  `json:"claimed_annual_savings"`
	VerifiedMonthlySavings *string `json:"verified_monthly_savings"` // null until reconciled
	Conflicted             bool    `json:"conflicted"`
}

type LedgerEntryDTO struct {
	Period        string `json:"period"`
	ClaimedTotal  string `json:"claimed_total"`
	VerifiedTotal string `json:"verified_total"`
}

// SavingsDTO is the owner-level savings view: projection plus the monthly
// ledger.
type SavingsDTO struct {
	ProjectedMonthly    string           `json:"projected_monthly"`
	ProjectedAnnual     string           `json:"projected_annual"`
	VerifiedMonthly     string           `json:"verified_monthly"`
	TotalDecisions      int              `json:"total_decisions"`
	PendingVerification int              `json:"pending_verification"`
	Ledger              []LedgerEntryDTO `json:"ledger"`
}

type SuggestionDTO struct {
	SubscriptionID string                       `json:"subscription_id"`
	Options        []recurring.SuggestionOption `json:"options"`
	GeneratedAt    string                       `json:"generated_at"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toSubscriptionDTO(s *recurring.Subscription) SubscriptionDTO {
	dto := SubscriptionDTO{
		ID:            string(s.ID),
		OwnerID:       string(s.OwnerID),
		MerchantKey:   string(s.MerchantKey),
		DisplayName:   s.DisplayName,
		Category:      s.Category,
		TypicalAmount: s.TypicalAmount.StringFixed(2),
		Frequency:     string(s.Frequency),
		Status:        string(s.Status),
		IsEssential:   s.IsEssential,
		MonthsActive:  s.MonthsActive,
		AnnualCost:    s.AnnualCost().StringFixed(2),
	}
	if !s.LastChargeDate.IsZero() {
		dto.LastChargeDate = s.LastChargeDate.String()
		dto.NextExpectedDate = s.NextExpectedDate().String()
	}
	return dto
}

func toSubscriptionDetailDTO(s *recurring.Subscription) SubscriptionDetailDTO {
	history := make([]ChargeDTO, len(s.ChargeHistory))
	for i, c := range s.ChargeHistory {
		history[i] = ChargeDTO{Date: c.Date.String(), Amount: c.Amount.StringFixed(2)}
	}
	return SubscriptionDetailDTO{
		SubscriptionDTO: toSubscriptionDTO(s),
		ChargeHistory:   history,
	}
}

func toDecisionDTO(d *recurring.LifecycleDecision) DecisionDTO {
	dto := DecisionDTO{
		ID:                    string(d.ID),
		SubscriptionID:        string(d.SubscriptionID),
		Action:                string(d.Action),
		DecidedAt:             d.DecidedAt.String(),
		ClaimedMonthlySavings: d.ClaimedMonthlySavings.StringFixed(2),
		ClaimedAnnualSavings:  d.ClaimedAnnualSavings().StringFixed(2),
		Conflicted:            d.Conflicted,
	}
	if d.Action == recurring.ActionReduce {
		dto.RecommendedAmount = d.RecommendedAmount.StringFixed(2)
	}
	if d.VerifiedMonthlySavings != nil {
		v := d.VerifiedMonthlySavings.StringFixed(2)
		dto.VerifiedMonthlySavings = &v
	}
	return dto
}

func (in TransactionInput) toDomain(owner recurring.OwnerID) (recurring.Transaction, error) {
	amount, err := decimal.NewFromString(in.Amount)
	if err != nil {
		return recurring.Transaction{}, err
	}
	postedAt, err := recurring.ParseDate(in.PostedAt)
	if err != nil {
		return recurring.Transaction{}, err
	}
	return recurring.Transaction{
		ID:           recurring.TransactionID(in.ID),
		OwnerID:      owner,
		AccountID:    in.AccountID,
		MerchantKey:  recurring.MerchantKey(in.MerchantKey),
		MerchantName: in.MerchantName,
		Category:     in.Category,
		Amount:       amount,
		PostedAt:     postedAt,
	}, nil
}
