/*
errors.go - Centralized error types for the recurring engine

PURPOSE:
  All error kinds in one place. Detection-internal rejections
  (insufficient evidence, ambiguous frequency) are recoverable and never
  surfaced to the end user; they simply mean "not yet a subscription".
  Decision-time errors are returned synchronously to the caller.

ERROR CATEGORIES:
  1. Detection rejections - recoverable, logged for observability only
  2. Decision errors      - surfaced to the caller, retryable with more data
  3. Store errors         - persistence-level failures

NOTE:
  A cancel decision contradicted by a later real charge is NOT an error.
  It is a defined state: the decision persists with verified savings of
  zero and its Conflicted flag set. See savings.go.

USAGE:
  if errors.Is(err, recurring.ErrClaimedSavingsUnavailable) {
      // caller should retry once more cycles have been observed
  }
*/
package recurring

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientEvidence is returned when a merchant cluster has fewer
	// than 2 matching charges. Detection defers; no subscription is created.
	ErrInsufficientEvidence = errors.New("insufficient evidence: fewer than 2 matching charges")

	// ErrAmbiguousFrequency is returned when a cluster's median gap falls
	// outside every tolerance window. The cluster is rejected, not failed.
	ErrAmbiguousFrequency = errors.New("ambiguous frequency: median gap outside all tolerance windows")

	// ErrClaimedSavingsUnavailable is returned when a decision is attempted
	// before the typical amount is established (fewer than 2 confirmed
	// cycles). Recoverable: retry once more data exists.
	ErrClaimedSavingsUnavailable = errors.New("claimed savings unavailable: typical amount not yet established")

	// ErrInvalidDecision is returned for malformed decisions, e.g. a reduce
	// without a recommended amount below the typical amount.
	ErrInvalidDecision = errors.New("invalid decision")

	// ErrSubscriptionNotFound is returned when a referenced subscription
	// does not exist.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrOwnerMismatch is returned when a record references a subscription
	// belonging to a different owner.
	ErrOwnerMismatch = errors.New("record belongs to a different owner")

	// ErrDuplicateSubscription is returned by stores when an insert would
	// violate the (owner_id, merchant_key) uniqueness invariant.
	ErrDuplicateSubscription = errors.New("subscription already exists for owner and merchant")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// AmbiguousFrequencyError reports why a cluster was rejected.
type AmbiguousFrequencyError struct {
	MerchantKey   MerchantKey
	MedianGapDays int
}

func (e *AmbiguousFrequencyError) Error() string {
	return fmt.Sprintf("ambiguous frequency for %q: median gap %d days fits no tolerance window",
		e.MerchantKey, e.MedianGapDays)
}

func (e *AmbiguousFrequencyError) Unwrap() error { return ErrAmbiguousFrequency }

// ClaimedSavingsError reports why a decision was rejected at claim time.
type ClaimedSavingsError struct {
	SubscriptionID SubscriptionID
	CyclesObserved int
}

func (e *ClaimedSavingsError) Error() string {
	return fmt.Sprintf("cannot claim savings for %s: only %d cycle(s) observed, need at least 2",
		e.SubscriptionID, e.CyclesObserved)
}

func (e *ClaimedSavingsError) Unwrap() error { return ErrClaimedSavingsUnavailable }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRejection reports whether the error is a detection-internal rejection,
// recoverable and silent to the end user.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInsufficientEvidence) ||
		errors.Is(err, ErrAmbiguousFrequency)
}

// IsClientError reports whether the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrClaimedSavingsUnavailable) ||
		errors.Is(err, ErrInvalidDecision)
}

// IsNotFound reports whether the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSubscriptionNotFound)
}
