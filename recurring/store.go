/*
store.go - Persistence interfaces for the recurring engine

PURPOSE:
  Defines the boundary between the domain logic and the database. Different
  implementations back it with SQLite or in-memory storage.

UNIQUENESS INVARIANTS (enforced by every implementation):
  subscriptions:  UNIQUE(owner_id, merchant_key) - detection correctness
                  does not rely on the database alone, but the storage
                  layer must still enforce it.
  savings_ledger: UNIQUE(owner_id, period) - recomputing a period upserts
                  in place, never accumulates duplicate rows.

WRITE DISCIPLINE:
  - Transactions are read-only input except for the subscription
    back-reference set via AttachSubscription.
  - Decisions are append-only; only their verification fields are ever
    updated afterwards.
  - Subscriptions are upserted by the detector and deleted only through
    an explicit owner request.

ATOMICITY:
  WithTx wraps one owner's detection pass: either every write of the pass
  commits or none do, so a cancelled or failed pass leaves no partial
  state and a retry converges on the same end state.

IMPLEMENTATIONS:
  - recurring/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go:    Production SQLite
*/
package recurring

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE INTERFACES
// =============================================================================

// TransactionStore persists the ingested transaction feed.
type TransactionStore interface {
	// AppendTransactions ingests a batch from the external feed.
	// Re-ingesting a transaction id already present is a no-op, so feed
	// retries are safe.
	AppendTransactions(ctx context.Context, txs []Transaction) error

	// ListTransactions returns one owner's transactions ordered by posted
	// date.
	ListTransactions(ctx context.Context, owner OwnerID) ([]Transaction, error)

	// AttachSubscription sets the subscription back-reference on matched
	// transactions.
	AttachSubscription(ctx context.Context, ids []TransactionID, sub SubscriptionID) error
}

// SubscriptionStore persists subscriptions keyed by (owner, merchant).
type SubscriptionStore interface {
	// UpsertSubscription inserts or replaces by id. Implementations must
	// reject a second subscription for the same (owner_id, merchant_key)
	// with ErrDuplicateSubscription.
	UpsertSubscription(ctx context.Context, sub *Subscription) error

	GetSubscription(ctx context.Context, id SubscriptionID) (*Subscription, error)

	// ListSubscriptions returns one owner's subscriptions, stopped ones
	// included: they are history until the owner removes them.
	ListSubscriptions(ctx context.Context, owner OwnerID) ([]*Subscription, error)

	// DeleteSubscription is the explicit owner-removal path, the only
	// deletion in the engine.
	DeleteSubscription(ctx context.Context, id SubscriptionID) error
}

// DecisionStore persists lifecycle decisions (append-only history).
type DecisionStore interface {
	AppendDecision(ctx context.Context, d *LifecycleDecision) error

	// UpdateDecisionVerification revises only the reconciliation fields.
	UpdateDecisionVerification(ctx context.Context, id DecisionID, verified decimal.Decimal, conflicted bool) error

	ListDecisionsBySubscription(ctx context.Context, sub SubscriptionID) ([]*LifecycleDecision, error)
	ListDecisionsByOwner(ctx context.Context, owner OwnerID) ([]*LifecycleDecision, error)
}

// LedgerStore persists the monthly savings ledger.
type LedgerStore interface {
	// UpsertLedgerEntry overwrites the (owner, period) row in place.
	UpsertLedgerEntry(ctx context.Context, entry SavingsLedgerEntry) error

	ListLedgerEntries(ctx context.Context, owner OwnerID) ([]SavingsLedgerEntry, error)
}

// SuggestionStore persists cached alternative suggestions keyed by
// subscription. Expiry bookkeeping lives in the suggest package.
type SuggestionStore interface {
	PutSuggestion(ctx context.Context, s Suggestion) error

	// GetSuggestion returns nil with no error when nothing is cached.
	GetSuggestion(ctx context.Context, id SubscriptionID) (*Suggestion, error)
}

// Store aggregates everything one detection pass touches.
type Store interface {
	TransactionStore
	SubscriptionStore
	DecisionStore
	LedgerStore
	SuggestionStore
}

// TxStore adds the transactional boundary for a detection pass.
type TxStore interface {
	Store

	// WithTx executes fn atomically. fn returning an error (including
	// context cancellation) rolls everything back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
