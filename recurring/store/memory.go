// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/spendwise/recurring-engine/recurring"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type ownerMerchant struct {
	Owner    recurring.OwnerID
	Merchant recurring.MerchantKey
}

type ownerPeriod struct {
	Owner  recurring.OwnerID
	Period recurring.Period
}

type Memory struct {
	mu sync.RWMutex

	transactions map[recurring.OwnerID][]recurring.Transaction
	seenTx       map[recurring.TransactionID]bool

	subscriptions map[recurring.SubscriptionID]*recurring.Subscription
	byMerchant    map[ownerMerchant]recurring.SubscriptionID

	decisions map[recurring.DecisionID]*recurring.LifecycleDecision

	ledger map[ownerPeriod]recurring.SavingsLedgerEntry

	suggestions map[recurring.SubscriptionID]recurring.Suggestion
}

var _ recurring.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		transactions:  make(map[recurring.OwnerID][]recurring.Transaction),
		seenTx:        make(map[recurring.TransactionID]bool),
		subscriptions: make(map[recurring.SubscriptionID]*recurring.Subscription),
		byMerchant:    make(map[ownerMerchant]recurring.SubscriptionID),
		decisions:     make(map[recurring.DecisionID]*recurring.LifecycleDecision),
		ledger:        make(map[ownerPeriod]recurring.SavingsLedgerEntry),
		suggestions:   make(map[recurring.SubscriptionID]recurring.Suggestion),
	}
}

// -----------------------------------------------------------------------------
// TransactionStore
// -----------------------------------------------------------------------------

func (m *Memory) AppendTransactions(_ context.Context, txs []recurring.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendTransactionsLocked(txs)
	return nil
}

func (m *Memory) appendTransactionsLocked(txs []recurring.Transaction) {
	touched := make(map[recurring.OwnerID]bool)
	for _, tx := range txs {
		if m.seenTx[tx.ID] {
			continue // feed retries are no-ops
		}
		m.seenTx[tx.ID] = true
		m.transactions[tx.OwnerID] = append(m.transactions[tx.OwnerID], tx)
		touched[tx.OwnerID] = true
	}
	for owner := range touched {
		list := m.transactions[owner]
		sort.Slice(list, func(i, j int) bool {
			if !list[i].PostedAt.Equal(list[j].PostedAt) {
				return list[i].PostedAt.Before(list[j].PostedAt)
			}
			return list[i].ID < list[j].ID
		})
	}
}

func (m *Memory) ListTransactions(_ context.Context, owner recurring.OwnerID) ([]recurring.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]recurring.Transaction(nil), m.transactions[owner]...), nil
}

func (m *Memory) AttachSubscription(_ context.Context, ids []recurring.TransactionID, sub recurring.SubscriptionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attachLocked(ids, sub)
}

func (m *Memory) attachLocked(ids []recurring.TransactionID, sub recurring.SubscriptionID) error {
	want := make(map[recurring.TransactionID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for owner, list := range m.transactions {
		for i := range list {
			if want[list[i].ID] {
				list[i].SubscriptionID = sub
			}
		}
		m.transactions[owner] = list
	}
	return nil
}

// -----------------------------------------------------------------------------
// SubscriptionStore
// -----------------------------------------------------------------------------

func (m *Memory) UpsertSubscription(_ context.Context, sub *recurring.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertSubscriptionLocked(sub)
}

func (m *Memory) upsertSubscriptionLocked(sub *recurring.Subscription) error {
	key := ownerMerchant{Owner: sub.OwnerID, Merchant: sub.MerchantKey}
	if existing, ok := m.byMerchant[key]; ok && existing != sub.ID {
		return recurring.ErrDuplicateSubscription
	}
	m.subscriptions[sub.ID] = copySubscription(sub)
	m.byMerchant[key] = sub.ID
	return nil
}

func (m *Memory) GetSubscription(_ context.Context, id recurring.SubscriptionID) (*recurring.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, recurring.ErrSubscriptionNotFound
	}
	return copySubscription(sub), nil
}

func (m *Memory) ListSubscriptions(_ context.Context, owner recurring.OwnerID) ([]*recurring.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*recurring.Subscription
	for _, sub := range m.subscriptions {
		if sub.OwnerID == owner {
			out = append(out, copySubscription(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteSubscription(_ context.Context, id recurring.SubscriptionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[id]
	if !ok {
		return recurring.ErrSubscriptionNotFound
	}
	delete(m.subscriptions, id)
	delete(m.byMerchant, ownerMerchant{Owner: sub.OwnerID, Merchant: sub.MerchantKey})
	delete(m.suggestions, id)
	return nil
}

// -----------------------------------------------------------------------------
// DecisionStore
// -----------------------------------------------------------------------------

func (m *Memory) AppendDecision(_ context.Context, d *recurring.LifecycleDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[d.ID] = copyDecision(d)
	return nil
}

func (m *Memory) UpdateDecisionVerification(_ context.Context, id recurring.DecisionID, verified decimal.Decimal, conflicted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateVerificationLocked(id, verified, conflicted)
}

func (m *Memory) updateVerificationLocked(id recurring.DecisionID, verified decimal.Decimal, conflicted bool) error {
	d, ok := m.decisions[id]
	if !ok {
		return recurring.ErrSubscriptionNotFound
	}
	v := verified
	d.VerifiedMonthlySavings = &v
	d.Conflicted = conflicted
	return nil
}

func (m *Memory) ListDecisionsBySubscription(_ context.Context, sub recurring.SubscriptionID) ([]*recurring.LifecycleDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*recurring.LifecycleDecision
	for _, d := range m.decisions {
		if d.SubscriptionID == sub {
			out = append(out, copyDecision(d))
		}
	}
	sortDecisions(out)
	return out, nil
}

func (m *Memory) ListDecisionsByOwner(_ context.Context, owner recurring.OwnerID) ([]*recurring.LifecycleDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*recurring.LifecycleDecision
	for _, d := range m.decisions {
		if d.OwnerID == owner {
			out = append(out, copyDecision(d))
		}
	}
	sortDecisions(out)
	return out, nil
}

func sortDecisions(ds []*recurring.LifecycleDecision) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].DecidedAt.Equal(ds[j].DecidedAt) {
			return ds[i].DecidedAt.Before(ds[j].DecidedAt)
		}
		return ds[i].ID < ds[j].ID
	})
}

// -----------------------------------------------------------------------------
// LedgerStore
// -----------------------------------------------------------------------------

func (m *Memory) UpsertLedgerEntry(_ context.Context, entry recurring.SavingsLedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger[ownerPeriod{Owner: entry.OwnerID, Period: entry.Period}] = entry
	return nil
}

func (m *Memory) ListLedgerEntries(_ context.Context, owner recurring.OwnerID) ([]recurring.SavingsLedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []recurring.SavingsLedgerEntry
	for key, entry := range m.ledger {
		if key.Owner == owner {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	return out, nil
}

// -----------------------------------------------------------------------------
// SuggestionStore
// -----------------------------------------------------------------------------

func (m *Memory) PutSuggestion(_ context.Context, s recurring.Suggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suggestions[s.SubscriptionID] = s
	return nil
}

func (m *Memory) GetSuggestion(_ context.Context, id recurring.SubscriptionID) (*recurring.Suggestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.suggestions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// =============================================================================
// TRANSACTIONAL SUPPORT
// =============================================================================

// WithTx executes fn against a view of the store, simulated with a
// snapshot + rollback on error. Matches the all-or-nothing contract of a
// detection pass.
func (m *Memory) WithTx(ctx context.Context, fn func(recurring.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	view := &memoryTxView{parent: m}

	if err := fn(view); err != nil {
		m.restore(snapshot)
		return err
	}
	if err := ctx.Err(); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	transactions  map[recurring.OwnerID][]recurring.Transaction
	seenTx        map[recurring.TransactionID]bool
	subscriptions map[recurring.SubscriptionID]*recurring.Subscription
	byMerchant    map[ownerMerchant]recurring.SubscriptionID
	decisions     map[recurring.DecisionID]*recurring.LifecycleDecision
	ledger        map[ownerPeriod]recurring.SavingsLedgerEntry
	suggestions   map[recurring.SubscriptionID]recurring.Suggestion
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		transactions:  make(map[recurring.OwnerID][]recurring.Transaction, len(m.transactions)),
		seenTx:        make(map[recurring.TransactionID]bool, len(m.seenTx)),
		subscriptions: make(map[recurring.SubscriptionID]*recurring.Subscription, len(m.subscriptions)),
		byMerchant:    make(map[ownerMerchant]recurring.SubscriptionID, len(m.byMerchant)),
		decisions:     make(map[recurring.DecisionID]*recurring.LifecycleDecision, len(m.decisions)),
		ledger:        make(map[ownerPeriod]recurring.SavingsLedgerEntry, len(m.ledger)),
		suggestions:   make(map[recurring.SubscriptionID]recurring.Suggestion, len(m.suggestions)),
	}
	for k, v := range m.transactions {
		s.transactions[k] = append([]recurring.Transaction(nil), v...)
	}
	for k, v := range m.seenTx {
		s.seenTx[k] = v
	}
	for k, v := range m.subscriptions {
		s.subscriptions[k] = copySubscription(v)
	}
	for k, v := range m.byMerchant {
		s.byMerchant[k] = v
	}
	for k, v := range m.decisions {
		s.decisions[k] = copyDecision(v)
	}
	for k, v := range m.ledger {
		s.ledger[k] = v
	}
	for k, v := range m.suggestions {
		s.suggestions[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.transactions = s.transactions
	m.seenTx = s.seenTx
	m.subscriptions = s.subscriptions
	m.byMerchant = s.byMerchant
	m.decisions = s.decisions
	m.ledger = s.ledger
	m.suggestions = s.suggestions
}

// memoryTxView routes writes through the already-locked parent.
type memoryTxView struct {
	parent *Memory
}

func (v *memoryTxView) AppendTransactions(_ context.Context, txs []recurring.Transaction) error {
	v.parent.appendTransactionsLocked(txs)
	return nil
}

func (v *memoryTxView) ListTransactions(_ context.Context, owner recurring.OwnerID) ([]recurring.Transaction, error) {
	return append([]recurring.Transaction(nil), v.parent.transactions[owner]...), nil
}

func (v *memoryTxView) AttachSubscription(_ context.Context, ids []recurring.TransactionID, sub recurring.SubscriptionID) error {
	return v.parent.attachLocked(ids, sub)
}

func (v *memoryTxView) UpsertSubscription(_ context.Context, sub *recurring.Subscription) error {
	return v.parent.upsertSubscriptionLocked(sub)
}

func (v *memoryTxView) GetSubscription(_ context.Context, id recurring.SubscriptionID) (*recurring.Subscription, error) {
	sub, ok := v.parent.subscriptions[id]
	if !ok {
		return nil, recurring.ErrSubscriptionNotFound
	}
	return copySubscription(sub), nil
}

func (v *memoryTxView) ListSubscriptions(_ context.Context, owner recurring.OwnerID) ([]*recurring.Subscription, error) {
	var out []*recurring.Subscription
	for _, sub := range v.parent.subscriptions {
		if sub.OwnerID == owner {
			out = append(out, copySubscription(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *memoryTxView) DeleteSubscription(_ context.Context, id recurring.SubscriptionID) error {
	sub, ok := v.parent.subscriptions[id]
	if !ok {
		return recurring.ErrSubscriptionNotFound
	}
	delete(v.parent.subscriptions, id)
	delete(v.parent.byMerchant, ownerMerchant{Owner: sub.OwnerID, Merchant: sub.MerchantKey})
	delete(v.parent.suggestions, id)
	return nil
}

func (v *memoryTxView) AppendDecision(_ context.Context, d *recurring.LifecycleDecision) error {
	v.parent.decisions[d.ID] = copyDecision(d)
	return nil
}

func (v *memoryTxView) UpdateDecisionVerification(_ context.Context, id recurring.DecisionID, verified decimal.Decimal, conflicted bool) error {
	return v.parent.updateVerificationLocked(id, verified, conflicted)
}

func (v *memoryTxView) ListDecisionsBySubscription(ctx context.Context, sub recurring.SubscriptionID) ([]*recurring.LifecycleDecision, error) {
	var out []*recurring.LifecycleDecision
	for _, d := range v.parent.decisions {
		if d.SubscriptionID == sub {
			out = append(out, copyDecision(d))
		}
	}
	sortDecisions(out)
	return out, nil
}

func (v *memoryTxView) ListDecisionsByOwner(_ context.Context, owner recurring.OwnerID) ([]*recurring.LifecycleDecision, error) {
	var out []*recurring.LifecycleDecision
	for _, d := range v.parent.decisions {
		if d.OwnerID == owner {
			out = append(out, copyDecision(d))
		}
	}
	sortDecisions(out)
	return out, nil
}

func (v *memoryTxView) UpsertLedgerEntry(_ context.Context, entry recurring.SavingsLedgerEntry) error {
	v.parent.ledger[ownerPeriod{Owner: entry.OwnerID, Period: entry.Period}] = entry
	return nil
}

func (v *memoryTxView) ListLedgerEntries(_ context.Context, owner recurring.OwnerID) ([]recurring.SavingsLedgerEntry, error) {
	var out []recurring.SavingsLedgerEntry
	for key, entry := range v.parent.ledger {
		if key.Owner == owner {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	return out, nil
}

func (v *memoryTxView) PutSuggestion(_ context.Context, s recurring.Suggestion) error {
	v.parent.suggestions[s.SubscriptionID] = s
	return nil
}

func (v *memoryTxView) GetSuggestion(_ context.Context, id recurring.SubscriptionID) (*recurring.Suggestion, error) {
	s, ok := v.parent.suggestions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// =============================================================================
// COPY HELPERS - stored records never alias caller memory
// =============================================================================

func copySubscription(sub *recurring.Subscription) *recurring.Subscription {
	cp := *sub
	cp.ChargeHistory = append([]recurring.Charge(nil), sub.ChargeHistory...)
	return &cp
}

func copyDecision(d *recurring.LifecycleDecision) *recurring.LifecycleDecision {
	cp := *d
	if d.VerifiedMonthlySavings != nil {
		v := *d.VerifiedMonthlySavings
		cp.VerifiedMonthlySavings = &v
	}
	return &cp
}
