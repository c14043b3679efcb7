/*
Package engine orchestrates detection passes over owner transaction sets.

PURPOSE:
  Ties the recurring package's pure detection, lifecycle, and savings
  logic to a store. One detection pass per owner is the unit of work:
  triggered by a sync event, bounded, and transactional.

CONCURRENCY MODEL:
  - Owners are independent; passes for different owners run in parallel.
  - Within one owner, gap math is order-dependent, so no two passes for
    the same owner run concurrently: a per-owner lease is held for the
    duration of one pass.
  - A pass is all-or-nothing. Cancellation or a storage failure rolls
    back every write; the next sync retries and converges on the same
    end state because detection is idempotent.
  - The only network call, the AI suggestion fetch, runs outside the
    owner lease, fire-and-forget into the cache, so detection latency is
    never coupled to AI response time.

SEE ALSO:
  - recurring/detector.go: The detection algorithm
  - suggest/:              Suggestion cache and collaborator client
*/
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/spendwise/recurring-engine/recurring"
)

// SuggestionFetcher is the external AI collaborator boundary.
type SuggestionFetcher interface {
	FetchAlternatives(ctx context.Context, sub *recurring.Subscription) (*recurring.Suggestion, error)
}

// Engine runs detection passes and records decisions.
type Engine struct {
	store    recurring.TxStore
	detector *recurring.Detector
	fetcher  SuggestionFetcher // nil disables suggestion refresh
	log      zerolog.Logger

	leases ownerLeases
}

type Option func(*Engine)

// WithSuggestionFetcher wires the external AI collaborator.
func WithSuggestionFetcher(f SuggestionFetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// WithLogger replaces the default logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func New(store recurring.TxStore, detector *recurring.Detector, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		detector: detector,
		log:      zerolog.Nop(),
		leases:   ownerLeases{held: make(map[recurring.OwnerID]chan struct{})},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// PER-OWNER LEASES
// =============================================================================

type ownerLeases struct {
	mu   sync.Mutex
	held map[recurring.OwnerID]chan struct{}
}

// acquire blocks until the owner's lease is free or the context is done.
func (l *ownerLeases) acquire(ctx context.Context, owner recurring.OwnerID) (release func(), err error) {
	l.mu.Lock()
	ch, ok := l.held[owner]
	if !ok {
		ch = make(chan struct{}, 1)
		l.held[owner] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// =============================================================================
// DETECTION PASSES
// =============================================================================

// SyncResult is what one detection pass produced.
type SyncResult struct {
	Subscriptions []*recurring.Subscription
	Events        []recurring.Event
	Rejections    []recurring.Rejection
}

// Sync ingests newly synced transactions for an owner and runs a detection
// pass over the extended history, as of the given reference date.
func (e *Engine) Sync(ctx context.Context, owner recurring.OwnerID, txs []recurring.Transaction, asOf recurring.Date) (*SyncResult, error) {
	return e.run(ctx, owner, txs, asOf)
}

// Detect re-runs detection over the owner's stored history without
// ingesting anything new.
func (e *Engine) Detect(ctx context.Context, owner recurring.OwnerID, asOf recurring.Date) (*SyncResult, error) {
	return e.run(ctx, owner, nil, asOf)
}

func (e *Engine) run(ctx context.Context, owner recurring.OwnerID, newTxs []recurring.Transaction, asOf recurring.Date) (*SyncResult, error) {
	release, err := e.leases.acquire(ctx, owner)
	if err != nil {
		return nil, err
	}
	defer release()

	var result *SyncResult
	err = e.store.WithTx(ctx, func(s recurring.Store) error {
		var passErr error
		result, passErr = e.pass(ctx, s, owner, newTxs, asOf)
		return passErr
	})
	if err != nil {
		e.log.Warn().Err(err).Str("owner", string(owner)).Msg("detection pass rolled back")
		return nil, err
	}

	e.log.Info().
		Str("owner", string(owner)).
		Str("as_of", asOf.String()).
		Int("subscriptions", len(result.Subscriptions)).
		Int("events", len(result.Events)).
		Msg("detection pass completed")

	// Suggestion refresh happens outside the lease; see package comment.
	e.refreshAfterPass(result)

	return result, nil
}

// pass is one owner's detection pass: ingest, detect, evaluate lifecycle,
// reconcile savings, rebuild the ledger. Runs inside the store transaction.
func (e *Engine) pass(ctx context.Context, s recurring.Store, owner recurring.OwnerID, newTxs []recurring.Transaction, asOf recurring.Date) (*SyncResult, error) {
	if len(newTxs) > 0 {
		if err := s.AppendTransactions(ctx, newTxs); err != nil {
			return nil, err
		}
	}

	txs, err := s.ListTransactions(ctx, owner)
	if err != nil {
		return nil, err
	}
	existing, err := s.ListSubscriptions(ctx, owner)
	if err != nil {
		return nil, err
	}

	det := e.detector.Run(owner, txs, existing, asOf)
	for _, rej := range det.Rejections {
		e.log.Debug().
			Str("owner", string(owner)).
			Str("merchant", string(rej.MerchantKey)).
			Err(rej.Reason).
			Msg("cluster rejected")
	}

	// Merge detected state over the owner's full subscription set: merchants
	// with no qualifying cluster this pass still age toward stopped.
	merged := make(map[recurring.SubscriptionID]*recurring.Subscription, len(existing))
	for _, sub := range existing {
		merged[sub.ID] = sub
	}
	for _, sub := range det.Subscriptions {
		merged[sub.ID] = sub
	}

	ordered := make([]*recurring.Subscription, 0, len(merged))
	for _, sub := range merged {
		ordered = append(ordered, sub)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	events := det.Events
	result := &SyncResult{Rejections: det.Rejections}
	for _, sub := range ordered {
		events = append(events, recurring.EvaluateStatus(sub, asOf)...)
		if err := s.UpsertSubscription(ctx, sub); err != nil {
			return nil, err
		}
		result.Subscriptions = append(result.Subscriptions, sub)
	}

	// Back-references on the matched transactions.
	bySub := make(map[recurring.SubscriptionID][]recurring.TransactionID)
	for txID, subID := range det.Attachments {
		bySub[subID] = append(bySub[subID], txID)
	}
	for subID, ids := range bySub {
		if err := s.AttachSubscription(ctx, ids, subID); err != nil {
			return nil, err
		}
	}

	if err := e.reconcileSavings(ctx, s, owner, merged, txs, asOf); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err // roll back the whole pass on cancellation
	}

	result.Events = events
	return result, nil
}

// reconcileSavings verifies active decisions against observed billing and
// rebuilds the owner's monthly ledger.
func (e *Engine) reconcileSavings(
	ctx context.Context,
	s recurring.Store,
	owner recurring.OwnerID,
	subs map[recurring.SubscriptionID]*recurring.Subscription,
	txs []recurring.Transaction,
	asOf recurring.Date,
) error {
	decisions, err := s.ListDecisionsByOwner(ctx, owner)
	if err != nil {
		return err
	}
	if len(decisions) == 0 {
		return nil
	}

	charges := chargesByMerchant(txs)

	for _, d := range recurring.ActiveDecision(decisions) {
		sub, ok := subs[d.SubscriptionID]
		if !ok {
			continue // subscription explicitly removed; history stands
		}
		if recurring.ReconcileDecision(d, sub.Frequency, charges[d.MerchantKey], asOf) {
			if d.Conflicted {
				e.log.Info().
					Str("decision", string(d.ID)).
					Str("merchant", string(d.MerchantKey)).
					Msg("cancel decision contradicted by a real charge")
			}
			if err := s.UpdateDecisionVerification(ctx, d.ID, *d.VerifiedMonthlySavings, d.Conflicted); err != nil {
				return err
			}
		}
	}

	for _, entry := range recurring.BuildLedger(owner, decisions, charges, asOf) {
		if err := s.UpsertLedgerEntry(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func chargesByMerchant(txs []recurring.Transaction) map[recurring.MerchantKey][]recurring.Charge {
	out := make(map[recurring.MerchantKey][]recurring.Charge)
	for _, tx := range txs {
		if !tx.IsCharge() {
			continue
		}
		out[tx.MerchantKey] = append(out[tx.MerchantKey], recurring.Charge{Date: tx.PostedAt, Amount: tx.Amount})
	}
	return out
}

// =============================================================================
// DECISIONS
// =============================================================================

// RecordDecision records a keep/reduce/cancel decision and rebuilds the
// owner's ledger in the same transaction. The projector runs on lifecycle
// transitions, not on every transaction.
func (e *Engine) RecordDecision(
	ctx context.Context,
	subID recurring.SubscriptionID,
	action recurring.DecisionAction,
	recommended decimal.Decimal,
	decidedAt recurring.Date,
) (*recurring.LifecycleDecision, error) {
	var decision *recurring.LifecycleDecision

	err := e.store.WithTx(ctx, func(s recurring.Store) error {
		sub, err := s.GetSubscription(ctx, subID)
		if err != nil {
			return err
		}

		decision, err = recurring.NewDecision(sub, action, recommended, decidedAt)
		if err != nil {
			return err
		}
		if err := s.AppendDecision(ctx, decision); err != nil {
			return err
		}

		decisions, err := s.ListDecisionsByOwner(ctx, sub.OwnerID)
		if err != nil {
			return err
		}
		txs, err := s.ListTransactions(ctx, sub.OwnerID)
		if err != nil {
			return err
		}
		for _, entry := range recurring.BuildLedger(sub.OwnerID, decisions, chargesByMerchant(txs), decidedAt) {
			if err := s.UpsertLedgerEntry(ctx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("subscription", string(subID)).
		Str("action", string(action)).
		Str("claimed_monthly", decision.ClaimedMonthlySavings.StringFixed(2)).
		Msg("decision recorded")

	return decision, nil
}

// =============================================================================
// SUGGESTION REFRESH (outside the owner lease)
// =============================================================================

// RefreshSuggestion asks the external collaborator for alternatives and
// caches the result. Fire-and-forget: failures are logged, never returned.
func (e *Engine) RefreshSuggestion(sub *recurring.Subscription) {
	if e.fetcher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		suggestion, err := e.fetcher.FetchAlternatives(ctx, sub)
		if err != nil {
			e.log.Warn().Err(err).Str("subscription", string(sub.ID)).Msg("suggestion fetch failed")
			return
		}
		if err := e.store.PutSuggestion(ctx, *suggestion); err != nil {
			e.log.Warn().Err(err).Str("subscription", string(sub.ID)).Msg("suggestion cache write failed")
		}
	}()
}

// refreshAfterPass refreshes suggestions for subscriptions the pass just
// flagged as stopping; those are the ones the user is about to review.
func (e *Engine) refreshAfterPass(result *SyncResult) {
	if e.fetcher == nil {
		return
	}
	flagged := make(map[recurring.SubscriptionID]bool)
	for _, ev := range result.Events {
		if ev.Type == recurring.EventStopped || ev.Type == recurring.EventPossiblyStopped {
			flagged[ev.SubscriptionID] = true
		}
	}
	for _, sub := range result.Subscriptions {
		if flagged[sub.ID] {
			e.RefreshSuggestion(sub)
		}
	}
}
