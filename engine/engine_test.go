package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendwise/recurring-engine/engine"
	"github.com/spendwise/recurring-engine/recurring"
	"github.com/spendwise/recurring-engine/recurring/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func date(y int, m time.Month, d int) recurring.Date {
	return recurring.NewDate(y, m, d)
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func monthlyCharges(owner recurring.OwnerID, merchant, amt string, start recurring.Date, n int) []recurring.Transaction {
	txs := make([]recurring.Transaction, n)
	d := start
	for i := 0; i < n; i++ {
		txs[i] = recurring.Transaction{
			ID:          recurring.TransactionID(merchant + "-" + d.String()),
			OwnerID:     owner,
			MerchantKey: recurring.MerchantKey(merchant),
			Amount:      amount(amt),
			PostedAt:    d,
		}
		d = d.AddMonths(1)
	}
	return txs
}

func newEngine(mem *store.Memory, opts ...engine.Option) *engine.Engine {
	return engine.New(mem, recurring.NewDetector(nil), opts...)
}

// =============================================================================
// SYNC / DETECT PASSES
// =============================================================================

func TestEngine_NetflixEndToEnd(t *testing.T) {
	// GIVEN: 6 monthly Netflix charges of $15.99
	// WHEN: Syncing them
	// THEN: One monthly active subscription, annual cost 191.88, every
	//       charge attached
	ctx := context.Background()
	mem := store.NewMemory()
	eng := newEngine(mem)

	txs := monthlyCharges("u1", "netflix.com", "15.99", date(2025, time.January, 10), 6)
	result, err := eng.Sync(ctx, "u1", txs, date(2025, time.June, 15))
	require.NoError(t, err)

	require.Len(t, result.Subscriptions, 1)
	sub := result.Subscriptions[0]
	assert.Equal(t, recurring.FrequencyMonthly, sub.Frequency)
	assert.Equal(t, recurring.StatusActive, sub.Status)
	assert.Equal(t, "191.88", sub.AnnualCost().StringFixed(2))

	stored, err := mem.ListTransactions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, stored, 6)
	for _, tx := range stored {
		assert.Equal(t, sub.ID, tx.SubscriptionID, "charge %s not attached", tx.ID)
	}
}

func TestEngine_Resync_Idempotent(t *testing.T) {
	// GIVEN: An already-synced history
	// WHEN: Syncing the identical batch again
	// THEN: Still one subscription with the same id; no duplicate
	//       transactions; no re-announcement
	ctx := context.Background()
	mem := store.NewMemory()
	eng := newEngine(mem)
	txs := monthlyCharges("u1", "netflix.com", "15.99", date(2025, time.January, 10), 6)
	asOf := date(2025, time.June, 15)

	first, err := eng.Sync(ctx, "u1", txs, asOf)
	require.NoError(t, err)

	second, err := eng.Sync(ctx, "u1", txs, asOf)
	require.NoError(t, err)

	require.Len(t, second.Subscriptions, 1)
	assert.Equal(t, first.Subscriptions[0].ID, second.Subscriptions[0].ID)
	assert.Empty(t, second.Events)

	stored, _ := mem.ListTransactions(ctx, "u1")
	assert.Len(t, stored, 6, "feed retries must not duplicate transactions")
}

func TestEngine_SilentSubscription_AgesToStopped(t *testing.T) {
	// GIVEN: A monthly subscription last charged June 10
	// WHEN: Re-running detection 66 days later with no new charges
	// THEN: The subscription flips to stopped with a stopped event
	ctx := context.Background()
	mem := store.NewMemory()
	eng := newEngine(mem)

	txs := monthlyCharges("u1", "audible.com", "14.99", date(2025, time.April, 10), 3)
	_, err := eng.Sync(ctx, "u1", txs, date(2025, time.June, 15))
	require.NoError(t, err)

	result, err := eng.Detect(ctx, "u1", date(2025, time.August, 15))
	require.NoError(t, err)

	require.Len(t, result.Subscriptions, 1)
	assert.Equal(t, recurring.StatusStopped, result.Subscriptions[0].Status)

	var stopped bool
	for _, ev := range result.Events {
		if ev.Type == recurring.EventStopped {
			stopped = true
		}
	}
	assert.True(t, stopped, "expected a stopped event")
}

func TestEngine_Resubscription_Reactivates(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	eng := newEngine(mem)

	txs := monthlyCharges("u1", "netflix.com", "15.99", date(2025, time.January, 10), 3)
	_, err := eng.Sync(ctx, "u1", txs, date(2025, time.March, 15))
	require.NoError(t, err)

	// Age to stopped.
	_, err = eng.Detect(ctx, "u1", date(2025, time.June, 1))
	require.NoError(t, err)
	subs, _ := mem.ListSubscriptions(ctx, "u1")
	require.Equal(t, recurring.StatusStopped, subs[0].Status)

	// Fresh charges resume the same subscription.
	fresh := monthlyCharges("u1", "netflix.com", "15.99", date(2025, time.June, 10), 2)
	result, err := eng.Sync(ctx, "u1", fresh, date(2025, time.July, 15))
	require.NoError(t, err)

	require.Len(t, result.Subscriptions, 1)
	assert.Equal(t, subs[0].ID, result.Subscriptions[0].ID, "resubscription must not spawn a new record")
	assert.Equal(t, recurring.StatusActive, result.Subscriptions[0].Status)
}

func TestEngine_CancelledContext_LeavesNoPartialState(t *testing.T) {
	mem := store.NewMemory()
	eng := newEngine(mem)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	txs := monthlyCharges("u1", "netflix.com", "15.99", date(2025, time.January, 10), 6)
	_, err := eng.Sync(ctx, "u1", txs, date(2025, time.June, 15))
	require.Error(t, err)

	stored, _ := mem.ListTransactions(context.Background(), "u1")
	assert.Empty(t, stored, "a rolled-back pass must commit nothing")
	subs, _ := mem.ListSubscriptions(context.Background(), "u1")
	assert.Empty(t, subs)
}

// =============================================================================
// DECISIONS AND SAVINGS
// =============================================================================

func TestEngine_CancelDecision_VerifiedAfterSilentCycle(t *testing.T) {
	// GIVEN: A stopped Audible subscription, cancel decided June 21
	// WHEN: Re-running detection after a full silent cycle
	// THEN: The decision verifies at the claim and the ledger fills in
	ctx := context.Background()
	mem := store.NewMemory()
	eng := newEngine(mem)

	txs := monthlyCharges("u1", "audible.com", "14.99", date(2025, time.January, 15), 3)
	result, err := eng.Sync(ctx, "u1", txs, date(2025, time.June, 20))
	require.NoError(t, err)
	subID := result.Subscriptions[0].ID

	decision, err := eng.RecordDecision(ctx, subID, recurring.ActionCancel, decimal.Zero, date(2025, time.June, 21))
	require.NoError(t, err)
	assert.Equal(t, "14.99", decision.ClaimedMonthlySavings.StringFixed(2))
	assert.Equal(t, "179.88", decision.ClaimedAnnualSavings().StringFixed(2))
	assert.False(t, decision.Verified())

	// One silent cycle later.
	_, err = eng.Detect(ctx, "u1", date(2025, time.July, 25))
	require.NoError(t, err)

	decisions, err := mem.ListDecisionsBySubscription(ctx, subID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.True(t, decisions[0].Verified())
	assert.Equal(t, "14.99", decisions[0].VerifiedMonthlySavings.StringFixed(2))
	assert.False(t, decisions[0].Conflicted)

	entries, err := mem.ListLedgerEntries(ctx, "u1")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, recurring.Period("2025-06"), entries[0].Period)
	assert.Equal(t, "14.99", entries[0].VerifiedTotal.StringFixed(2))
}

func TestEngine_CancelContradicted_ConflictRecorded(t *testing.T) {
	// GIVEN: A cancel decision
	// WHEN: The merchant bills again afterwards
	// THEN: Verified zero, conflicted; the decision survives as history and
	//       the subscription keeps tracking
	ctx := context.Background()
	mem := store.NewMemory()
	eng := newEngine(mem)

	txs := monthlyCharges("u1", "netflix.com", "15.99", date(2025, time.January, 10), 4)
	result, err := eng.Sync(ctx, "u1", txs, date(2025, time.April, 15))
	require.NoError(t, err)
	subID := result.Subscriptions[0].ID

	_, err = eng.RecordDecision(ctx, subID, recurring.ActionCancel, decimal.Zero, date(2025, time.April, 20))
	require.NoError(t, err)

	// The charge the user thought they had cancelled.
	contradicting := monthlyCharges("u1", "netflix.com", "15.99", date(2025, time.May, 10), 1)
	_, err = eng.Sync(ctx, "u1", contradicting, date(2025, time.June, 1))
	require.NoError(t, err)

	decisions, err := mem.ListDecisionsBySubscription(ctx, subID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.True(t, decisions[0].Verified())
	assert.True(t, decisions[0].VerifiedMonthlySavings.IsZero())
	assert.True(t, decisions[0].Conflicted)

	sub, err := mem.GetSubscription(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, recurring.StatusActive, sub.Status)
}

func TestEngine_DecisionBeforeEstablishedAmount_RolledBack(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	eng := newEngine(mem)

	sub := &recurring.Subscription{
		ID: "sub-u1-new-thing", OwnerID: "u1", MerchantKey: "new-thing",
		TypicalAmount: amount("5.00"), Frequency: recurring.FrequencyMonthly,
		Status: recurring.StatusActive, MonthsActive: 1,
		LastChargeDate: date(2025, time.June, 1),
	}
	require.NoError(t, mem.UpsertSubscription(ctx, sub))

	_, err := eng.RecordDecision(ctx, sub.ID, recurring.ActionCancel, decimal.Zero, date(2025, time.June, 10))
	require.Error(t, err)
	assert.True(t, errors.Is(err, recurring.ErrClaimedSavingsUnavailable))

	decisions, _ := mem.ListDecisionsBySubscription(ctx, sub.ID)
	assert.Empty(t, decisions, "a rejected decision must not persist")
}

func TestEngine_DecisionOnMissingSubscription(t *testing.T) {
	eng := newEngine(store.NewMemory())

	_, err := eng.RecordDecision(context.Background(), "sub-nope",
		recurring.ActionCancel, decimal.Zero, date(2025, time.June, 10))
	assert.True(t, errors.Is(err, recurring.ErrSubscriptionNotFound))
}

// =============================================================================
// SUGGESTION REFRESH
// =============================================================================

type stubFetcher struct {
	mu      sync.Mutex
	fetched []recurring.SubscriptionID
	done    chan struct{}
}

func (f *stubFetcher) FetchAlternatives(_ context.Context, sub *recurring.Subscription) (*recurring.Suggestion, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, sub.ID)
	f.mu.Unlock()
	defer close(f.done)
	return &recurring.Suggestion{
		SubscriptionID: sub.ID,
		Options:        []recurring.SuggestionOption{{Name: "Library card", Price: "Free"}},
		GeneratedAt:    date(2025, time.August, 15),
	}, nil
}

func TestEngine_StoppedSubscription_TriggersSuggestionRefresh(t *testing.T) {
	// GIVEN: An engine with a suggestion fetcher
	// WHEN: A pass flips a subscription to stopped
	// THEN: The fetcher runs (outside the pass) and the result is cached
	ctx := context.Background()
	mem := store.NewMemory()
	fetcher := &stubFetcher{done: make(chan struct{})}
	eng := newEngine(mem, engine.WithSuggestionFetcher(fetcher))

	txs := monthlyCharges("u1", "audible.com", "14.99", date(2025, time.April, 10), 3)
	_, err := eng.Sync(ctx, "u1", txs, date(2025, time.June, 15))
	require.NoError(t, err)

	_, err = eng.Detect(ctx, "u1", date(2025, time.August, 15))
	require.NoError(t, err)

	select {
	case <-fetcher.done:
	case <-time.After(2 * time.Second):
		t.Fatal("suggestion fetch never ran")
	}

	// The cache write races the fetch return; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		s, err := mem.GetSuggestion(ctx, fetcher.fetched[0])
		require.NoError(t, err)
		if s != nil {
			require.Len(t, s.Options, 1)
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("suggestion never cached")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestEngine_ParallelOwners_Independent(t *testing.T) {
	// Passes for different owners run concurrently without interfering.
	ctx := context.Background()
	mem := store.NewMemory()
	eng := newEngine(mem)
	asOf := date(2025, time.June, 15)

	owners := []recurring.OwnerID{"u1", "u2", "u3", "u4"}
	var wg sync.WaitGroup
	errs := make([]error, len(owners))
	for i, owner := range owners {
		wg.Add(1)
		go func(i int, owner recurring.OwnerID) {
			defer wg.Done()
			txs := monthlyCharges(owner, "netflix.com", "15.99", date(2025, time.January, 10), 6)
			_, errs[i] = eng.Sync(ctx, owner, txs, asOf)
		}(i, owner)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "owner %s", owners[i])
	}
	for _, owner := range owners {
		subs, err := mem.ListSubscriptions(ctx, owner)
		require.NoError(t, err)
		assert.Len(t, subs, 1)
	}
}
