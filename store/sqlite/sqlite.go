/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements recurring.TxStore using SQLite. In production the same
  patterns apply to PostgreSQL; only minor SQL dialect differences.

UNIQUENESS ENFORCEMENT:
  The schema carries both uniqueness invariants of the engine:
  - UNIQUE(owner_id, merchant_key) on subscriptions: the detector already
    guarantees one cluster per merchant, but the storage layer enforces it
    independently so correctness never rests on a single layer.
  - UNIQUE(owner_id, period) on savings_ledger: recomputing a period
    upserts in place, never accumulates duplicate rows.

TRANSACTIONS:
  WithTx wraps one owner's detection pass in a database transaction so a
  cancelled or failed pass commits nothing.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging): readers don't block,
  single writer at a time, better crash recovery.

USAGE:
  store, err := sqlite.New("./data/spendwise.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - recurring/store.go: Interface definitions and invariants
  - recurring/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/spendwise/recurring-engine/recurring"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so the query methods are
// shared between the store and its transactional view.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements recurring.TxStore using SQLite.
type Store struct {
	db *sql.DB
	queries
}

var _ recurring.TxStore = (*Store)(nil)

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, queries: queries{db: db}}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Transaction feed (read-only input, plus subscription back-reference)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		merchant_key TEXT NOT NULL,
		merchant_name TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		posted_at TEXT NOT NULL,
		subscription_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_owner_date
		ON transactions(owner_id, posted_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_owner_merchant
		ON transactions(owner_id, merchant_key);

	-- Subscriptions: one per (owner, merchant)
	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		merchant_key TEXT NOT NULL,
		display_name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		typical_amount TEXT NOT NULL,
		frequency TEXT NOT NULL,
		status TEXT NOT NULL,
		is_essential BOOLEAN NOT NULL DEFAULT FALSE,
		months_active INTEGER NOT NULL DEFAULT 0,
		last_charge_date TEXT NOT NULL DEFAULT '',
		charge_history_json TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT ''
	);

	-- CRITICAL: one subscription per owner+merchant cluster key
	CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_owner_merchant
		ON subscriptions(owner_id, merchant_key);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_owner_status
		ON subscriptions(owner_id, status);

	-- Lifecycle decisions (append-only; only verification fields update)
	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		subscription_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		merchant_key TEXT NOT NULL,
		action TEXT NOT NULL,
		recommended_amount TEXT NOT NULL DEFAULT '0',
		decided_at TEXT NOT NULL,
		claimed_monthly_savings TEXT NOT NULL,
		verified_monthly_savings TEXT,
		conflicted BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_subscription
		ON decisions(subscription_id);
	CREATE INDEX IF NOT EXISTS idx_decisions_owner
		ON decisions(owner_id, decided_at);

	-- Monthly savings ledger: one row per owner+period
	CREATE TABLE IF NOT EXISTS savings_ledger (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		period TEXT NOT NULL,
		claimed_total TEXT NOT NULL,
		verified_total TEXT NOT NULL,
		UNIQUE(owner_id, period)
	);

	-- Cached alternative suggestions, one per subscription
	CREATE TABLE IF NOT EXISTS suggestions (
		subscription_id TEXT PRIMARY KEY,
		body TEXT NOT NULL DEFAULT '',
		options_json TEXT NOT NULL DEFAULT '[]',
		generated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// WithTx executes fn within a database transaction. Cancellation or an
// error from fn rolls everything back.
func (s *Store) WithTx(ctx context.Context, fn func(recurring.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	view := &queries{db: tx}
	if err := fn(view); err != nil {
		tx.Rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// =============================================================================
// QUERIES - shared between Store and its transactional view
// =============================================================================

type queries struct {
	db dbtx
}

var _ recurring.Store = (*queries)(nil)

// -----------------------------------------------------------------------------
// TransactionStore
// -----------------------------------------------------------------------------

func (q *queries) AppendTransactions(ctx context.Context, txs []recurring.Transaction) error {
	for _, tx := range txs {
		// Feed retries are no-ops: the id is the dedup key.
		_, err := q.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO transactions
				(id, owner_id, account_id, merchant_key, merchant_name, category, amount, posted_at, subscription_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(tx.ID), string(tx.OwnerID), tx.AccountID, string(tx.MerchantKey),
			tx.MerchantName, tx.Category, tx.Amount.String(), tx.PostedAt.String(),
			string(tx.SubscriptionID),
		)
		if err != nil {
			return fmt.Errorf("append transaction %s: %w", tx.ID, err)
		}
	}
	return nil
}

func (q *queries) ListTransactions(ctx context.Context, owner recurring.OwnerID) ([]recurring.Transaction, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, owner_id, account_id, merchant_key, merchant_name, category, amount, posted_at, subscription_id
		FROM transactions WHERE owner_id = ? ORDER BY posted_at, id`,
		string(owner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []recurring.Transaction
	for rows.Next() {
		var tx recurring.Transaction
		var id, ownerID, merchant, amount, postedAt, subID string
		if err := rows.Scan(&id, &ownerID, &tx.AccountID, &merchant, &tx.MerchantName, &tx.Category, &amount, &postedAt, &subID); err != nil {
			return nil, err
		}
		tx.ID = recurring.TransactionID(id)
		tx.OwnerID = recurring.OwnerID(ownerID)
		tx.MerchantKey = recurring.MerchantKey(merchant)
		tx.SubscriptionID = recurring.SubscriptionID(subID)
		if tx.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("transaction %s amount: %w", id, err)
		}
		if tx.PostedAt, err = recurring.ParseDate(postedAt); err != nil {
			return nil, fmt.Errorf("transaction %s posted_at: %w", id, err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (q *queries) AttachSubscription(ctx context.Context, ids []recurring.TransactionID, sub recurring.SubscriptionID) error {
	for _, id := range ids {
		if _, err := q.db.ExecContext(ctx,
			`UPDATE transactions SET subscription_id = ? WHERE id = ?`,
			string(sub), string(id)); err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// SubscriptionStore
// -----------------------------------------------------------------------------

func (q *queries) UpsertSubscription(ctx context.Context, sub *recurring.Subscription) error {
	history, err := json.Marshal(sub.ChargeHistory)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO subscriptions
			(id, owner_id, merchant_key, display_name, category, typical_amount,
			 frequency, status, is_essential, months_active, last_charge_date,
			 charge_history_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			category = excluded.category,
			typical_amount = excluded.typical_amount,
			frequency = excluded.frequency,
			status = excluded.status,
			is_essential = excluded.is_essential,
			months_active = excluded.months_active,
			last_charge_date = excluded.last_charge_date,
			charge_history_json = excluded.charge_history_json,
			updated_at = excluded.updated_at`,
		string(sub.ID), string(sub.OwnerID), string(sub.MerchantKey),
		sub.DisplayName, sub.Category, sub.TypicalAmount.String(),
		string(sub.Frequency), string(sub.Status), sub.IsEssential,
		sub.MonthsActive, dateOrEmpty(sub.LastChargeDate), string(history),
		dateOrEmpty(sub.CreatedAt), dateOrEmpty(sub.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return recurring.ErrDuplicateSubscription
	}
	return err
}

func (q *queries) GetSubscription(ctx context.Context, id recurring.SubscriptionID) (*recurring.Subscription, error) {
	row := q.db.QueryRowContext(ctx, subscriptionSelect+` WHERE id = ?`, string(id))
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, recurring.ErrSubscriptionNotFound
	}
	return sub, err
}

func (q *queries) ListSubscriptions(ctx context.Context, owner recurring.OwnerID) ([]*recurring.Subscription, error) {
	rows, err := q.db.QueryContext(ctx, subscriptionSelect+` WHERE owner_id = ? ORDER BY id`, string(owner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*recurring.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (q *queries) DeleteSubscription(ctx context.Context, id recurring.SubscriptionID) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, string(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return recurring.ErrSubscriptionNotFound
	}
	_, err = q.db.ExecContext(ctx, `DELETE FROM suggestions WHERE subscription_id = ?`, string(id))
	return err
}

const subscriptionSelect = `
	SELECT id, owner_id, merchant_key, display_name, category, typical_amount,
	       frequency, status, is_essential, months_active, last_charge_date,
	       charge_history_json, created_at, updated_at
	FROM subscriptions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*recurring.Subscription, error) {
	var sub recurring.Subscription
	var id, ownerID, merchant, typical, freq, status, lastCharge, history, createdAt, updatedAt string
	err := row.Scan(&id, &ownerID, &merchant, &sub.DisplayName, &sub.Category,
		&typical, &freq, &status, &sub.IsEssential, &sub.MonthsActive,
		&lastCharge, &history, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	sub.ID = recurring.SubscriptionID(id)
	sub.OwnerID = recurring.OwnerID(ownerID)
	sub.MerchantKey = recurring.MerchantKey(merchant)
	sub.Frequency = recurring.Frequency(freq)
	sub.Status = recurring.Status(status)
	if sub.TypicalAmount, err = decimal.NewFromString(typical); err != nil {
		return nil, fmt.Errorf("subscription %s typical_amount: %w", id, err)
	}
	if sub.LastChargeDate, err = parseDateOrEmpty(lastCharge); err != nil {
		return nil, err
	}
	if sub.CreatedAt, err = parseDateOrEmpty(createdAt); err != nil {
		return nil, err
	}
	if sub.UpdatedAt, err = parseDateOrEmpty(updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(history), &sub.ChargeHistory); err != nil {
		return nil, fmt.Errorf("subscription %s charge history: %w", id, err)
	}
	return &sub, nil
}

// -----------------------------------------------------------------------------
// DecisionStore
// -----------------------------------------------------------------------------

func (q *queries) AppendDecision(ctx context.Context, d *recurring.LifecycleDecision) error {
	var verified any
	if d.VerifiedMonthlySavings != nil {
		verified = d.VerifiedMonthlySavings.String()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO decisions
			(id, subscription_id, owner_id, merchant_key, action, recommended_amount,
			 decided_at, claimed_monthly_savings, verified_monthly_savings, conflicted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(d.ID), string(d.SubscriptionID), string(d.OwnerID), string(d.MerchantKey),
		string(d.Action), d.RecommendedAmount.String(), d.DecidedAt.String(),
		d.ClaimedMonthlySavings.String(), verified, d.Conflicted,
	)
	return err
}

func (q *queries) UpdateDecisionVerification(ctx context.Context, id recurring.DecisionID, verified decimal.Decimal, conflicted bool) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE decisions SET verified_monthly_savings = ?, conflicted = ? WHERE id = ?`,
		verified.String(), conflicted, string(id))
	return err
}

func (q *queries) ListDecisionsBySubscription(ctx context.Context, sub recurring.SubscriptionID) ([]*recurring.LifecycleDecision, error) {
	return q.listDecisions(ctx, `subscription_id = ?`, string(sub))
}

func (q *queries) ListDecisionsByOwner(ctx context.Context, owner recurring.OwnerID) ([]*recurring.LifecycleDecision, error) {
	return q.listDecisions(ctx, `owner_id = ?`, string(owner))
}

func (q *queries) listDecisions(ctx context.Context, where string, arg any) ([]*recurring.LifecycleDecision, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, subscription_id, owner_id, merchant_key, action, recommended_amount,
		       decided_at, claimed_monthly_savings, verified_monthly_savings, conflicted
		FROM decisions WHERE `+where+` ORDER BY decided_at, id`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*recurring.LifecycleDecision
	for rows.Next() {
		var d recurring.LifecycleDecision
		var id, subID, ownerID, merchant, action, recommended, decidedAt, claimed string
		var verified sql.NullString
		if err := rows.Scan(&id, &subID, &ownerID, &merchant, &action, &recommended,
			&decidedAt, &claimed, &verified, &d.Conflicted); err != nil {
			return nil, err
		}
		d.ID = recurring.DecisionID(id)
		d.SubscriptionID = recurring.SubscriptionID(subID)
		d.OwnerID = recurring.OwnerID(ownerID)
		d.MerchantKey = recurring.MerchantKey(merchant)
		d.Action = recurring.DecisionAction(action)
		if d.RecommendedAmount, err = decimal.NewFromString(recommended); err != nil {
			return nil, fmt.Errorf("decision %s recommended_amount: %w", id, err)
		}
		if d.DecidedAt, err = recurring.ParseDate(decidedAt); err != nil {
			return nil, fmt.Errorf("decision %s decided_at: %w", id, err)
		}
		if d.ClaimedMonthlySavings, err = decimal.NewFromString(claimed); err != nil {
			return nil, fmt.Errorf("decision %s claimed savings: %w", id, err)
		}
		if verified.Valid {
			v, err := decimal.NewFromString(verified.String)
			if err != nil {
				return nil, fmt.Errorf("decision %s verified savings: %w", id, err)
			}
			d.VerifiedMonthlySavings = &v
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// LedgerStore
// -----------------------------------------------------------------------------

func (q *queries) UpsertLedgerEntry(ctx context.Context, entry recurring.SavingsLedgerEntry) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO savings_ledger (id, owner_id, period, claimed_total, verified_total)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, period) DO UPDATE SET
			claimed_total = excluded.claimed_total,
			verified_total = excluded.verified_total`,
		entry.ID, string(entry.OwnerID), string(entry.Period),
		entry.ClaimedTotal.String(), entry.VerifiedTotal.String(),
	)
	return err
}

func (q *queries) ListLedgerEntries(ctx context.Context, owner recurring.OwnerID) ([]recurring.SavingsLedgerEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, owner_id, period, claimed_total, verified_total
		FROM savings_ledger WHERE owner_id = ? ORDER BY period`, string(owner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []recurring.SavingsLedgerEntry
	for rows.Next() {
		var e recurring.SavingsLedgerEntry
		var ownerID, period, claimed, verified string
		if err := rows.Scan(&e.ID, &ownerID, &period, &claimed, &verified); err != nil {
			return nil, err
		}
		e.OwnerID = recurring.OwnerID(ownerID)
		e.Period = recurring.Period(period)
		if e.ClaimedTotal, err = decimal.NewFromString(claimed); err != nil {
			return nil, fmt.Errorf("ledger %s claimed total: %w", e.ID, err)
		}
		if e.VerifiedTotal, err = decimal.NewFromString(verified); err != nil {
			return nil, fmt.Errorf("ledger %s verified total: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// SuggestionStore
// -----------------------------------------------------------------------------

func (q *queries) PutSuggestion(ctx context.Context, s recurring.Suggestion) error {
	options, err := json.Marshal(s.Options)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO suggestions (subscription_id, body, options_json, generated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(subscription_id) DO UPDATE SET
			body = excluded.body,
			options_json = excluded.options_json,
			generated_at = excluded.generated_at`,
		string(s.SubscriptionID), s.Text, string(options), s.GeneratedAt.String(),
	)
	return err
}

func (q *queries) GetSuggestion(ctx context.Context, id recurring.SubscriptionID) (*recurring.Suggestion, error) {
	var s recurring.Suggestion
	var options, generatedAt string
	err := q.db.QueryRowContext(ctx, `
		SELECT body, options_json, generated_at FROM suggestions WHERE subscription_id = ?`,
		string(id)).Scan(&s.Text, &options, &generatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.SubscriptionID = id
	if err := json.Unmarshal([]byte(options), &s.Options); err != nil {
		return nil, err
	}
	if s.GeneratedAt, err = recurring.ParseDate(generatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func dateOrEmpty(d recurring.Date) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func parseDateOrEmpty(s string) (recurring.Date, error) {
	if s == "" {
		return recurring.Date{}, nil
	}
	return recurring.ParseDate(s)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	sqliteErr, ok := err.(sqlite3.Error)
	return ok && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
