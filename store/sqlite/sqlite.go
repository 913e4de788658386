/*
Package sqlite provides a SQLite-backed implementation of billing.Store.

PURPOSE:
  Persists members, payment tabs, the monthly balance ledger, its audit log,
  processed-payment markers, the notification outbox and the rollover run
  log. In production the same statements run against PostgreSQL with only
  minor dialect changes.

KEY TABLES:
  members:            lifecycle status and cached aggregates
  payment_tabs:       recurring obligations
  monthly_balances:   ledger rows, UNIQUE(member_id, tab_id, month_start)
  balance_audit_log:  append-only, never updated or deleted
  payments:           external ground truth, written only by RecordPayment
  processed_payments: one marker per payment ID, claimed then marked allocated
  notifications:      outbox drained by notify.Dispatcher
  rollover_runs:      one row per rollover invocation

CONCURRENCY:
  Ledger rows carry a version column. UpdateBalance is a conditional
  UPDATE ... WHERE version = ?; zero affected rows means another writer
  got there first. Opening the current month is INSERT ... ON CONFLICT DO
  NOTHING against the unique key, so two concurrent rollovers create one
  row.

MONEY:
  Amounts are stored as TEXT and summed in Go with decimal.Decimal. SQLite
  has no exact numeric type.

USAGE:
  store, err := sqlite.New("./data/dues.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := billing.NewEngine(store, log)
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/dues-engine/billing"
)

const (
	monthLayout = "2006-01-02"
	// Fixed width so that TEXT comparison orders timestamps correctly.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Store implements billing.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		unpaid_balance TEXT NOT NULL DEFAULT '0',
		total_paid TEXT NOT NULL DEFAULT '0',
		activated_at TEXT,
		freeze_reason TEXT NOT NULL DEFAULT '',
		frozen_at TEXT,
		frozen_by TEXT NOT NULL DEFAULT '',
		inactive_reason TEXT NOT NULL DEFAULT '',
		deactivated_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_members_org
		ON members(organization_id);
	CREATE INDEX IF NOT EXISTS idx_members_status
		ON members(status);

	CREATE TABLE IF NOT EXISTS payment_tabs (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL REFERENCES members(id),
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL,
		nature TEXT NOT NULL,
		monthly_cost TEXT NOT NULL,
		billing_cycle TEXT NOT NULL DEFAULT 'monthly',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tabs_member
		ON payment_tabs(member_id);
	CREATE INDEX IF NOT EXISTS idx_tabs_ledger
		ON payment_tabs(nature, is_active);

	-- Ledger: exactly one row per (member, tab, calendar month)
	CREATE TABLE IF NOT EXISTS monthly_balances (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL REFERENCES members(id),
		tab_id TEXT NOT NULL REFERENCES payment_tabs(id),
		organization_id TEXT NOT NULL,
		month_start TEXT NOT NULL,
		required_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL DEFAULT '0',
		unpaid_amount TEXT NOT NULL DEFAULT '0',
		is_settled BOOLEAN NOT NULL DEFAULT FALSE,
		settled_at TEXT,
		closed_at TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(member_id, tab_id, month_start)
	);

	-- Allocation hot path: unsettled rows of one ledger, oldest first
	CREATE INDEX IF NOT EXISTS idx_balances_unsettled
		ON monthly_balances(member_id, tab_id, is_settled, month_start);
	-- Rollover close: rows not yet closed
	CREATE INDEX IF NOT EXISTS idx_balances_unclosed
		ON monthly_balances(month_start) WHERE closed_at IS NULL;

	CREATE TABLE IF NOT EXISTS balance_audit_log (
		id TEXT PRIMARY KEY,
		balance_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		action TEXT NOT NULL,
		unpaid_before TEXT NOT NULL,
		unpaid_after TEXT NOT NULL,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_member
		ON balance_audit_log(member_id, created_at);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		tab_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_member_status
		ON payments(member_id, status, created_at DESC);

	CREATE TABLE IF NOT EXISTS processed_payments (
		payment_id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		tab_id TEXT NOT NULL,
		allocated_amount TEXT,
		claimed_at TEXT NOT NULL,
		allocated_at TEXT
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		recipient_user_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		sent_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_due
		ON notifications(status, next_attempt_at);

	CREATE TABLE IF NOT EXISTS rollover_runs (
		id TEXT PRIMARY KEY,
		day TEXT NOT NULL,
		month_start TEXT NOT NULL,
		status TEXT NOT NULL,
		closed INTEGER NOT NULL DEFAULT 0,
		opened INTEGER NOT NULL DEFAULT 0,
		frozen INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_rollover_runs_started
		ON rollover_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SEEDING / EXTERNAL WRITES
// =============================================================================

// SaveMember inserts or replaces a member.
func (s *Store) SaveMember(ctx context.Context, m billing.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO members (id, organization_id, user_id, status, unpaid_balance, total_paid,
			activated_at, freeze_reason, frozen_at, frozen_by, inactive_reason, deactivated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			organization_id = excluded.organization_id,
			user_id = excluded.user_id,
			status = excluded.status,
			unpaid_balance = excluded.unpaid_balance,
			total_paid = excluded.total_paid,
			activated_at = excluded.activated_at,
			freeze_reason = excluded.freeze_reason,
			frozen_at = excluded.frozen_at,
			frozen_by = excluded.frozen_by,
			inactive_reason = excluded.inactive_reason,
			deactivated_at = excluded.deactivated_at
	`

	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.OrganizationID, m.UserID, m.Status,
		m.UnpaidBalance.String(), m.TotalPaid.String(),
		formatTimePtr(m.ActivatedAt), m.FreezeReason, formatTimePtr(m.FrozenAt), m.FrozenBy,
		m.InactiveReason, formatTimePtr(m.DeactivatedAt), formatTime(createdAt),
	)
	return err
}

// SaveTab inserts or replaces a payment tab.
func (s *Store) SaveTab(ctx context.Context, t billing.PaymentTab) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO payment_tabs (id, member_id, organization_id, name, nature, monthly_cost,
			billing_cycle, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			nature = excluded.nature,
			monthly_cost = excluded.monthly_cost,
			billing_cycle = excluded.billing_cycle,
			is_active = excluded.is_active
	`

	cycle := t.BillingCycle
	if cycle == "" {
		cycle = billing.CycleMonthly
	}
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.MemberID, t.OrganizationID, t.Name, t.Nature, t.MonthlyCost.String(),
		cycle, t.IsActive, formatTime(t.CreatedAt),
	)
	return err
}

// RecordPayment upserts a payment as reported by the payment processor.
func (s *Store) RecordPayment(ctx context.Context, p billing.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO payments (id, member_id, tab_id, amount, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.MemberID, p.TabID, p.Amount.String(), p.Status, formatTime(p.CreatedAt),
	)
	return err
}

// =============================================================================
// MEMBERS
// =============================================================================

const memberColumns = `id, organization_id, user_id, status, unpaid_balance, total_paid,
	activated_at, freeze_reason, frozen_at, frozen_by, inactive_reason, deactivated_at, created_at`

func (s *Store) GetMember(ctx context.Context, id billing.MemberID) (*billing.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+memberColumns+" FROM members WHERE id = ?", id)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return &m, nil
}

func (s *Store) ListMembers(ctx context.Context) ([]billing.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+memberColumns+" FROM members ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []billing.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Store) TransitionMember(ctx context.Context, updated billing.Member, from billing.MemberStatus) (bool, error) {
	if !billing.CanTransition(from, updated.Status) {
		return false, billing.ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE members SET
			status = ?, activated_at = ?, freeze_reason = ?, frozen_at = ?, frozen_by = ?,
			inactive_reason = ?, deactivated_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		updated.Status, formatTimePtr(updated.ActivatedAt), updated.FreezeReason,
		formatTimePtr(updated.FrozenAt), updated.FrozenBy,
		updated.InactiveReason, formatTimePtr(updated.DeactivatedAt),
		updated.ID, from,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if !s.exists(ctx, "members", string(updated.ID)) {
			return false, billing.ErrMemberNotFound
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) AdjustUnpaidBalance(ctx context.Context, id billing.MemberID, delta decimal.Decimal) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current decimal.Decimal
		err := tx.QueryRowContext(ctx, "SELECT unpaid_balance FROM members WHERE id = ?", id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return billing.ErrMemberNotFound
		}
		if err != nil {
			return err
		}
		next := current.Add(delta)
		if next.IsNegative() {
			next = decimal.Zero
		}
		_, err = tx.ExecContext(ctx, "UPDATE members SET unpaid_balance = ? WHERE id = ?",
			next.String(), id)
		return err
	})
}

func (s *Store) SetTotals(ctx context.Context, id billing.MemberID, totalPaid, unpaid decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE members SET total_paid = ?, unpaid_balance = ? WHERE id = ?",
		totalPaid.String(), unpaid.String(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set totals: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrMemberNotFound
	}
	return nil
}

func scanMember(row rowScanner) (billing.Member, error) {
	var (
		m                                  billing.Member
		activatedAt, frozenAt, deactivated sql.NullString
		createdAt                          string
	)
	err := row.Scan(
		&m.ID, &m.OrganizationID, &m.UserID, &m.Status, &m.UnpaidBalance, &m.TotalPaid,
		&activatedAt, &m.FreezeReason, &frozenAt, &m.FrozenBy, &m.InactiveReason, &deactivated, &createdAt,
	)
	if err != nil {
		return m, err
	}
	m.ActivatedAt = parseTimePtr(activatedAt)
	m.FrozenAt = parseTimePtr(frozenAt)
	m.DeactivatedAt = parseTimePtr(deactivated)
	m.CreatedAt = parseTime(createdAt)
	return m, nil
}

// =============================================================================
// TABS
// =============================================================================

const tabColumns = `id, member_id, organization_id, name, nature, monthly_cost, billing_cycle, is_active, created_at`

func (s *Store) GetTab(ctx context.Context, id billing.TabID) (*billing.PaymentTab, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := scanTab(s.db.QueryRowContext(ctx, "SELECT "+tabColumns+" FROM payment_tabs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrTabNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tab: %w", err)
	}
	return &t, nil
}

func (s *Store) ListTabsByMember(ctx context.Context, memberID billing.MemberID) ([]billing.PaymentTab, error) {
	return s.queryTabs(ctx, "SELECT "+tabColumns+" FROM payment_tabs WHERE member_id = ? ORDER BY id", memberID)
}

func (s *Store) ListLedgerTabs(ctx context.Context) ([]billing.PaymentTab, error) {
	return s.queryTabs(ctx,
		"SELECT "+tabColumns+" FROM payment_tabs WHERE nature = ? AND is_active = TRUE ORDER BY id",
		billing.NatureCompulsory)
}

func (s *Store) queryTabs(ctx context.Context, query string, args ...any) ([]billing.PaymentTab, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tabs: %w", err)
	}
	defer rows.Close()

	var tabs []billing.PaymentTab
	for rows.Next() {
		t, err := scanTab(rows)
		if err != nil {
			return nil, err
		}
		tabs = append(tabs, t)
	}
	return tabs, rows.Err()
}

func scanTab(row rowScanner) (billing.PaymentTab, error) {
	var (
		t         billing.PaymentTab
		createdAt string
	)
	err := row.Scan(&t.ID, &t.MemberID, &t.OrganizationID, &t.Name, &t.Nature, &t.MonthlyCost,
		&t.BillingCycle, &t.IsActive, &createdAt)
	if err != nil {
		return t, err
	}
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

// =============================================================================
// BALANCES
// =============================================================================

const balanceColumns = `id, member_id, tab_id, organization_id, month_start, required_amount,
	paid_amount, unpaid_amount, is_settled, settled_at, closed_at, version, created_at, updated_at`

func (s *Store) GetBalance(ctx context.Context, id billing.BalanceID) (*billing.MonthlyBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, err := scanBalance(s.db.QueryRowContext(ctx, "SELECT "+balanceColumns+" FROM monthly_balances WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return &b, nil
}

func (s *Store) ListUnsettled(ctx context.Context, memberID billing.MemberID, tabID billing.TabID) ([]billing.MonthlyBalance, error) {
	return s.queryBalances(ctx, `
		SELECT `+balanceColumns+` FROM monthly_balances
		WHERE member_id = ? AND tab_id = ? AND is_settled = FALSE
		ORDER BY month_start ASC, id ASC
	`, memberID, tabID)
}

func (s *Store) ListUnclosedBefore(ctx context.Context, before time.Time) ([]billing.MonthlyBalance, error) {
	return s.queryBalances(ctx, `
		SELECT `+balanceColumns+` FROM monthly_balances
		WHERE closed_at IS NULL AND month_start < ?
		ORDER BY month_start ASC, id ASC
	`, billing.MonthStart(before).Format(monthLayout))
}

func (s *Store) LatestBalanceMonths(ctx context.Context) (map[billing.TabID]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT tab_id, MAX(month_start) FROM monthly_balances GROUP BY tab_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query latest months: %w", err)
	}
	defer rows.Close()

	latest := make(map[billing.TabID]time.Time)
	for rows.Next() {
		var (
			tabID billing.TabID
			month string
		)
		if err := rows.Scan(&tabID, &month); err != nil {
			return nil, err
		}
		t, err := time.Parse(monthLayout, month)
		if err != nil {
			return nil, fmt.Errorf("bad month_start %q: %w", month, err)
		}
		latest[tabID] = t
	}
	return latest, rows.Err()
}

func (s *Store) ListBalancesByMember(ctx context.Context, memberID billing.MemberID) ([]billing.MonthlyBalance, error) {
	return s.queryBalances(ctx, `
		SELECT `+balanceColumns+` FROM monthly_balances
		WHERE member_id = ?
		ORDER BY month_start ASC, id ASC
	`, memberID)
}

func (s *Store) CountUnsettled(ctx context.Context, memberID billing.MemberID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM monthly_balances WHERE member_id = ? AND is_settled = FALSE",
		memberID,
	).Scan(&count)
	return count, err
}

// UpdateBalance writes b if the stored row is still at expectedVersion.
func (s *Store) UpdateBalance(ctx context.Context, b billing.MonthlyBalance, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE monthly_balances SET
			paid_amount = ?, unpaid_amount = ?, is_settled = ?, settled_at = ?, closed_at = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`
	updatedAt := b.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, query,
		b.PaidAmount.String(), b.UnpaidAmount.String(), b.IsSettled,
		formatTimePtr(b.SettledAt), formatTimePtr(b.ClosedAt), formatTime(updatedAt),
		b.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if !s.exists(ctx, "monthly_balances", string(b.ID)) {
			return billing.ErrBalanceNotFound
		}
		return billing.ErrConcurrentModification
	}
	return nil
}

// InsertBalanceIfAbsent creates b unless its (member, tab, month) row exists.
func (s *Store) InsertBalanceIfAbsent(ctx context.Context, b billing.MonthlyBalance) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO monthly_balances (id, member_id, tab_id, organization_id, month_start,
			required_amount, paid_amount, unpaid_amount, is_settled, settled_at, closed_at,
			version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(member_id, tab_id, month_start) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		b.ID, b.MemberID, b.TabID, b.OrganizationID, billing.MonthKey(b.MonthStart),
		b.RequiredAmount.String(), b.PaidAmount.String(), b.UnpaidAmount.String(), b.IsSettled,
		formatTimePtr(b.SettledAt), formatTimePtr(b.ClosedAt), b.Version,
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert balance: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) queryBalances(ctx context.Context, query string, args ...any) ([]billing.MonthlyBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var balances []billing.MonthlyBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func scanBalance(row rowScanner) (billing.MonthlyBalance, error) {
	var (
		b                    billing.MonthlyBalance
		monthStart           string
		settledAt, closedAt  sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&b.ID, &b.MemberID, &b.TabID, &b.OrganizationID, &monthStart,
		&b.RequiredAmount, &b.PaidAmount, &b.UnpaidAmount, &b.IsSettled,
		&settledAt, &closedAt, &b.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return b, fmt.Errorf("failed to scan balance: %w", err)
	}
	b.MonthStart, _ = time.Parse(monthLayout, monthStart)
	b.SettledAt = parseTimePtr(settledAt)
	b.ClosedAt = parseTimePtr(closedAt)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

// =============================================================================
// AUDIT LOG (append-only)
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e billing.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadataJSON, _ := json.Marshal(e.Metadata)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balance_audit_log (id, balance_id, member_id, action, unpaid_before,
			unpaid_after, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.BalanceID, e.MemberID, e.Action, e.UnpaidBefore.String(), e.UnpaidAfter.String(),
		string(metadataJSON), formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, memberID billing.MemberID) ([]billing.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, balance_id, member_id, action, unpaid_before, unpaid_after, metadata_json, created_at
		FROM balance_audit_log
		WHERE member_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []billing.AuditEntry
	for rows.Next() {
		var (
			e            billing.AuditEntry
			metadataJSON sql.NullString
			createdAt    string
		)
		if err := rows.Scan(&e.ID, &e.BalanceID, &e.MemberID, &e.Action, &e.UnpaidBefore,
			&e.UnpaidAfter, &metadataJSON, &createdAt); err != nil {
			return nil, err
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			json.Unmarshal([]byte(metadataJSON.String), &e.Metadata)
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (s *Store) LatestCompletedPayment(ctx context.Context, memberID billing.MemberID) (*billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p         billing.Payment
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, member_id, tab_id, amount, status, created_at
		FROM payments
		WHERE member_id = ? AND status = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, memberID, billing.PaymentCompleted).Scan(&p.ID, &p.MemberID, &p.TabID, &p.Amount, &p.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest payment: %w", err)
	}
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

func (s *Store) SumCompletedPayments(ctx context.Context, memberID billing.MemberID) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT amount FROM payments WHERE member_id = ? AND status = ?",
		memberID, billing.PaymentCompleted)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum payments: %w", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(amount)
	}
	return sum, rows.Err()
}

func (s *Store) ClaimPayment(ctx context.Context, paymentID billing.PaymentID, memberID billing.MemberID, tabID billing.TabID, claimedAt, staleBefore time.Time) (billing.ClaimOutcome, error) {
	outcome := billing.ClaimHeld
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO processed_payments (payment_id, member_id, tab_id, claimed_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(payment_id) DO NOTHING
		`, paymentID, memberID, tabID, formatTime(claimedAt))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			outcome = billing.ClaimAcquired
			return nil
		}

		// Take over a claim whose owner never finished.
		res, err = tx.ExecContext(ctx, `
			UPDATE processed_payments SET member_id = ?, tab_id = ?, claimed_at = ?
			WHERE payment_id = ? AND allocated_at IS NULL AND claimed_at < ?
		`, memberID, tabID, formatTime(claimedAt), paymentID, formatTime(staleBefore))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			outcome = billing.ClaimReclaimed
		}
		return nil
	})
	if err != nil {
		return billing.ClaimHeld, fmt.Errorf("failed to claim payment: %w", err)
	}
	return outcome, nil
}

func (s *Store) ReleasePayment(ctx context.Context, paymentID billing.PaymentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM processed_payments WHERE payment_id = ?", paymentID)
	return err
}

func (s *Store) MarkPaymentAllocated(ctx context.Context, paymentID billing.PaymentID, allocated decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE processed_payments SET allocated_amount = ?, allocated_at = ? WHERE payment_id = ?",
		allocated.String(), formatTime(at), paymentID)
	return err
}

// =============================================================================
// NOTIFICATION OUTBOX
// =============================================================================

func (s *Store) EnqueueNotification(ctx context.Context, n billing.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := n.Status
	if status == "" {
		status = billing.NotificationPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, organization_id, recipient_user_id, member_id, title, message,
			type, status, attempts, next_attempt_at, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		n.ID, n.OrganizationID, n.RecipientUserID, n.MemberID, n.Title, n.Message,
		n.Type, status, n.Attempts, formatTime(n.NextAttemptAt), n.LastError, formatTime(n.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

func (s *Store) DueNotifications(ctx context.Context, now time.Time, limit int) ([]billing.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, recipient_user_id, member_id, title, message, type, status,
			attempts, next_attempt_at, last_error, created_at, sent_at
		FROM notifications
		WHERE status IN (?, ?) AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC, created_at ASC
		LIMIT ?
	`, billing.NotificationPending, billing.NotificationFailed, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []billing.Notification
	for rows.Next() {
		var (
			n                      billing.Notification
			nextAttempt, createdAt string
			sentAt                 sql.NullString
		)
		if err := rows.Scan(&n.ID, &n.OrganizationID, &n.RecipientUserID, &n.MemberID, &n.Title,
			&n.Message, &n.Type, &n.Status, &n.Attempts, &nextAttempt, &n.LastError, &createdAt, &sentAt); err != nil {
			return nil, err
		}
		n.NextAttemptAt = parseTime(nextAttempt)
		n.CreatedAt = parseTime(createdAt)
		n.SentAt = parseTimePtr(sentAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) MarkNotificationSent(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = ?, attempts = attempts + 1, sent_at = ?, last_error = ''
		WHERE id = ?
	`, billing.NotificationSent, formatTime(at), id)
	return err
}

func (s *Store) MarkNotificationFailed(ctx context.Context, id string, reason string, next time.Time, dead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := billing.NotificationFailed
	if dead {
		status = billing.NotificationDead
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?
		WHERE id = ?
	`, status, reason, formatTime(next), id)
	return err
}

// =============================================================================
// DELINQUENCY QUERY
// =============================================================================

// DelinquentRows returns closed, unsettled rows of compulsory tabs with
// fromMonth <= month_start < toMonth. Zero-unpaid rows are dropped in Go
// since amounts are TEXT.
func (s *Store) DelinquentRows(ctx context.Context, fromMonth, toMonth time.Time) ([]billing.DelinquentRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.member_id, m.organization_id, m.user_id, b.month_start, b.unpaid_amount
		FROM monthly_balances b
		JOIN members m ON m.id = b.member_id
		JOIN payment_tabs t ON t.id = b.tab_id
		WHERE b.is_settled = FALSE
		  AND b.closed_at IS NOT NULL
		  AND t.nature = ?
		  AND b.month_start >= ? AND b.month_start < ?
		ORDER BY b.member_id, b.month_start
	`, billing.NatureCompulsory, billing.MonthKey(fromMonth), billing.MonthKey(toMonth))
	if err != nil {
		return nil, fmt.Errorf("failed to query delinquent rows: %w", err)
	}
	defer rows.Close()

	var out []billing.DelinquentRow
	for rows.Next() {
		var (
			r          billing.DelinquentRow
			monthStart string
		)
		if err := rows.Scan(&r.BalanceID, &r.MemberID, &r.OrganizationID, &r.UserID, &monthStart, &r.UnpaidAmount); err != nil {
			return nil, err
		}
		if !r.UnpaidAmount.IsPositive() {
			continue
		}
		r.MonthStart, _ = time.Parse(monthLayout, monthStart)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// RUN LOG
// =============================================================================

func (s *Store) SaveRolloverRun(ctx context.Context, r billing.RolloverRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO rollover_runs (id, day, month_start, status, closed, opened, frozen, failures,
			error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			closed = excluded.closed,
			opened = excluded.opened,
			frozen = excluded.frozen,
			failures = excluded.failures,
			error = excluded.error,
			completed_at = excluded.completed_at
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Day.Format(monthLayout), billing.MonthKey(r.MonthStart), r.Status,
		r.Closed, r.Opened, r.Frozen, r.Failures, r.Error,
		formatTime(r.StartedAt), formatTimePtr(r.CompletedAt),
	)
	return err
}

func (s *Store) ListRolloverRuns(ctx context.Context, limit int) ([]billing.RolloverRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, day, month_start, status, closed, opened, frozen, failures, error, started_at, completed_at
		FROM rollover_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []billing.RolloverRun
	for rows.Next() {
		var (
			r                      billing.RolloverRun
			day, monthStart, start string
			completedAt            sql.NullString
		)
		if err := rows.Scan(&r.ID, &day, &monthStart, &r.Status, &r.Closed, &r.Opened, &r.Frozen,
			&r.Failures, &r.Error, &start, &completedAt); err != nil {
			return nil, err
		}
		r.Day, _ = time.Parse(monthLayout, day)
		r.MonthStart, _ = time.Parse(monthLayout, monthStart)
		r.StartedAt = parseTime(start)
		r.CompletedAt = parseTimePtr(completedAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo). Children first, for the
// foreign keys.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"balance_audit_log", "monthly_balances", "processed_payments", "payments",
		"notifications", "rollover_runs", "payment_tabs", "members",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// exists is called with s.mu held.
func (s *Store) exists(ctx context.Context, table, id string) bool {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&count)
	return err == nil && count > 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

var _ billing.Store = (*Store)(nil)
