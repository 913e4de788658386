/*
store.go - Persistence interfaces for the billing engine

PURPOSE:
  Defines the narrow, typed contract between the engine and the relational
  store. One interface per entity; Store composes them.

KEY INTERFACES:
  MemberStore:        members and their cached aggregates
  TabStore:           payment tabs (read-only here)
  BalanceStore:       MonthlyBalance rows (conditional update, insert-if-absent)
  AuditLog:           append-only BalanceAuditLogEntry
  PaymentStore:       completed payment history (read-only ground truth)
  ProcessedPayments:  processed-payment markers keyed by payment ID
  NotificationOutbox: outbound notifications, drained by notify.Dispatcher
  DelinquencyQuery:   aggregate query producing freeze candidates
  RunLog:             rollover run records

CONCURRENCY CONTRACT:
  UpdateBalance is conditional on the version read by the caller. If the
  persisted row has moved on, ErrConcurrentModification is returned and the
  caller re-reads. InsertBalanceIfAbsent is a no-op when the
  (member, tab, month_start) key already exists.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: production SQLite
  - billing/store/memory.go: in-memory for testing
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type MemberStore interface {
	// GetMember returns ErrMemberNotFound if the member doesn't exist.
	GetMember(ctx context.Context, id MemberID) (*Member, error)
	ListMembers(ctx context.Context) ([]Member, error)

	// TransitionMember persists the status fields of updated only if the
	// stored status still equals from. Returns false if it did not.
	TransitionMember(ctx context.Context, updated Member, from MemberStatus) (bool, error)

	// AdjustUnpaidBalance atomically adds delta to the cached unpaid balance,
	// flooring the result at zero.
	AdjustUnpaidBalance(ctx context.Context, id MemberID, delta decimal.Decimal) error

	// SetTotals overwrites both cached aggregates.
	SetTotals(ctx context.Context, id MemberID, totalPaid, unpaid decimal.Decimal) error
}

type TabStore interface {
	// GetTab returns ErrTabNotFound if the tab doesn't exist.
	GetTab(ctx context.Context, id TabID) (*PaymentTab, error)
	ListTabsByMember(ctx context.Context, memberID MemberID) ([]PaymentTab, error)
	// ListLedgerTabs returns every active compulsory tab.
	ListLedgerTabs(ctx context.Context) ([]PaymentTab, error)
}

type BalanceStore interface {
	GetBalance(ctx context.Context, id BalanceID) (*MonthlyBalance, error)

	// ListUnsettled returns unsettled rows for (member, tab), oldest month first.
	ListUnsettled(ctx context.Context, memberID MemberID, tabID TabID) ([]MonthlyBalance, error)

	// ListUnclosedBefore returns every row not yet closed with
	// month_start < before, oldest month first.
	ListUnclosedBefore(ctx context.Context, before time.Time) ([]MonthlyBalance, error)

	ListBalancesByMember(ctx context.Context, memberID MemberID) ([]MonthlyBalance, error)

	// LatestBalanceMonths returns the newest month_start held by each tab
	// that has at least one row.
	LatestBalanceMonths(ctx context.Context) (map[TabID]time.Time, error)
	CountUnsettled(ctx context.Context, memberID MemberID) (int, error)

	// UpdateBalance writes b if the stored version equals expectedVersion,
	// bumping the version. Returns ErrConcurrentModification otherwise.
	UpdateBalance(ctx context.Context, b MonthlyBalance, expectedVersion int) error

	// InsertBalanceIfAbsent creates b unless its key exists. Reports whether
	// a row was created.
	InsertBalanceIfAbsent(ctx context.Context, b MonthlyBalance) (bool, error)
}

// AuditLog is append-only. No update, no delete.
type AuditLog interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, memberID MemberID) ([]AuditEntry, error)
}

type PaymentStore interface {
	// LatestCompletedPayment returns nil if the member never paid.
	LatestCompletedPayment(ctx context.Context, memberID MemberID) (*Payment, error)
	SumCompletedPayments(ctx context.Context, memberID MemberID) (decimal.Decimal, error)
}

// ClaimOutcome reports how ClaimPayment resolved.
type ClaimOutcome int

const (
	// ClaimHeld: the payment is allocated, or another caller's claim is
	// still fresh.
	ClaimHeld ClaimOutcome = iota
	// ClaimAcquired: no marker existed; this caller owns the payment.
	ClaimAcquired
	// ClaimReclaimed: an unallocated claim older than staleBefore was taken
	// over. Its owner may have applied part of the payment before dying.
	ClaimReclaimed
)

// ProcessedPayments holds the two-phase processed-payment markers: claimed
// first, then marked allocated once the ledger walk is over.
type ProcessedPayments interface {
	// ClaimPayment records a claim stamped claimedAt. An existing claim that
	// was never marked allocated and is older than staleBefore is taken over.
	ClaimPayment(ctx context.Context, paymentID PaymentID, memberID MemberID, tabID TabID, claimedAt, staleBefore time.Time) (ClaimOutcome, error)
	// ReleasePayment removes a marker whose allocation never touched the ledger.
	ReleasePayment(ctx context.Context, paymentID PaymentID) error
	MarkPaymentAllocated(ctx context.Context, paymentID PaymentID, allocated decimal.Decimal, at time.Time) error
}

type NotificationOutbox interface {
	EnqueueNotification(ctx context.Context, n Notification) error
	// DueNotifications returns pending/failed notifications with
	// NextAttemptAt <= now, oldest first.
	DueNotifications(ctx context.Context, now time.Time, limit int) ([]Notification, error)
	MarkNotificationSent(ctx context.Context, id string, at time.Time) error
	MarkNotificationFailed(ctx context.Context, id string, reason string, next time.Time, dead bool) error
}

// DelinquencyQuery yields the closed, unsettled, unpaid rows of compulsory
// tabs with fromMonth <= month_start < toMonth. CollapseDelinquency turns
// them into freeze candidates.
type DelinquencyQuery interface {
	DelinquentRows(ctx context.Context, fromMonth, toMonth time.Time) ([]DelinquentRow, error)
}

type RunLog interface {
	SaveRolloverRun(ctx context.Context, run RolloverRun) error
	ListRolloverRuns(ctx context.Context, limit int) ([]RolloverRun, error)
}

// Store is everything the engine needs from the relational store.
type Store interface {
	MemberStore
	TabStore
	BalanceStore
	AuditLog
	PaymentStore
	ProcessedPayments
	NotificationOutbox
	DelinquencyQuery
	RunLog
}
