/*
Package billing provides the recurring billing and delinquency engine.

PURPOSE:
  This package owns the monthly dues ledger of a multi-tenant membership
  platform. It allocates completed payments across a member's outstanding
  monthly balances, rolls balances forward month to month, freezes and
  unfreezes members based on their payment history, suspends members who
  stopped paying, and recomputes cached totals from ground truth.

KEY CONCEPTS IN THIS FILE (types.go):
  - Member: lifecycle status plus cached unpaid/paid aggregates
  - PaymentTab: a recurring obligation (only compulsory + active tabs are billed)
  - MonthlyBalance: one ledger row per (member, tab, calendar month)
  - AuditEntry: append-only record of every MonthlyBalance mutation
  - Payment: external ground truth, never mutated here
  - Notification: outbound message queued for the notification sink

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal, never float64
  2. Type Safety: distinct ID types for members, tabs, balances and payments
  3. Derived Aggregates: Member.UnpaidBalance and Member.TotalPaid are caches;
     the ledger and the payment history are the source of truth
  4. Auditability: every ledger mutation leaves an AuditEntry

SEE ALSO:
  - allocator.go: payment allocation (oldest month first)
  - rollover.go: monthly close / open / delinquency sweep
  - freeze.go: freeze and unfreeze state machine
  - suspension.go: non-payment suspension detector
  - reconcile.go: totals reconciler
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// MustMoney parses a decimal string, returning zero on malformed input.
func MustMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func minMoney(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type OrganizationID string
type UserID string
type TabID string
type BalanceID string
type PaymentID string

// =============================================================================
// MEMBER
// =============================================================================

type MemberStatus string

const (
	StatusPending   MemberStatus = "pending"
	StatusActive    MemberStatus = "active"
	StatusFrozen    MemberStatus = "frozen"
	StatusInactive  MemberStatus = "inactive"
	StatusSuspended MemberStatus = "suspended"
)

// transitions lists every allowed status move. Status only moves forward,
// except frozen -> active (unfreeze).
var transitions = map[MemberStatus][]MemberStatus{
	StatusPending:  {StatusActive, StatusFrozen, StatusInactive, StatusSuspended},
	StatusActive:   {StatusFrozen, StatusInactive, StatusSuspended},
	StatusFrozen:   {StatusActive, StatusInactive, StatusSuspended},
	StatusInactive: {StatusSuspended},
}

// CanTransition reports whether a member may move from one status to another.
func CanTransition(from, to MemberStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Member struct {
	ID             MemberID
	OrganizationID OrganizationID
	UserID         UserID
	Status         MemberStatus

	// Cached aggregates. Recomputable by the Reconciler.
	UnpaidBalance decimal.Decimal
	TotalPaid     decimal.Decimal

	ActivatedAt *time.Time

	FreezeReason string
	FrozenAt     *time.Time
	FrozenBy     string

	InactiveReason string
	DeactivatedAt  *time.Time

	CreatedAt time.Time
}

// StatusChange describes a lifecycle transition to apply to a member.
type StatusChange struct {
	To     MemberStatus
	Reason string
	At     time.Time
	By     string
}

// WithStatus returns a copy of m with the change applied to the status
// and its bookkeeping fields. Leaving frozen clears all freeze fields.
func (m Member) WithStatus(c StatusChange) Member {
	from := m.Status
	m.Status = c.To
	at := c.At

	switch c.To {
	case StatusFrozen:
		m.FreezeReason = c.Reason
		m.FrozenAt = &at
		m.FrozenBy = c.By
	case StatusInactive, StatusSuspended:
		m.InactiveReason = c.Reason
		m.DeactivatedAt = &at
	case StatusActive:
		if m.ActivatedAt == nil {
			m.ActivatedAt = &at
		}
	}

	if from == StatusFrozen && c.To != StatusFrozen {
		m.FreezeReason = ""
		m.FrozenAt = nil
		m.FrozenBy = ""
	}
	return m
}

// =============================================================================
// PAYMENT TAB
// =============================================================================

type PaymentNature string

const (
	NatureCompulsory PaymentNature = "compulsory"
	NatureOptional   PaymentNature = "optional"
)

type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleWeekly  BillingCycle = "weekly"
	CycleYearly  BillingCycle = "yearly"
)

// PeriodDays is the average length of one billing period in days.
// Unknown cycles are billed monthly.
func (c BillingCycle) PeriodDays() decimal.Decimal {
	switch c {
	case CycleWeekly:
		return decimal.NewFromInt(7)
	case CycleYearly:
		return MustMoney("365.25")
	default:
		return MustMoney("30.4375")
	}
}

type PaymentTab struct {
	ID             TabID
	MemberID       MemberID
	OrganizationID OrganizationID
	Name           string
	Nature         PaymentNature
	MonthlyCost    decimal.Decimal
	BillingCycle   BillingCycle
	IsActive       bool
	CreatedAt      time.Time
}

// IsLedgerTracked reports whether the tab participates in the monthly ledger.
func (t PaymentTab) IsLedgerTracked() bool {
	return t.Nature == NatureCompulsory && t.IsActive
}

// =============================================================================
// MONTHLY BALANCE - The ledger row
// =============================================================================

// MonthlyBalance is the ledger row for one (member, tab, calendar month).
//
// INVARIANTS:
//   - IsSettled implies PaidAmount >= RequiredAmount
//   - once closed and unsettled, PaidAmount + UnpaidAmount == RequiredAmount
//   - rows are never deleted
type MonthlyBalance struct {
	ID             BalanceID
	MemberID       MemberID
	TabID          TabID
	OrganizationID OrganizationID
	MonthStart     time.Time

	RequiredAmount decimal.Decimal
	PaidAmount     decimal.Decimal
	UnpaidAmount   decimal.Decimal

	IsSettled bool
	SettledAt *time.Time

	// ClosedAt is stamped by the month close. A closed row's UnpaidAmount
	// is counted in the member's cached UnpaidBalance.
	ClosedAt *time.Time

	// Version increments on every update (optimistic concurrency).
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Owed is what is still required to settle the row.
func (b MonthlyBalance) Owed() decimal.Decimal {
	return nonNegative(b.RequiredAmount.Sub(b.PaidAmount))
}

func (b MonthlyBalance) IsClosed() bool { return b.ClosedAt != nil }

// =============================================================================
// AUDIT LOG
// =============================================================================

type AuditAction string

const (
	AuditPaymentApplied  AuditAction = "payment_applied"
	AuditBalanceRollover AuditAction = "balance_rollover"
	AuditFreezeTriggered AuditAction = "freeze_triggered"
)

// AuditEntry is an immutable record of a MonthlyBalance mutation.
type AuditEntry struct {
	ID           string
	BalanceID    BalanceID
	MemberID     MemberID
	Action       AuditAction
	UnpaidBefore decimal.Decimal
	UnpaidAfter  decimal.Decimal
	Metadata     map[string]string
	CreatedAt    time.Time
}

// =============================================================================
// PAYMENT - External ground truth
// =============================================================================

type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "completed"
	PaymentPending   PaymentStatus = "pending"
	PaymentFailed    PaymentStatus = "failed"
)

type Payment struct {
	ID        PaymentID
	MemberID  MemberID
	TabID     TabID
	Amount    decimal.Decimal
	Status    PaymentStatus
	CreatedAt time.Time
}

// =============================================================================
// NOTIFICATION - Outbound message
// =============================================================================

type NotificationType string

const (
	NotifyAccountFrozen      NotificationType = "account_frozen"
	NotifyAccountReactivated NotificationType = "account_reactivated"
	NotifyAccountInactive    NotificationType = "account_inactive"
)

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationFailed  NotificationStatus = "failed"
	NotificationSent    NotificationStatus = "sent"
	NotificationDead    NotificationStatus = "dead"
)

// Notification is queued by the engine and delivered by notify.Dispatcher.
type Notification struct {
	ID              string
	OrganizationID  OrganizationID
	RecipientUserID UserID
	MemberID        MemberID
	Title           string
	Message         string
	Type            NotificationType

	Status        NotificationStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	SentAt        *time.Time
}

// =============================================================================
// ROLLOVER RUN LOG
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// RolloverRun records one invocation of the daily rollover.
type RolloverRun struct {
	ID          string
	Day         time.Time
	MonthStart  time.Time
	Status      RunStatus
	Closed      int
	Opened      int
	Frozen      int
	Failures    int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}
