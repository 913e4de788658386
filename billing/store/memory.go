// Package store provides an in-memory billing.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/dues-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu            sync.RWMutex
	members       map[billing.MemberID]billing.Member
	tabs          map[billing.TabID]billing.PaymentTab
	balances      map[billing.BalanceID]billing.MonthlyBalance
	balanceKeys   map[balanceKey]billing.BalanceID
	audit         []billing.AuditEntry
	payments      []billing.Payment
	processed     map[billing.PaymentID]processedPayment
	notifications []billing.Notification
	runs          []billing.RolloverRun

	// FailUpdate, when set, is consulted before every balance update.
	// Tests use it to inject per-row failures.
	FailUpdate func(b billing.MonthlyBalance) error
}

type balanceKey struct {
	MemberID billing.MemberID
	TabID    billing.TabID
	Month    string
}

type processedPayment struct {
	MemberID    billing.MemberID
	TabID       billing.TabID
	ClaimedAt   time.Time
	Allocated   decimal.Decimal
	AllocatedAt *time.Time
}

func NewMemory() *Memory {
	return &Memory{
		members:     make(map[billing.MemberID]billing.Member),
		tabs:        make(map[billing.TabID]billing.PaymentTab),
		balances:    make(map[billing.BalanceID]billing.MonthlyBalance),
		balanceKeys: make(map[balanceKey]billing.BalanceID),
		processed:   make(map[billing.PaymentID]processedPayment),
	}
}

func keyOf(b billing.MonthlyBalance) balanceKey {
	return balanceKey{MemberID: b.MemberID, TabID: b.TabID, Month: billing.MonthKey(b.MonthStart)}
}

// =============================================================================
// SEEDING
// =============================================================================

func (m *Memory) PutMember(member billing.Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[member.ID] = member
}

func (m *Memory) PutTab(tab billing.PaymentTab) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tabs[tab.ID] = tab
}

// PutBalance inserts or replaces a ledger row.
func (m *Memory) PutBalance(b billing.MonthlyBalance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.MonthStart = billing.MonthStart(b.MonthStart)
	m.balances[b.ID] = b
	m.balanceKeys[keyOf(b)] = b.ID
}

func (m *Memory) AddPayment(p billing.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = append(m.payments, p)
}

// Notifications returns a copy of every queued notification.
func (m *Memory) Notifications() []billing.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]billing.Notification(nil), m.notifications...)
}

// Balances returns every ledger row, oldest month first.
func (m *Memory) Balances() []billing.MonthlyBalance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]billing.MonthlyBalance, 0, len(m.balances))
	for _, b := range m.balances {
		out = append(out, b)
	}
	sortBalances(out)
	return out
}

// =============================================================================
// MEMBERS
// =============================================================================

func (m *Memory) GetMember(_ context.Context, id billing.MemberID) (*billing.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := m.members[id]
	if !ok {
		return nil, billing.ErrMemberNotFound
	}
	return &member, nil
}

func (m *Memory) ListMembers(_ context.Context) ([]billing.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]billing.Member, 0, len(m.members))
	for _, member := range m.members {
		out = append(out, member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) TransitionMember(_ context.Context, updated billing.Member, from billing.MemberStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.members[updated.ID]
	if !ok {
		return false, billing.ErrMemberNotFound
	}
	if cur.Status != from {
		return false, nil
	}
	if !billing.CanTransition(from, updated.Status) {
		return false, billing.ErrInvalidTransition
	}
	cur.Status = updated.Status
	cur.ActivatedAt = updated.ActivatedAt
	cur.FreezeReason = updated.FreezeReason
	cur.FrozenAt = updated.FrozenAt
	cur.FrozenBy = updated.FrozenBy
	cur.InactiveReason = updated.InactiveReason
	cur.DeactivatedAt = updated.DeactivatedAt
	m.members[cur.ID] = cur
	return true, nil
}

func (m *Memory) AdjustUnpaidBalance(_ context.Context, id billing.MemberID, delta decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.members[id]
	if !ok {
		return billing.ErrMemberNotFound
	}
	cur.UnpaidBalance = cur.UnpaidBalance.Add(delta)
	if cur.UnpaidBalance.IsNegative() {
		cur.UnpaidBalance = decimal.Zero
	}
	m.members[id] = cur
	return nil
}

func (m *Memory) SetTotals(_ context.Context, id billing.MemberID, totalPaid, unpaid decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.members[id]
	if !ok {
		return billing.ErrMemberNotFound
	}
	cur.TotalPaid = totalPaid
	cur.UnpaidBalance = unpaid
	m.members[id] = cur
	return nil
}

// =============================================================================
// TABS
// =============================================================================

func (m *Memory) GetTab(_ context.Context, id billing.TabID) (*billing.PaymentTab, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tab, ok := m.tabs[id]
	if !ok {
		return nil, billing.ErrTabNotFound
	}
	return &tab, nil
}

func (m *Memory) ListTabsByMember(_ context.Context, memberID billing.MemberID) ([]billing.PaymentTab, error) {
	return m.filterTabs(func(t billing.PaymentTab) bool { return t.MemberID == memberID }), nil
}

func (m *Memory) ListLedgerTabs(_ context.Context) ([]billing.PaymentTab, error) {
	return m.filterTabs(billing.PaymentTab.IsLedgerTracked), nil
}

func (m *Memory) filterTabs(keep func(billing.PaymentTab) bool) []billing.PaymentTab {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.PaymentTab
	for _, t := range m.tabs {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// BALANCES
// =============================================================================

func (m *Memory) GetBalance(_ context.Context, id billing.BalanceID) (*billing.MonthlyBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.balances[id]
	if !ok {
		return nil, billing.ErrBalanceNotFound
	}
	return &b, nil
}

func (m *Memory) ListUnsettled(_ context.Context, memberID billing.MemberID, tabID billing.TabID) ([]billing.MonthlyBalance, error) {
	return m.filterBalances(func(b billing.MonthlyBalance) bool {
		return b.MemberID == memberID && b.TabID == tabID && !b.IsSettled
	}), nil
}

func (m *Memory) ListUnclosedBefore(_ context.Context, before time.Time) ([]billing.MonthlyBalance, error) {
	return m.filterBalances(func(b billing.MonthlyBalance) bool {
		return b.ClosedAt == nil && b.MonthStart.Before(before)
	}), nil
}

func (m *Memory) ListBalancesByMember(_ context.Context, memberID billing.MemberID) ([]billing.MonthlyBalance, error) {
	return m.filterBalances(func(b billing.MonthlyBalance) bool { return b.MemberID == memberID }), nil
}

func (m *Memory) LatestBalanceMonths(_ context.Context) (map[billing.TabID]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	latest := make(map[billing.TabID]time.Time)
	for _, b := range m.balances {
		if cur, ok := latest[b.TabID]; !ok || b.MonthStart.After(cur) {
			latest[b.TabID] = b.MonthStart
		}
	}
	return latest, nil
}

func (m *Memory) CountUnsettled(_ context.Context, memberID billing.MemberID) (int, error) {
	return len(m.filterBalances(func(b billing.MonthlyBalance) bool {
		return b.MemberID == memberID && !b.IsSettled
	})), nil
}

func (m *Memory) filterBalances(keep func(billing.MonthlyBalance) bool) []billing.MonthlyBalance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.MonthlyBalance
	for _, b := range m.balances {
		if keep(b) {
			out = append(out, b)
		}
	}
	sortBalances(out)
	return out
}

func (m *Memory) UpdateBalance(_ context.Context, b billing.MonthlyBalance, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.balances[b.ID]
	if !ok {
		return billing.ErrBalanceNotFound
	}
	if cur.Version != expectedVersion {
		return billing.ErrConcurrentModification
	}
	if m.FailUpdate != nil {
		if err := m.FailUpdate(b); err != nil {
			return err
		}
	}
	b.Version = expectedVersion + 1
	b.MemberID, b.TabID, b.MonthStart = cur.MemberID, cur.TabID, cur.MonthStart
	m.balances[b.ID] = b
	return nil
}

func (m *Memory) InsertBalanceIfAbsent(_ context.Context, b billing.MonthlyBalance) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.MonthStart = billing.MonthStart(b.MonthStart)
	k := keyOf(b)
	if _, exists := m.balanceKeys[k]; exists {
		return false, nil
	}
	m.balances[b.ID] = b
	m.balanceKeys[k] = b.ID
	return true, nil
}

func sortBalances(bs []billing.MonthlyBalance) {
	sort.Slice(bs, func(i, j int) bool {
		if !bs[i].MonthStart.Equal(bs[j].MonthStart) {
			return bs[i].MonthStart.Before(bs[j].MonthStart)
		}
		return bs[i].ID < bs[j].ID
	})
}

// =============================================================================
// AUDIT LOG (append-only)
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, e billing.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, memberID billing.MemberID) ([]billing.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.AuditEntry
	for _, e := range m.audit {
		if e.MemberID == memberID {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (m *Memory) LatestCompletedPayment(_ context.Context, memberID billing.MemberID) (*billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *billing.Payment
	for i := range m.payments {
		p := m.payments[i]
		if p.MemberID != memberID || p.Status != billing.PaymentCompleted {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = &p
		}
	}
	return latest, nil
}

func (m *Memory) SumCompletedPayments(_ context.Context, memberID billing.MemberID) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := decimal.Zero
	for _, p := range m.payments {
		if p.MemberID == memberID && p.Status == billing.PaymentCompleted {
			sum = sum.Add(p.Amount)
		}
	}
	return sum, nil
}

func (m *Memory) ClaimPayment(_ context.Context, paymentID billing.PaymentID, memberID billing.MemberID, tabID billing.TabID, claimedAt, staleBefore time.Time) (billing.ClaimOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	claim := processedPayment{MemberID: memberID, TabID: tabID, ClaimedAt: claimedAt}
	p, exists := m.processed[paymentID]
	switch {
	case !exists:
		m.processed[paymentID] = claim
		return billing.ClaimAcquired, nil
	case p.AllocatedAt == nil && p.ClaimedAt.Before(staleBefore):
		m.processed[paymentID] = claim
		return billing.ClaimReclaimed, nil
	default:
		return billing.ClaimHeld, nil
	}
}

func (m *Memory) ReleasePayment(_ context.Context, paymentID billing.PaymentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processed, paymentID)
	return nil
}

func (m *Memory) MarkPaymentAllocated(_ context.Context, paymentID billing.PaymentID, allocated decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processed[paymentID]
	if !ok {
		return nil
	}
	p.Allocated = allocated
	p.AllocatedAt = &at
	m.processed[paymentID] = p
	return nil
}

// =============================================================================
// NOTIFICATION OUTBOX
// =============================================================================

func (m *Memory) EnqueueNotification(_ context.Context, n billing.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *Memory) DueNotifications(_ context.Context, now time.Time, limit int) ([]billing.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Notification
	for _, n := range m.notifications {
		if n.Status != billing.NotificationPending && n.Status != billing.NotificationFailed {
			continue
		}
		if n.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkNotificationSent(_ context.Context, id string, at time.Time) error {
	return m.updateNotification(id, func(n *billing.Notification) {
		n.Status = billing.NotificationSent
		n.Attempts++
		n.SentAt = &at
		n.LastError = ""
	})
}

func (m *Memory) MarkNotificationFailed(_ context.Context, id string, reason string, next time.Time, dead bool) error {
	return m.updateNotification(id, func(n *billing.Notification) {
		n.Status = billing.NotificationFailed
		if dead {
			n.Status = billing.NotificationDead
		}
		n.Attempts++
		n.LastError = reason
		n.NextAttemptAt = next
	})
}

func (m *Memory) updateNotification(id string, fn func(*billing.Notification)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.notifications {
		if m.notifications[i].ID == id {
			fn(&m.notifications[i])
			return nil
		}
	}
	return nil
}

// =============================================================================
// DELINQUENCY QUERY
// =============================================================================

func (m *Memory) DelinquentRows(_ context.Context, fromMonth, toMonth time.Time) ([]billing.DelinquentRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.DelinquentRow
	for _, b := range m.balances {
		if b.IsSettled || b.ClosedAt == nil || !b.UnpaidAmount.IsPositive() {
			continue
		}
		if b.MonthStart.Before(fromMonth) || !b.MonthStart.Before(toMonth) {
			continue
		}
		if tab, ok := m.tabs[b.TabID]; !ok || tab.Nature != billing.NatureCompulsory {
			continue
		}
		member := m.members[b.MemberID]
		out = append(out, billing.DelinquentRow{
			BalanceID:      b.ID,
			MemberID:       b.MemberID,
			OrganizationID: member.OrganizationID,
			UserID:         member.UserID,
			MonthStart:     b.MonthStart,
			UnpaidAmount:   b.UnpaidAmount,
		})
	}
	return out, nil
}

// =============================================================================
// RUN LOG
// =============================================================================

func (m *Memory) SaveRolloverRun(_ context.Context, run billing.RolloverRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) ListRolloverRuns(_ context.Context, limit int) ([]billing.RolloverRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]billing.RolloverRun, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		out = append(out, m.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

var _ billing.Store = (*Memory)(nil)
