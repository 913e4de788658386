package billing_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/billing"
	memstore "github.com/warp/dues-engine/billing/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	testOrg    = billing.OrganizationID("org-1")
	testMember = billing.MemberID("member-1")
	testUser   = billing.UserID("user-1")
	testTab    = billing.TabID("tab-dues")
)

func month(year int, m time.Month) time.Time {
	return time.Date(year, m, 1, 0, 0, 0, 0, time.UTC)
}

func money(s string) decimal.Decimal { return billing.MustMoney(s) }

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestEngine(t testing.TB) (*billing.Engine, *memstore.Memory) {
	t.Helper()
	store := memstore.NewMemory()
	return billing.NewEngine(store, quietLog()), store
}

func seedMember(store *memstore.Memory, id billing.MemberID, status billing.MemberStatus, unpaid string) billing.Member {
	activated := month(2024, time.January)
	m := billing.Member{
		ID:             id,
		OrganizationID: testOrg,
		UserID:         billing.UserID("user-" + string(id)),
		Status:         status,
		UnpaidBalance:  money(unpaid),
		TotalPaid:      decimal.Zero,
		ActivatedAt:    &activated,
		CreatedAt:      activated,
	}
	store.PutMember(m)
	return m
}

func seedTab(store *memstore.Memory, id billing.TabID, memberID billing.MemberID, nature billing.PaymentNature, cost string, createdAt time.Time) billing.PaymentTab {
	tab := billing.PaymentTab{
		ID:             id,
		MemberID:       memberID,
		OrganizationID: testOrg,
		Name:           string(id),
		Nature:         nature,
		MonthlyCost:    money(cost),
		BillingCycle:   billing.CycleMonthly,
		IsActive:       true,
		CreatedAt:      createdAt,
	}
	store.PutTab(tab)
	return tab
}

// seedRow inserts a ledger row. A closed row with a shortfall carries it as
// UnpaidAmount, like the month close does.
func seedRow(store *memstore.Memory, id billing.BalanceID, memberID billing.MemberID, tabID billing.TabID, monthStart time.Time, required, paid string, closed bool) billing.MonthlyBalance {
	row := billing.MonthlyBalance{
		ID:             id,
		MemberID:       memberID,
		TabID:          tabID,
		OrganizationID: testOrg,
		MonthStart:     monthStart,
		RequiredAmount: money(required),
		PaidAmount:     money(paid),
		UnpaidAmount:   decimal.Zero,
		CreatedAt:      monthStart,
		UpdatedAt:      monthStart,
	}
	if row.PaidAmount.GreaterThanOrEqual(row.RequiredAmount) {
		row.IsSettled = true
		at := monthStart
		row.SettledAt = &at
	}
	if closed {
		at := billing.NextMonthStart(monthStart)
		row.ClosedAt = &at
		if !row.IsSettled {
			row.UnpaidAmount = row.RequiredAmount.Sub(row.PaidAmount)
		}
	}
	store.PutBalance(row)
	return row
}

func getRow(t testing.TB, store *memstore.Memory, id billing.BalanceID) billing.MonthlyBalance {
	t.Helper()
	for _, b := range store.Balances() {
		if b.ID == id {
			return b
		}
	}
	require.FailNow(t, "balance not found", string(id))
	return billing.MonthlyBalance{}
}

func getMember(t testing.TB, store *memstore.Memory, id billing.MemberID) billing.Member {
	t.Helper()
	m, err := store.GetMember(context.Background(), id)
	require.NoError(t, err)
	return *m
}

func assertMoney(t testing.TB, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, money(want).Equal(got), "want %s, got %s", want, got.String())
}

func notificationsOfType(store *memstore.Memory, typ billing.NotificationType) []billing.Notification {
	var out []billing.Notification
	for _, n := range store.Notifications() {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}
