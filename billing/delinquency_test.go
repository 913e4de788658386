package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/billing"
)

func delinquentRow(id string, memberID billing.MemberID, monthStart time.Time, unpaid string) billing.DelinquentRow {
	return billing.DelinquentRow{
		BalanceID:      billing.BalanceID(id),
		MemberID:       memberID,
		OrganizationID: testOrg,
		UserID:         billing.UserID("user-" + string(memberID)),
		MonthStart:     monthStart,
		UnpaidAmount:   money(unpaid),
	}
}

func TestCollapseDelinquency_LongestRunDecides(t *testing.T) {
	rows := []billing.DelinquentRow{
		delinquentRow("a1", "a", month(2024, time.June), "10"),
		delinquentRow("a2", "a", month(2024, time.August), "10"),
		delinquentRow("a3", "a", month(2024, time.September), "10"),
		delinquentRow("a4", "a", month(2024, time.October), "10"),
		delinquentRow("b1", "b", month(2024, time.September), "10"),
		delinquentRow("b2", "b", month(2024, time.October), "10"),
	}

	got := billing.CollapseDelinquency(rows, 3)

	require.Len(t, got, 1)
	assert.Equal(t, billing.MemberID("a"), got[0].MemberID)
	assert.Equal(t, 3, got[0].ConsecutiveUnpaidMonths)
	assertMoney(t, "40", got[0].TotalUnpaid)
	assert.Equal(t, billing.BalanceID("a4"), got[0].LatestBalanceID)
}

func TestCollapseDelinquency_RunAcrossYearBoundary(t *testing.T) {
	rows := []billing.DelinquentRow{
		delinquentRow("r1", "a", month(2024, time.November), "5"),
		delinquentRow("r2", "a", month(2024, time.December), "5"),
		delinquentRow("r3", "a", month(2025, time.January), "5"),
	}

	got := billing.CollapseDelinquency(rows, 3)

	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].ConsecutiveUnpaidMonths)
}

func TestCollapseDelinquency_SameMonthSeveralTabs_OneMonth(t *testing.T) {
	rows := []billing.DelinquentRow{
		delinquentRow("x1", "a", month(2025, time.January), "5"),
		delinquentRow("x2", "a", month(2025, time.January), "7"),
		delinquentRow("x3", "a", month(2025, time.February), "5"),
	}

	got := billing.CollapseDelinquency(rows, 2)

	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].ConsecutiveUnpaidMonths)
	assertMoney(t, "17", got[0].TotalUnpaid)
	assert.Equal(t, billing.BalanceID("x3"), got[0].LatestBalanceID)
}

func TestCollapseDelinquency_ZeroUnpaidRowsIgnored(t *testing.T) {
	rows := []billing.DelinquentRow{
		delinquentRow("z1", "a", month(2025, time.January), "5"),
		delinquentRow("z2", "a", month(2025, time.February), "0"),
		delinquentRow("z3", "a", month(2025, time.March), "5"),
	}

	assert.Empty(t, billing.CollapseDelinquency(rows, 2))
}

func TestCollapseDelinquency_SortedByMember(t *testing.T) {
	var rows []billing.DelinquentRow
	for _, id := range []billing.MemberID{"c", "a", "b"} {
		rows = append(rows, delinquentRow(string(id)+"1", id, month(2025, time.January), "1"))
	}

	got := billing.CollapseDelinquency(rows, 1)

	require.Len(t, got, 3)
	assert.Equal(t, []billing.MemberID{"a", "b", "c"},
		[]billing.MemberID{got[0].MemberID, got[1].MemberID, got[2].MemberID})
}
