package billing

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// DelinquentRow is one closed, unsettled, unpaid ledger row joined with the
// member's organization and user.
type DelinquentRow struct {
	BalanceID      BalanceID
	MemberID       MemberID
	OrganizationID OrganizationID
	UserID         UserID
	MonthStart     time.Time
	UnpaidAmount   decimal.Decimal
}

// DelinquencyCandidate is a member that meets the freeze threshold.
type DelinquencyCandidate struct {
	MemberID                MemberID
	OrganizationID          OrganizationID
	UserID                  UserID
	ConsecutiveUnpaidMonths int
	TotalUnpaid             decimal.Decimal
	LatestBalanceID         BalanceID
}

// CollapseDelinquency groups rows per member and keeps the members whose
// longest run of consecutive unpaid calendar months reaches threshold.
// Several tabs unpaid in the same month count as one month.
func CollapseDelinquency(rows []DelinquentRow, threshold int) []DelinquencyCandidate {
	type acc struct {
		cand   DelinquencyCandidate
		latest time.Time
		months map[int]bool
	}
	byMember := make(map[MemberID]*acc)

	for _, r := range rows {
		if !r.UnpaidAmount.IsPositive() {
			continue
		}
		a, ok := byMember[r.MemberID]
		if !ok {
			a = &acc{
				cand: DelinquencyCandidate{
					MemberID:       r.MemberID,
					OrganizationID: r.OrganizationID,
					UserID:         r.UserID,
					TotalUnpaid:    decimal.Zero,
				},
				months: make(map[int]bool),
			}
			byMember[r.MemberID] = a
		}
		a.cand.TotalUnpaid = a.cand.TotalUnpaid.Add(r.UnpaidAmount)
		a.months[monthIndex(r.MonthStart)] = true
		if a.cand.LatestBalanceID == "" || r.MonthStart.After(a.latest) ||
			(r.MonthStart.Equal(a.latest) && r.BalanceID > a.cand.LatestBalanceID) {
			a.latest = r.MonthStart
			a.cand.LatestBalanceID = r.BalanceID
		}
	}

	var out []DelinquencyCandidate
	for _, a := range byMember {
		a.cand.ConsecutiveUnpaidMonths = longestRun(a.months)
		if a.cand.ConsecutiveUnpaidMonths >= threshold {
			out = append(out, a.cand)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out
}

func longestRun(months map[int]bool) int {
	best := 0
	for m := range months {
		if months[m-1] {
			continue // not the start of a run
		}
		n := 1
		for months[m+n] {
			n++
		}
		if n > best {
			best = n
		}
	}
	return best
}
