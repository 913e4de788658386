/*
reconcile.go - Totals reconciler

PURPOSE:
  Recomputes a member's cached aggregates from ground truth, bypassing the
  ledger:

    total_paid     = sum(completed payments)
    expected_total = sum over active compulsory tabs of
                     cost * floor(days since tab creation / period length)
    unpaid_balance = max(0, expected_total - total_paid)

  Period length is 30.4375 days (monthly), 7 days (weekly), 365.25 days
  (yearly). A tab created after now contributes nothing.

  Running it twice yields the same totals; it only ever overwrites the two
  cached fields.
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type MemberTotals struct {
	MemberID       MemberID
	TotalPaid      decimal.Decimal
	UnpaidBalance  decimal.Decimal
	ExpectedTotal  decimal.Decimal
	PreviousPaid   decimal.Decimal
	PreviousUnpaid decimal.Decimal
}

// Drifted reports whether the cached values differed from the recomputed ones.
func (t MemberTotals) Drifted() bool {
	return !t.TotalPaid.Equal(t.PreviousPaid) || !t.UnpaidBalance.Equal(t.PreviousUnpaid)
}

type ReconcileResult struct {
	Members Batch[MemberTotals]
}

// ExpectedTotal projects what the member owes across their tabs as of now.
func ExpectedTotal(tabs []PaymentTab, now time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, t := range tabs {
		if !t.IsLedgerTracked() || t.CreatedAt.After(now) {
			continue
		}
		periods := decimal.NewFromInt(ElapsedPeriods(t.CreatedAt, now, t.BillingCycle))
		total = total.Add(t.MonthlyCost.Mul(periods))
	}
	return total
}

// ElapsedPeriods counts the whole billing periods from from to to. The
// arithmetic stays in integer nanoseconds so period boundaries are exact.
func ElapsedPeriods(from, to time.Time, cycle BillingCycle) int64 {
	elapsed := to.Sub(from)
	if elapsed <= 0 {
		return 0
	}
	period := cycle.PeriodDays().Mul(decimal.NewFromInt(int64(24 * time.Hour))).IntPart()
	return int64(elapsed) / period
}

// Reconcile recomputes totals for one member, or every member when
// memberID is empty.
func (e *Engine) Reconcile(ctx context.Context, memberID MemberID, now time.Time) (result ReconcileResult, err error) {
	now = now.UTC()
	ctx, span := e.startSpan(ctx, "billing.reconcile", trace.WithAttributes(
		attribute.String("member.id", string(memberID)),
	))
	defer func() { endSpan(span, err) }()

	var members []Member
	if memberID != "" {
		m, err := e.Store.GetMember(ctx, memberID)
		if err != nil {
			return result, err
		}
		members = []Member{*m}
	} else {
		members, err = e.Store.ListMembers(ctx)
		if err != nil {
			return result, err
		}
	}

	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		totals, err := e.reconcileMember(ctx, m, now)
		if err != nil {
			e.Log.WithField("member_id", m.ID).WithError(err).Error("failed to reconcile member, skipping")
			result.Members.Fail(string(m.ID), "reconcile", err)
			continue
		}
		if totals.Drifted() {
			e.Log.WithField("member_id", m.ID).WithField("previous_unpaid", totals.PreviousUnpaid.String()).
				WithField("unpaid", totals.UnpaidBalance.String()).Info("corrected cached totals")
		}
		result.Members.Ok(totals)
	}

	span.SetAttributes(attribute.Int("members.reconciled", len(result.Members.Done)))
	return result, nil
}

func (e *Engine) reconcileMember(ctx context.Context, m Member, now time.Time) (MemberTotals, error) {
	paid, err := e.Store.SumCompletedPayments(ctx, m.ID)
	if err != nil {
		return MemberTotals{}, err
	}
	tabs, err := e.Store.ListTabsByMember(ctx, m.ID)
	if err != nil {
		return MemberTotals{}, err
	}

	expected := ExpectedTotal(tabs, now)
	totals := MemberTotals{
		MemberID:       m.ID,
		TotalPaid:      paid,
		ExpectedTotal:  expected,
		UnpaidBalance:  nonNegative(expected.Sub(paid)),
		PreviousPaid:   m.TotalPaid,
		PreviousUnpaid: m.UnpaidBalance,
	}
	if err := e.Store.SetTotals(ctx, m.ID, totals.TotalPaid, totals.UnpaidBalance); err != nil {
		return MemberTotals{}, err
	}
	return totals, nil
}
