/*
allocator.go - Payment allocation across unsettled monthly balances

PURPOSE:
  Distributes a completed payment over a member's unsettled ledger rows for
  one tab, oldest month first. Members always pay down the oldest debt
  before anything is applied to a newer month.

ALGORITHM (per row, while remaining > 0):
  owed    = required - paid
  applied = min(remaining, owed)
  paid   += applied
  unpaid  = max(0, owed - applied)
  settled = paid >= required

CACHED AGGREGATE:
  Only closed rows are counted in Member.UnpaidBalance. When a payment
  reduces a closed row's unpaid amount, the cache is decremented by the
  reduction; on settlement that is exactly the row's previous unpaid amount.

EXACTLY ONCE:
  A processed-payment marker keyed by payment ID is claimed before the
  ledger is touched and marked allocated after the walk. A replay is a
  no-op reported as Duplicate. Once the ledger lock is held the walk runs
  to completion even if the caller's context is cancelled. A claim left
  unallocated for longer than Engine.ClaimTimeout (a crashed owner) is
  taken over, and whatever the audit log shows the earlier owner applied
  is deducted first.

FAILURE POLICY:
  A failed row update is logged and skipped; allocation continues with the
  next row. Unapplied money stays in Remaining, so
  PreviouslyApplied + sum(applied) + Remaining == Amount always holds.
*/
package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AllocateInput is the payload of the Allocate trigger.
type AllocateInput struct {
	MemberID       MemberID
	TabID          TabID
	PaymentID      PaymentID
	OrganizationID OrganizationID
	Amount         decimal.Decimal
	At             time.Time
}

// Validate rejects malformed input before any mutation.
func (in AllocateInput) Validate() error {
	switch {
	case strings.TrimSpace(string(in.MemberID)) == "":
		return &ValidationError{Field: "member_id", Message: "required"}
	case strings.TrimSpace(string(in.TabID)) == "":
		return &ValidationError{Field: "tab_id", Message: "required"}
	case strings.TrimSpace(string(in.PaymentID)) == "":
		return &ValidationError{Field: "payment_id", Message: "required"}
	case !in.Amount.IsPositive():
		return &ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	return nil
}

// Allocation is the portion of a payment applied to one ledger row.
type Allocation struct {
	BalanceID     BalanceID
	MonthStart    time.Time
	AmountApplied decimal.Decimal
	Settled       bool
}

type AllocationResult struct {
	PaymentID      PaymentID
	MemberID       MemberID
	TabID          TabID
	AllocatedTotal decimal.Decimal
	Remaining      decimal.Decimal
	Allocations    []Allocation

	// PreviouslyApplied is what an abandoned earlier attempt of this
	// payment had already applied.
	PreviouslyApplied decimal.Decimal
	Failures       []ItemError

	// Tracked is false for optional tabs, which never enter the ledger.
	Tracked bool
	// Duplicate is true when the payment had already been allocated.
	Duplicate bool
	// Unfrozen is true when this payment reactivated a frozen member.
	Unfrozen bool
}

// Allocate applies a completed payment to the member's unsettled balances
// for the tab, oldest month first.
func (e *Engine) Allocate(ctx context.Context, in AllocateInput) (result AllocationResult, err error) {
	ctx, span := e.startSpan(ctx, "billing.allocate", trace.WithAttributes(
		attribute.String("member.id", string(in.MemberID)),
		attribute.String("tab.id", string(in.TabID)),
		attribute.String("payment.id", string(in.PaymentID)),
		attribute.String("payment.amount", in.Amount.String()),
	))
	defer func() { endSpan(span, err) }()

	result = AllocationResult{
		PaymentID:      in.PaymentID,
		MemberID:       in.MemberID,
		TabID:          in.TabID,
		AllocatedTotal: decimal.Zero,
		Remaining:      in.Amount,
	}

	if err := in.Validate(); err != nil {
		return result, err
	}
	if in.At.IsZero() {
		in.At = time.Now().UTC()
	}

	tab, err := e.Store.GetTab(ctx, in.TabID)
	if err != nil {
		return result, err
	}
	if tab.MemberID != in.MemberID {
		return result, &ValidationError{Field: "tab_id", Message: "tab does not belong to member"}
	}
	if tab.Nature != NatureCompulsory {
		return result, nil
	}
	result.Tracked = true

	if err := ctx.Err(); err != nil {
		return result, err
	}
	claimedAt := time.Now().UTC()
	outcome, err := e.Store.ClaimPayment(ctx, in.PaymentID, in.MemberID, in.TabID, claimedAt, claimedAt.Add(-e.claimTimeout()))
	if err != nil {
		return result, err
	}
	if outcome == ClaimHeld {
		result.Duplicate = true
		e.Log.WithField("payment_id", in.PaymentID).Info("payment already allocated, skipping")
		return result, nil
	}

	log := e.Log.WithFields(logrus.Fields{
		"member_id":  in.MemberID,
		"tab_id":     in.TabID,
		"payment_id": in.PaymentID,
	})

	// From here on the claim must be resolved whatever happens to the caller.
	settle := context.WithoutCancel(ctx)

	unlock, err := e.lock(ctx, in.MemberID, in.TabID)
	if err != nil {
		if outcome == ClaimAcquired {
			e.release(settle, in.PaymentID)
		}
		return result, err
	}
	defer unlock()

	if outcome == ClaimReclaimed {
		earlier, err := e.appliedBy(settle, in.MemberID, in.PaymentID)
		if err != nil {
			// The claim is left to go stale again.
			return result, err
		}
		result.PreviouslyApplied = minMoney(earlier, in.Amount)
		result.Remaining = in.Amount.Sub(result.PreviouslyApplied)
		log.WithField("previously_applied", result.PreviouslyApplied.String()).Warn("took over an abandoned payment claim")
	}

	rows, err := e.Store.ListUnsettled(settle, in.MemberID, in.TabID)
	if err != nil {
		if result.PreviouslyApplied.IsZero() {
			e.release(settle, in.PaymentID)
		}
		return result, err
	}

	for _, row := range rows {
		if !result.Remaining.IsPositive() {
			break
		}

		alloc, ok, err := e.applyToRow(settle, row, in, result.Remaining)
		if err != nil {
			log.WithField("balance_id", row.ID).WithError(err).Error("failed to apply payment to balance, skipping")
			result.Failures = append(result.Failures, ItemError{Item: string(row.ID), Op: "allocate", Err: err})
			continue
		}
		if !ok {
			continue
		}
		result.Allocations = append(result.Allocations, alloc)
		result.AllocatedTotal = result.AllocatedTotal.Add(alloc.AmountApplied)
		result.Remaining = result.Remaining.Sub(alloc.AmountApplied)
	}

	if len(result.Allocations) == 0 && len(result.Failures) > 0 && result.PreviouslyApplied.IsZero() {
		// Nothing reached the ledger; let a retry of this payment through.
		e.release(settle, in.PaymentID)
	} else if err := e.Store.MarkPaymentAllocated(settle, in.PaymentID, result.PreviouslyApplied.Add(result.AllocatedTotal), time.Now().UTC()); err != nil {
		log.WithError(err).Warn("failed to mark payment allocated")
	}

	if result.Remaining.IsPositive() {
		log.WithField("remaining", result.Remaining.String()).Info("payment exceeds outstanding balances")
	}

	unfrozen, uerr := e.TryUnfreeze(settle, in.MemberID, in.At)
	if uerr != nil {
		log.WithError(uerr).Warn("unfreeze check failed after allocation")
	}
	result.Unfrozen = unfrozen

	amount, _ := result.AllocatedTotal.Float64()
	e.metrics().allocated.Add(settle, amount)
	e.countFailures(settle, "allocate", result.Failures)
	span.SetAttributes(
		attribute.String("allocated.total", result.AllocatedTotal.String()),
		attribute.Int("allocations", len(result.Allocations)),
		attribute.Int("failures", len(result.Failures)),
	)
	return result, nil
}

// applyToRow applies up to remaining to one row. ok is false when the fresh
// row turned out to need nothing.
func (e *Engine) applyToRow(ctx context.Context, row MonthlyBalance, in AllocateInput, remaining decimal.Decimal) (Allocation, bool, error) {
	var applied decimal.Decimal

	before, after, changed, err := e.updateWithRetry(ctx, row, func(cur MonthlyBalance) (MonthlyBalance, bool) {
		if cur.IsSettled {
			return cur, false
		}
		owed := cur.Owed()
		applied = minMoney(remaining, owed)

		next := cur
		next.PaidAmount = cur.PaidAmount.Add(applied)
		next.UnpaidAmount = nonNegative(owed.Sub(applied))
		if !cur.IsClosed() {
			// An open month owes nothing until it is closed.
			next.UnpaidAmount = decimal.Zero
		}
		next.IsSettled = next.PaidAmount.GreaterThanOrEqual(next.RequiredAmount)
		if next.IsSettled {
			at := in.At
			next.SettledAt = &at
			next.UnpaidAmount = decimal.Zero
		}
		next.UpdatedAt = in.At
		return next, true
	})
	if err != nil || !changed {
		return Allocation{}, false, err
	}

	e.audit(ctx, AuditEntry{
		BalanceID:    after.ID,
		MemberID:     after.MemberID,
		Action:       AuditPaymentApplied,
		UnpaidBefore: before.UnpaidAmount,
		UnpaidAfter:  after.UnpaidAmount,
		Metadata: map[string]string{
			"payment_id":     string(in.PaymentID),
			"amount_applied": applied.String(),
			"month_start":    MonthKey(after.MonthStart),
			"settled":        boolString(after.IsSettled),
		},
		CreatedAt: in.At,
	})

	if before.IsClosed() && before.UnpaidAmount.GreaterThan(after.UnpaidAmount) {
		e.adjustUnpaid(ctx, after.MemberID, after.UnpaidAmount.Sub(before.UnpaidAmount))
	}

	return Allocation{
		BalanceID:     after.ID,
		MonthStart:    after.MonthStart,
		AmountApplied: applied,
		Settled:       after.IsSettled,
	}, true, nil
}

// appliedBy sums what earlier attempts of a payment applied, as recorded in
// the audit log.
func (e *Engine) appliedBy(ctx context.Context, memberID MemberID, paymentID PaymentID) (decimal.Decimal, error) {
	entries, err := e.Store.ListAudit(ctx, memberID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, entry := range entries {
		if entry.Action != AuditPaymentApplied || entry.Metadata["payment_id"] != string(paymentID) {
			continue
		}
		amount, err := decimal.NewFromString(entry.Metadata["amount_applied"])
		if err != nil {
			return decimal.Zero, fmt.Errorf("audit entry %s: %w", entry.ID, err)
		}
		total = total.Add(amount)
	}
	return total, nil
}

func (e *Engine) release(ctx context.Context, paymentID PaymentID) {
	if err := e.Store.ReleasePayment(ctx, paymentID); err != nil {
		e.Log.WithField("payment_id", paymentID).WithError(err).Error("failed to release payment marker")
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
