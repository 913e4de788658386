/*
freeze.go - Delinquency and freeze state machine

STATES:
  active --(N consecutive unpaid months)--> frozen
  frozen --(no unsettled balances left)---> active

  Freezing is idempotent: an already frozen member is neither re-frozen nor
  re-notified. Unfreezing is a silent no-op when its precondition fails.

SEE ALSO:
  - delinquency.go: CollapseDelinquency (the freeze candidate query)
  - allocator.go: calls TryUnfreeze after every allocation
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const systemActor = "system"

type FreezeResult struct {
	Candidates    int
	Frozen        Batch[MemberID]
	AlreadyFrozen int
	Skipped       int // not in a freezable status
}

// FindDelinquent returns members with FreezeMonths or more consecutive
// unpaid months in the window [MonthStart(now - FreezeMonths), MonthStart(now)).
func (e *Engine) FindDelinquent(ctx context.Context, now time.Time) ([]DelinquencyCandidate, error) {
	months := e.freezeMonths()
	cutoff := MonthStart(now.UTC().AddDate(0, -months, 0))
	rows, err := e.Store.DelinquentRows(ctx, cutoff, MonthStart(now))
	if err != nil {
		return nil, err
	}
	return CollapseDelinquency(rows, months), nil
}

// SweepDelinquency freezes every delinquent member that is not yet frozen.
func (e *Engine) SweepDelinquency(ctx context.Context, now time.Time) (result FreezeResult, err error) {
	now = now.UTC()
	ctx, span := e.startSpan(ctx, "billing.sweep_delinquency")
	defer func() { endSpan(span, err) }()

	candidates, err := e.FindDelinquent(ctx, now)
	if err != nil {
		return result, err
	}
	result.Candidates = len(candidates)

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		frozen, err := e.freeze(ctx, c, now)
		switch {
		case err != nil:
			e.Log.WithField("member_id", c.MemberID).WithError(err).Error("failed to freeze member, skipping")
			result.Frozen.Fail(string(c.MemberID), "freeze", err)
		case frozen == freezeApplied:
			result.Frozen.Ok(c.MemberID)
		case frozen == freezeAlready:
			result.AlreadyFrozen++
		default:
			result.Skipped++
		}
	}

	e.metrics().frozen.Add(ctx, int64(len(result.Frozen.Done)))
	e.countFailures(ctx, "freeze", result.Frozen.Failed)
	span.SetAttributes(
		attribute.Int("candidates", result.Candidates),
		attribute.Int("frozen", len(result.Frozen.Done)),
	)
	return result, nil
}

type freezeOutcome int

const (
	freezeApplied freezeOutcome = iota
	freezeAlready
	freezeSkipped
)

func (e *Engine) freeze(ctx context.Context, c DelinquencyCandidate, now time.Time) (freezeOutcome, error) {
	member, err := e.Store.GetMember(ctx, c.MemberID)
	if err != nil {
		return freezeSkipped, err
	}
	if member.Status == StatusFrozen {
		return freezeAlready, nil
	}
	if member.Status != StatusActive && member.Status != StatusPending {
		return freezeSkipped, nil
	}

	reason := fmt.Sprintf("%d consecutive unpaid months (%s outstanding)",
		c.ConsecutiveUnpaidMonths, c.TotalUnpaid.StringFixed(2))
	updated := member.WithStatus(StatusChange{To: StatusFrozen, Reason: reason, At: now, By: systemActor})

	ok, err := e.Store.TransitionMember(ctx, updated, member.Status)
	if err != nil {
		return freezeSkipped, err
	}
	if !ok {
		// Status moved underneath us; the next sweep re-evaluates.
		return freezeSkipped, nil
	}

	e.Log.WithFields(logrus.Fields{
		"member_id": c.MemberID,
		"months":    c.ConsecutiveUnpaidMonths,
		"unpaid":    c.TotalUnpaid.String(),
	}).Info("member frozen for delinquency")

	e.notify(ctx, Notification{
		OrganizationID:  c.OrganizationID,
		RecipientUserID: c.UserID,
		MemberID:        c.MemberID,
		Title:           "Account frozen",
		Message: fmt.Sprintf("Your membership has been frozen after %d consecutive unpaid months. Outstanding balance: %s.",
			c.ConsecutiveUnpaidMonths, c.TotalUnpaid.StringFixed(2)),
		Type: NotifyAccountFrozen,
	}, now)

	e.audit(ctx, AuditEntry{
		BalanceID:    c.LatestBalanceID,
		MemberID:     c.MemberID,
		Action:       AuditFreezeTriggered,
		UnpaidBefore: c.TotalUnpaid,
		UnpaidAfter:  c.TotalUnpaid,
		Metadata: map[string]string{
			"consecutive_unpaid_months": fmt.Sprint(c.ConsecutiveUnpaidMonths),
			"previous_status":           string(member.Status),
			"reason":                    reason,
		},
		CreatedAt: now,
	})
	return freezeApplied, nil
}

// TryUnfreeze reactivates a frozen member who has no unsettled balances.
// Returns false, with no error, when the member isn't frozen or still owes.
func (e *Engine) TryUnfreeze(ctx context.Context, memberID MemberID, now time.Time) (unfrozen bool, err error) {
	ctx, span := e.startSpan(ctx, "billing.try_unfreeze", trace.WithAttributes(
		attribute.String("member.id", string(memberID)),
	))
	defer func() { endSpan(span, err) }()

	member, err := e.Store.GetMember(ctx, memberID)
	if err != nil {
		return false, err
	}
	if member.Status != StatusFrozen {
		return false, nil
	}

	open, err := e.Store.CountUnsettled(ctx, memberID)
	if err != nil {
		return false, err
	}
	if open > 0 {
		return false, nil
	}

	updated := member.WithStatus(StatusChange{To: StatusActive, At: now.UTC(), By: systemActor})
	ok, err := e.Store.TransitionMember(ctx, updated, StatusFrozen)
	if err != nil || !ok {
		return false, err
	}

	e.Log.WithField("member_id", memberID).Info("member unfrozen")
	e.notify(ctx, Notification{
		OrganizationID:  member.OrganizationID,
		RecipientUserID: member.UserID,
		MemberID:        memberID,
		Title:           "Account reactivated",
		Message:         "All outstanding balances are settled. Your membership is active again.",
		Type:            NotifyAccountReactivated,
	}, now.UTC())
	return true, nil
}

func (e *Engine) freezeMonths() int {
	if e.FreezeMonths <= 0 {
		return DefaultFreezeMonths
	}
	return e.FreezeMonths
}
