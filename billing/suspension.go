package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// =============================================================================
// NON-PAYMENT SUSPENSION DETECTOR
// =============================================================================
//
// Independent of the ledger: answers "has this member paid recently", not
// "are this member's monthly balances settled". A member with no
// compulsory tabs at all is still subject to the check.

type SuspensionResult struct {
	Checked   int
	Suspended Batch[MemberID]
}

// SweepSuspensions marks inactive every member whose last completed payment
// (or, failing that, billing start) is older than SuspensionMonths.
func (e *Engine) SweepSuspensions(ctx context.Context, now time.Time) (result SuspensionResult, err error) {
	now = now.UTC()
	ctx, span := e.startSpan(ctx, "billing.sweep_suspensions")
	defer func() { endSpan(span, err) }()

	members, err := e.Store.ListMembers(ctx)
	if err != nil {
		return result, err
	}
	threshold := now.AddDate(0, -e.suspensionMonths(), 0)

	for _, m := range members {
		if m.Status == StatusSuspended || m.Status == StatusInactive {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Checked++

		suspended, err := e.checkSuspension(ctx, m, threshold, now)
		if err != nil {
			e.Log.WithField("member_id", m.ID).WithError(err).Error("suspension check failed, skipping")
			result.Suspended.Fail(string(m.ID), "suspend", err)
			continue
		}
		if suspended {
			result.Suspended.Ok(m.ID)
		}
	}

	e.metrics().suspended.Add(ctx, int64(len(result.Suspended.Done)))
	e.countFailures(ctx, "suspend", result.Suspended.Failed)
	span.SetAttributes(
		attribute.Int("members.checked", result.Checked),
		attribute.Int("members.suspended", len(result.Suspended.Done)),
	)
	return result, nil
}

func (e *Engine) checkSuspension(ctx context.Context, m Member, threshold, now time.Time) (bool, error) {
	var reason string

	last, err := e.Store.LatestCompletedPayment(ctx, m.ID)
	if err != nil {
		return false, err
	}
	if last != nil {
		if !last.CreatedAt.Before(threshold) {
			return false, nil
		}
		reason = fmt.Sprintf("no payment since %s", last.CreatedAt.UTC().Format("2006-01-02"))
	} else {
		ref, err := e.billingStart(ctx, m)
		if err != nil {
			return false, err
		}
		if ref.IsZero() || !ref.Before(threshold) {
			return false, nil
		}
		reason = fmt.Sprintf("no payment recorded since billing started on %s", ref.UTC().Format("2006-01-02"))
	}

	updated := m.WithStatus(StatusChange{To: StatusInactive, Reason: reason, At: now, By: systemActor})
	ok, err := e.Store.TransitionMember(ctx, updated, m.Status)
	if err != nil || !ok {
		return false, err
	}

	e.Log.WithFields(logrus.Fields{
		"member_id": m.ID,
		"reason":    reason,
	}).Info("member marked inactive for non-payment")

	e.notify(ctx, Notification{
		OrganizationID:  m.OrganizationID,
		RecipientUserID: m.UserID,
		MemberID:        m.ID,
		Title:           "Membership inactive",
		Message: fmt.Sprintf("Your membership is now inactive: %s. Unpaid balance: %s.",
			reason, m.UnpaidBalance.StringFixed(2)),
		Type: NotifyAccountInactive,
	}, now)
	return true, nil
}

// billingStart is the earliest creation time of an active compulsory tab,
// or the member's activation time when there is none.
func (e *Engine) billingStart(ctx context.Context, m Member) (time.Time, error) {
	tabs, err := e.Store.ListTabsByMember(ctx, m.ID)
	if err != nil {
		return time.Time{}, err
	}
	var earliest time.Time
	for _, t := range tabs {
		if !t.IsLedgerTracked() {
			continue
		}
		if earliest.IsZero() || t.CreatedAt.Before(earliest) {
			earliest = t.CreatedAt
		}
	}
	if earliest.IsZero() && m.ActivatedAt != nil {
		earliest = *m.ActivatedAt
	}
	return earliest, nil
}

func (e *Engine) suspensionMonths() int {
	if e.SuspensionMonths <= 0 {
		return DefaultSuspensionMonths
	}
	return e.SuspensionMonths
}
