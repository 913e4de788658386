/*
rollover.go - Monthly rollover job

PURPOSE:
  Runs once per day. Closes every ledger month that has ended, opens the
  current month for every active compulsory tab, then sweeps for
  delinquent members. The order is mandatory: the close produces the
  unpaid months that the delinquency sweep counts.

STEPS:
  0. Backfill: months that ended while the job was not running get their
     rows now, from the month after each tab's newest row up to the month
     before the current one, so Step A closes them like any other month.
  A. Close: every unclosed row with month_start before the current month.
     A shortfall becomes UnpaidAmount (and is added to the member's cached
     UnpaidBalance); a fully paid row is settled. Optional-tab rows are
     skipped. Rows are stamped ClosedAt and never closed twice, which makes
     repeated and late (catch-up) runs safe.
  B. Open: insert-if-absent one row per active compulsory tab for the
     current month.
  C. Delinquency sweep (freeze.go).

FAILURE POLICY:
  Per-row and per-tab failures are recorded in the result and the loop
  continues. Context cancellation stops the run between items.
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type RolloverResult struct {
	RunID      string
	MonthStart time.Time

	Closed      Batch[BalanceID] // rows closed (carried or settled)
	Carried     int              // closed with a shortfall
	Settled     int              // closed fully paid
	Opened      Batch[BalanceID] // rows created (current month and backfill)
	Backfilled  int              // of Opened, rows for months already ended
	AlreadyOpen int
	Freeze      FreezeResult
}

// Failures returns every item error of the run.
func (r RolloverResult) Failures() []ItemError {
	var out []ItemError
	out = append(out, r.Closed.Failed...)
	out = append(out, r.Opened.Failed...)
	out = append(out, r.Freeze.Frozen.Failed...)
	return out
}

// RunMonthlyRollover closes ended months, opens the current month and runs
// the delinquency sweep. Safe to run many times per day.
func (e *Engine) RunMonthlyRollover(ctx context.Context, now time.Time) (result RolloverResult, err error) {
	now = now.UTC()
	current := MonthStart(now)

	ctx, span := e.startSpan(ctx, "billing.rollover", trace.WithAttributes(
		attribute.String("month.start", MonthKey(current)),
	))
	defer func() { endSpan(span, err) }()

	result = RolloverResult{RunID: uuid.NewString(), MonthStart: current}
	run := RolloverRun{
		ID:         result.RunID,
		Day:        Day(now),
		MonthStart: current,
		Status:     RunRunning,
		StartedAt:  now,
	}
	e.saveRun(ctx, run)

	log := e.Log.WithFields(logrus.Fields{"run_id": result.RunID, "month": MonthKey(current)})

	defer func() {
		completed := time.Now().UTC()
		run.CompletedAt = &completed
		run.Closed = len(result.Closed.Done)
		run.Opened = len(result.Opened.Done)
		run.Frozen = len(result.Freeze.Frozen.Done)
		run.Failures = len(result.Failures())
		switch {
		case err != nil:
			run.Status = RunFailed
			run.Error = err.Error()
		case run.Failures > 0:
			run.Status = RunPartial
		default:
			run.Status = RunCompleted
		}
		e.saveRun(context.WithoutCancel(ctx), run)
		log.WithFields(logrus.Fields{
			"closed":   run.Closed,
			"opened":   run.Opened,
			"frozen":   run.Frozen,
			"failures": run.Failures,
		}).Info("rollover finished")
	}()

	tabs, err := e.Store.ListLedgerTabs(ctx)
	if err != nil {
		return result, fmt.Errorf("list ledger tabs: %w", err)
	}

	// Step 0
	if err = e.backfillMissedMonths(ctx, tabs, current, now, &result); err != nil {
		return result, fmt.Errorf("backfill missed months: %w", err)
	}

	// Step A
	if err = e.closeEndedMonths(ctx, current, now, &result); err != nil {
		return result, fmt.Errorf("close ended months: %w", err)
	}

	// Step B
	if err = e.openMonth(ctx, tabs, current, now, &result); err != nil {
		return result, fmt.Errorf("open month %s: %w", MonthKey(current), err)
	}

	// Step C
	result.Freeze, err = e.SweepDelinquency(ctx, now)
	if err != nil {
		return result, fmt.Errorf("delinquency sweep: %w", err)
	}

	m := e.metrics()
	m.rowsClosed.Add(ctx, int64(len(result.Closed.Done)))
	m.rowsOpened.Add(ctx, int64(len(result.Opened.Done)))
	e.countFailures(ctx, "close", result.Closed.Failed)
	e.countFailures(ctx, "open", result.Opened.Failed)
	span.SetAttributes(
		attribute.Int("rows.closed", len(result.Closed.Done)),
		attribute.Int("rows.opened", len(result.Opened.Done)),
	)
	return result, nil
}

func (e *Engine) closeEndedMonths(ctx context.Context, current, now time.Time, result *RolloverResult) error {
	rows, err := e.Store.ListUnclosedBefore(ctx, current)
	if err != nil {
		return err
	}

	tabs := make(map[TabID]*PaymentTab)
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}

		tab, ok := tabs[row.TabID]
		if !ok {
			tab, err = e.Store.GetTab(ctx, row.TabID)
			if err != nil {
				result.Closed.Fail(string(row.ID), "close", err)
				continue
			}
			tabs[row.TabID] = tab
		}
		if tab.Nature != NatureCompulsory {
			continue
		}

		carried, closed, err := e.closeRow(ctx, row, now)
		if err != nil {
			e.Log.WithFields(logrus.Fields{
				"balance_id": row.ID,
				"member_id":  row.MemberID,
			}).WithError(err).Error("failed to close balance, skipping")
			result.Closed.Fail(string(row.ID), "close", err)
			continue
		}
		if !closed {
			continue
		}
		result.Closed.Ok(row.ID)
		if carried {
			result.Carried++
		} else {
			result.Settled++
		}
	}
	return nil
}

// closeRow closes one row under the ledger lock. carried reports a shortfall.
func (e *Engine) closeRow(ctx context.Context, row MonthlyBalance, now time.Time) (carried, closed bool, err error) {
	unlock, err := e.lock(ctx, row.MemberID, row.TabID)
	if err != nil {
		return false, false, err
	}
	defer unlock()

	before, after, changed, err := e.updateWithRetry(ctx, row, func(cur MonthlyBalance) (MonthlyBalance, bool) {
		if cur.IsClosed() {
			return cur, false
		}
		next := cur
		at := now
		next.ClosedAt = &at
		next.UpdatedAt = now
		if shortfall := cur.RequiredAmount.Sub(cur.PaidAmount); shortfall.IsPositive() {
			next.UnpaidAmount = shortfall
			next.IsSettled = false
			next.SettledAt = nil
		} else {
			next.UnpaidAmount = decimal.Zero
			if !cur.IsSettled {
				next.IsSettled = true
				next.SettledAt = &at
			}
		}
		return next, true
	})
	if err != nil || !changed {
		return false, false, err
	}

	if after.UnpaidAmount.IsPositive() {
		e.audit(ctx, AuditEntry{
			BalanceID:    after.ID,
			MemberID:     after.MemberID,
			Action:       AuditBalanceRollover,
			UnpaidBefore: before.UnpaidAmount,
			UnpaidAfter:  after.UnpaidAmount,
			Metadata: map[string]string{
				"month_start":     MonthKey(after.MonthStart),
				"required_amount": after.RequiredAmount.String(),
				"paid_amount":     after.PaidAmount.String(),
			},
			CreatedAt: now,
		})
		e.adjustUnpaid(ctx, after.MemberID, after.UnpaidAmount)
		return true, true, nil
	}
	return false, true, nil
}

func (e *Engine) backfillMissedMonths(ctx context.Context, tabs []PaymentTab, current, now time.Time, result *RolloverResult) error {
	latest, err := e.Store.LatestBalanceMonths(ctx)
	if err != nil {
		return err
	}

	for _, tab := range tabs {
		if !tab.IsLedgerTracked() {
			continue
		}
		// A tab with no rows yet starts at the current month.
		last, ok := latest[tab.ID]
		if !ok {
			continue
		}
		for m := NextMonthStart(last); m.Before(current); m = NextMonthStart(m) {
			if err := ctx.Err(); err != nil {
				return err
			}
			created, ok := e.insertMonth(ctx, tab, m, now, result)
			if ok && created {
				result.Backfilled++
			}
		}
	}
	return nil
}

func (e *Engine) openMonth(ctx context.Context, tabs []PaymentTab, current, now time.Time, result *RolloverResult) error {
	for _, tab := range tabs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !tab.IsLedgerTracked() {
			continue
		}
		created, ok := e.insertMonth(ctx, tab, current, now, result)
		if ok && !created {
			result.AlreadyOpen++
		}
	}
	return nil
}

// insertMonth creates the tab's row for monthStart unless it exists. ok is
// false when the insert failed; the failure is recorded in result.
func (e *Engine) insertMonth(ctx context.Context, tab PaymentTab, monthStart, now time.Time, result *RolloverResult) (created, ok bool) {
	row := MonthlyBalance{
		ID:             BalanceID(uuid.NewString()),
		MemberID:       tab.MemberID,
		TabID:          tab.ID,
		OrganizationID: tab.OrganizationID,
		MonthStart:     monthStart,
		RequiredAmount: tab.MonthlyCost,
		PaidAmount:     decimal.Zero,
		UnpaidAmount:   decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	created, err := e.Store.InsertBalanceIfAbsent(ctx, row)
	if err != nil {
		e.Log.WithFields(logrus.Fields{
			"tab_id":    tab.ID,
			"member_id": tab.MemberID,
			"month":     MonthKey(monthStart),
		}).WithError(err).Error("failed to open monthly balance, skipping")
		result.Opened.Fail(string(tab.ID), "open", err)
		return false, false
	}
	if created {
		result.Opened.Ok(row.ID)
	}
	return created, true
}

func (e *Engine) saveRun(ctx context.Context, run RolloverRun) {
	if err := e.Store.SaveRolloverRun(ctx, run); err != nil {
		e.Log.WithField("run_id", run.ID).WithError(err).Warn("failed to record rollover run")
	}
}
