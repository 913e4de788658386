package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// ENGINE - Entry point for every billing operation
// =============================================================================

const (
	DefaultFreezeMonths     = 3
	DefaultSuspensionMonths = 3
	DefaultClaimTimeout     = 10 * time.Minute
	defaultUpdateRetries    = 3
)

// Engine runs the allocator, rollover, freeze, suspension and reconcile
// operations against a Store. It holds no mutable state between calls;
// every invocation works directly on the store.
type Engine struct {
	Store  Store
	Locker Locker
	Log    *logrus.Entry

	// FreezeMonths is the number of consecutive unpaid months that freezes
	// a member. SuspensionMonths is the payment inactivity window.
	FreezeMonths     int
	SuspensionMonths int

	// ClaimTimeout is how long an unallocated payment claim is honoured
	// before another caller may take it over.
	ClaimTimeout time.Duration

	tracer trace.Tracer
	meters *instruments
}

// NewEngine creates an engine with an in-process locker and default thresholds.
func NewEngine(store Store, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		Store:            store,
		Locker:           NewKeyedMutex(),
		Log:              log,
		FreezeMonths:     DefaultFreezeMonths,
		SuspensionMonths: DefaultSuspensionMonths,
		ClaimTimeout:     DefaultClaimTimeout,
		tracer:           otel.Tracer(instrumentationName),
		meters:           newInstruments(otel.Meter(instrumentationName)),
	}
}

func (e *Engine) startSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if e.tracer == nil {
		e.tracer = otel.Tracer(instrumentationName)
	}
	return e.tracer.Start(ctx, name, opts...)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e *Engine) claimTimeout() time.Duration {
	if e.ClaimTimeout <= 0 {
		return DefaultClaimTimeout
	}
	return e.ClaimTimeout
}

func (e *Engine) lock(ctx context.Context, memberID MemberID, tabID TabID) (func(), error) {
	if e.Locker == nil {
		return func() {}, nil
	}
	return e.Locker.Lock(ctx, LedgerKey(memberID, tabID))
}

// audit appends an audit entry. Audit failures never undo the mutation.
func (e *Engine) audit(ctx context.Context, entry AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if err := e.Store.AppendAudit(ctx, entry); err != nil {
		e.Log.WithFields(logrus.Fields{
			"balance_id": entry.BalanceID,
			"member_id":  entry.MemberID,
			"action":     entry.Action,
		}).WithError(err).Error("failed to append audit entry")
	}
}

// notify queues a notification. Queueing failures are logged only.
func (e *Engine) notify(ctx context.Context, n Notification, now time.Time) {
	n.ID = uuid.NewString()
	n.Status = NotificationPending
	n.NextAttemptAt = now
	n.CreatedAt = now
	if err := e.Store.EnqueueNotification(ctx, n); err != nil {
		e.Log.WithFields(logrus.Fields{
			"member_id": n.MemberID,
			"type":      n.Type,
		}).WithError(err).Warn("failed to queue notification")
	}
}

// adjustUnpaid maintains the cached unpaid balance. Failures are logged;
// the Reconciler heals the drift.
func (e *Engine) adjustUnpaid(ctx context.Context, memberID MemberID, delta decimal.Decimal) {
	if delta.IsZero() {
		return
	}
	if err := e.Store.AdjustUnpaidBalance(ctx, memberID, delta); err != nil {
		e.Log.WithFields(logrus.Fields{
			"member_id": memberID,
			"delta":     delta.String(),
		}).WithError(err).Error("failed to update cached unpaid balance")
	}
}

// updateWithRetry re-reads the row on version conflicts and re-applies
// mutate, up to defaultUpdateRetries times. mutate returns false when the
// fresh row no longer needs the change.
func (e *Engine) updateWithRetry(ctx context.Context, row MonthlyBalance, mutate func(MonthlyBalance) (MonthlyBalance, bool)) (before, after MonthlyBalance, changed bool, err error) {
	current := row
	for attempt := 0; attempt < defaultUpdateRetries; attempt++ {
		next, ok := mutate(current)
		if !ok {
			return current, current, false, nil
		}
		err = e.Store.UpdateBalance(ctx, next, current.Version)
		if err == nil {
			next.Version = current.Version + 1
			return current, next, true, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return current, current, false, err
		}
		fresh, gerr := e.Store.GetBalance(ctx, row.ID)
		if gerr != nil {
			return current, current, false, gerr
		}
		current = *fresh
	}
	return current, current, false, err
}
