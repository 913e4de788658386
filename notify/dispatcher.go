/*
Package notify delivers queued billing notifications.

The engine never talks to a notification service directly: freeze,
reactivation and inactivity messages are written to an outbox table and
this package drains it. A failed delivery is retried with exponential
backoff until MaxAttempts, after which the notification is marked dead.
Delivery problems never reach the billing operations that queued them.
*/
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/dues-engine/billing"
	"golang.org/x/time/rate"
)

// Sink delivers one notification to its recipient.
type Sink interface {
	Send(ctx context.Context, n billing.Notification) error
}

// Dispatcher polls the outbox and hands due notifications to a Sink.
type Dispatcher struct {
	Outbox billing.NotificationOutbox
	Sink   Sink
	Log    *logrus.Entry

	BatchSize      int
	PollInterval   time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Limiter caps the delivery rate towards the sink. Nil means unlimited.
	Limiter *rate.Limiter

	now func() time.Time
}

func NewDispatcher(outbox billing.NotificationOutbox, sink Sink, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{
		Outbox:         outbox,
		Sink:           sink,
		Log:            log.WithField("component", "notify"),
		BatchSize:      50,
		PollInterval:   10 * time.Second,
		MaxAttempts:    5,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     30 * time.Minute,
		Limiter:        rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
		now:            time.Now,
	}
}

// DispatchResult counts one pass over the outbox.
type DispatchResult struct {
	Sent   int
	Failed int
	Dead   int
}

// DispatchOnce delivers every notification due now.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	var result DispatchResult
	now := d.clock()

	due, err := d.Outbox.DueNotifications(ctx, now, d.BatchSize)
	if err != nil {
		return result, fmt.Errorf("load due notifications: %w", err)
	}

	for _, n := range due {
		if d.Limiter != nil {
			if err := d.Limiter.Wait(ctx); err != nil {
				return result, err
			}
		}

		log := d.Log.WithFields(logrus.Fields{
			"notification_id": n.ID,
			"member_id":       n.MemberID,
			"type":            n.Type,
		})

		sendErr := d.Sink.Send(ctx, n)
		if sendErr == nil {
			if err := d.Outbox.MarkNotificationSent(ctx, n.ID, d.clock()); err != nil {
				log.WithError(err).Error("notification sent but not marked")
			}
			result.Sent++
			continue
		}

		attempts := n.Attempts + 1
		dead := attempts >= d.MaxAttempts
		next := d.clock().Add(d.backoff(attempts))
		if err := d.Outbox.MarkNotificationFailed(ctx, n.ID, sendErr.Error(), next, dead); err != nil {
			log.WithError(err).Error("failed to record notification failure")
		}
		if dead {
			result.Dead++
			log.WithError(sendErr).WithField("attempts", attempts).Error("notification abandoned")
		} else {
			result.Failed++
			log.WithError(sendErr).WithField("retry_at", next).Warn("notification delivery failed")
		}
	}
	return result, nil
}

// Run dispatches every PollInterval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	d.Log.WithField("interval", d.PollInterval).Info("notification dispatcher started")
	for {
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.Log.WithError(err).Error("notification dispatch failed")
		}
		select {
		case <-ctx.Done():
			d.Log.Info("notification dispatcher stopped")
			return
		case <-ticker.C:
		}
	}
}

// backoff doubles InitialBackoff per attempt, capped at MaxBackoff.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	b := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		b *= 2
		if d.MaxBackoff > 0 && b >= d.MaxBackoff {
			return d.MaxBackoff
		}
	}
	return b
}

func (d *Dispatcher) clock() time.Time {
	if d.now == nil {
		return time.Now()
	}
	return d.now()
}
