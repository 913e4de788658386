/*
scheduler.go - Automated daily job scheduler

PURPOSE:
  Periodically wakes up and, once per UTC day after the configured hour,
  runs the daily billing jobs:
    1. Monthly rollover (close ended months, open current, freeze sweep)
    2. Suspension sweep
    3. Reconcile (optional)

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Remembers the last day it completed the rollover and skips until the
    next day; a failed rollover is retried on the next tick
  - Every job is idempotent, so several instances may run the same day;
    the rollover run log records each invocation

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Hour: UTC hour after which the day's jobs run (default: 0)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewJobScheduler(engine, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: manual job triggers
  - billing/rollover.go: RunMonthlyRollover
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/dues-engine/billing"
)

// JobScheduler runs the daily billing jobs.
type JobScheduler struct {
	Engine         *billing.Engine
	Log            *logrus.Entry
	CheckInterval  time.Duration
	Hour           int
	Enabled        bool
	ReconcileDaily bool

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastDay time.Time
	now     func() time.Time
}

// DailyReport is the outcome of one pass over the daily jobs.
type DailyReport struct {
	Day         time.Time
	Rollover    *billing.RolloverResult
	Suspensions *billing.SuspensionResult
	Reconcile   *billing.ReconcileResult
	Errors      []error
}

// NewJobScheduler creates a new scheduler.
func NewJobScheduler(engine *billing.Engine, log *logrus.Entry) *JobScheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &JobScheduler{
		Engine:        engine,
		Log:           log.WithField("component", "scheduler"),
		CheckInterval: time.Hour,
		Enabled:       true,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the scheduler.
func (js *JobScheduler) Start() {
	js.mu.Lock()
	defer js.mu.Unlock()

	if !js.Enabled {
		js.Log.Info("scheduler disabled, not starting")
		return
	}
	if js.ticker != nil {
		return
	}

	js.ticker = time.NewTicker(js.CheckInterval)
	js.stop = make(chan struct{})
	js.wg.Add(1)

	go js.run()

	js.Log.WithFields(logrus.Fields{
		"interval": js.CheckInterval.String(),
		"hour":     js.Hour,
	}).Info("scheduler started")
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (js *JobScheduler) Stop() {
	js.mu.Lock()
	defer js.mu.Unlock()

	if js.ticker != nil {
		js.ticker.Stop()
		close(js.stop)
		js.wg.Wait()
		js.ticker = nil
		js.Log.Info("scheduler stopped")
	}
}

func (js *JobScheduler) run() {
	defer js.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-js.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Run immediately on start
	js.checkAndProcess(ctx)

	for {
		select {
		case <-js.ticker.C:
			js.checkAndProcess(ctx)
		case <-js.stop:
			return
		}
	}
}

// checkAndProcess runs the daily jobs if they are due. Returns nil when
// nothing was due.
func (js *JobScheduler) checkAndProcess(ctx context.Context) *DailyReport {
	now := js.clock()
	day := billing.Day(now)

	if now.Hour() < js.Hour {
		return nil
	}
	if !js.lastDay.IsZero() && !day.After(js.lastDay) {
		return nil
	}

	report := js.runJobs(ctx, now)
	if report.Rollover != nil {
		js.lastDay = day
	}
	return report
}

// RunNow runs the daily jobs immediately, regardless of hour or last run.
func (js *JobScheduler) RunNow(ctx context.Context) *DailyReport {
	return js.runJobs(ctx, js.clock())
}

func (js *JobScheduler) runJobs(ctx context.Context, now time.Time) *DailyReport {
	report := &DailyReport{Day: billing.Day(now)}
	log := js.Log.WithField("day", report.Day.Format(dateLayout))

	rollover, err := js.Engine.RunMonthlyRollover(ctx, now)
	if err != nil {
		log.WithError(err).Error("rollover failed")
		report.Errors = append(report.Errors, err)
	} else {
		report.Rollover = &rollover
	}

	suspensions, err := js.Engine.SweepSuspensions(ctx, now)
	if err != nil {
		log.WithError(err).Error("suspension sweep failed")
		report.Errors = append(report.Errors, err)
	} else {
		report.Suspensions = &suspensions
	}

	if js.ReconcileDaily {
		reconciled, err := js.Engine.Reconcile(ctx, "", now)
		if err != nil {
			log.WithError(err).Error("reconcile failed")
			report.Errors = append(report.Errors, err)
		} else {
			report.Reconcile = &reconciled
		}
	}

	fields := logrus.Fields{"errors": len(report.Errors)}
	if report.Rollover != nil {
		fields["closed"] = len(report.Rollover.Closed.Done)
		fields["opened"] = len(report.Rollover.Opened.Done)
		fields["frozen"] = len(report.Rollover.Freeze.Frozen.Done)
	}
	if report.Suspensions != nil {
		fields["suspended"] = len(report.Suspensions.Suspended.Done)
	}
	log.WithFields(fields).Info("daily jobs completed")
	return report
}

// GetNextRunTime returns when the next scheduled check will occur.
func (js *JobScheduler) GetNextRunTime() time.Time {
	return js.clock().Add(js.CheckInterval)
}

func (js *JobScheduler) clock() time.Time {
	if js.now == nil {
		return time.Now().UTC()
	}
	return js.now().UTC()
}
