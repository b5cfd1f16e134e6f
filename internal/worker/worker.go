// Package worker runs the background ticks: flushing closed coalesce
// buckets, firing batch windows at their configured wall-clock times,
// and the daily digest. Transient failures are retried here with
// bounded backoff; the pipeline never retries internally.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"infosentry/internal/coalesce"
	"infosentry/internal/config"
	"infosentry/internal/models"
	"infosentry/pkg/logging"
)

const (
	flushInterval = 30 * time.Second
	clockInterval = time.Minute
)

type bufferAPI interface {
	DueKeys(ctx context.Context, now time.Time) ([]string, error)
	Flush(ctx context.Context, key string) ([]coalesce.Entry, error)
}

type deliverer interface {
	SendImmediate(ctx context.Context, goalID string, entries []coalesce.Entry) error
	SendBatch(ctx context.Context, goalID string, limit int) error
	SendDigest(ctx context.Context, goalID string, limit int) error
}

type triggerRunner interface {
	RunBatchWindow(ctx context.Context, goalID string, windowTime time.Time) (*models.RunRecord, error)
	RunDigest(ctx context.Context, goalID string) (*models.RunRecord, error)
}

type goalLister interface {
	GetActive(ctx context.Context) ([]*models.Goal, error)
}

type budgetSource interface {
	Snapshot(ctx context.Context) (*models.BudgetSnapshot, error)
}

type budgetAudit interface {
	UpsertDaily(ctx context.Context, snap *models.BudgetSnapshot) error
}

// Workers owns the background tick loops.
type Workers struct {
	buffer   bufferAPI
	notifier deliverer
	runner   triggerRunner
	goals    goalLister
	cfg      config.Config
	logger   logging.Logger
	retry    retrypolicy.RetryPolicy[any]
	now      func() time.Time

	budget       budgetSource
	budgetSink   budgetAudit
	mirroredHour string

	mu          sync.Mutex
	firedWindow map[string]string
	digestDay   string

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(buffer bufferAPI, notifier deliverer, runner triggerRunner, goals goalLister, cfg config.Config, logger logging.Logger) *Workers {
	return &Workers{
		buffer:   buffer,
		notifier: notifier,
		runner:   runner,
		goals:    goals,
		cfg:      cfg,
		logger:   logger,
		retry: retrypolicy.NewBuilder[any]().
			WithBackoff(time.Second, 30*time.Second).
			WithJitterFactor(0.2).
			WithMaxRetries(3).
			Build(),
		now:         time.Now,
		firedWindow: make(map[string]string),
		stop:        make(chan struct{}),
	}
}

// SetClock overrides the worker clock. Test hook.
func (w *Workers) SetClock(now func() time.Time) {
	w.now = now
}

// SetRetryPolicy overrides the tick retry policy. Test hook.
func (w *Workers) SetRetryPolicy(policy retrypolicy.RetryPolicy[any]) {
	w.retry = policy
}

// SetBudgetMirror wires the hourly budget audit mirror. Optional; the
// clock ticks skip mirroring when unset.
func (w *Workers) SetBudgetMirror(source budgetSource, sink budgetAudit) {
	w.budget = source
	w.budgetSink = sink
}

// Start launches the tick loops.
func (w *Workers) Start(ctx context.Context) {
	w.loop(ctx, flushInterval, "coalesce_flush", w.FlushCoalesce)
	w.loop(ctx, clockInterval, "scheduled_windows", w.ClockTick)
	w.logger.WithFields(logging.Fields{
		"batch_windows": w.cfg.BatchWindows,
		"digest_hour":   w.cfg.DigestHourUTC,
	}).Info("Background workers started")
}

// Stop signals the loops and waits for them to drain.
func (w *Workers) Stop() {
	close(w.stop)
	w.wg.Wait()
}

func (w *Workers) loop(ctx context.Context, interval time.Duration, name string, tick func(ctx context.Context) error) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.withRetry(ctx, tick); err != nil {
					w.logger.WithError(err).WithField("worker", name).Error("Tick failed after retries")
				}
			}
		}
	}()
}

func (w *Workers) withRetry(ctx context.Context, tick func(ctx context.Context) error) error {
	return failsafe.With(w.retry).WithContext(ctx).Run(func() error {
		return tick(ctx)
	})
}

// FlushCoalesce drains every closed coalesce bucket and delivers each
// as one merged notification.
func (w *Workers) FlushCoalesce(ctx context.Context) error {
	now := w.now().UTC()
	due, err := w.buffer.DueKeys(ctx, now)
	if err != nil {
		return err
	}
	for _, key := range due {
		entries, err := w.buffer.Flush(ctx, key)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			continue
		}
		goalID := coalesce.GoalFromKey(key)
		if err := w.notifier.SendImmediate(ctx, goalID, entries); err != nil {
			return fmt.Errorf("deliver flushed bucket %s: %w", key, err)
		}
	}
	return nil
}

// ClockTick fires the batch windows and the digest when their
// wall-clock time arrives. Runs once a minute.
func (w *Workers) ClockTick(ctx context.Context) error {
	now := w.now().UTC()
	for _, window := range w.cfg.BatchWindows {
		if !w.windowDue(window, now) {
			continue
		}
		if err := w.BatchTick(ctx, now); err != nil {
			return err
		}
		// Latch only after the tick succeeded, so a failed attempt is
		// retried by the failsafe policy instead of skipping the window
		// for the rest of the day.
		w.markWindowFired(window, now)
	}
	if w.mirrorDue(now) {
		w.MirrorBudget(ctx)
	}
	if w.digestDue(now) {
		if err := w.DigestTick(ctx); err != nil {
			return err
		}
		w.markDigestFired(now)
	}
	return nil
}

// MirrorBudget copies the live KV budget counters into the relational
// audit table. Failures are logged; the tick never fails on them.
func (w *Workers) MirrorBudget(ctx context.Context) {
	if w.budget == nil || w.budgetSink == nil {
		return
	}
	snap, err := w.budget.Snapshot(ctx)
	if err != nil {
		w.logger.WithError(err).Error("Budget snapshot for audit mirror failed")
		return
	}
	if err := w.budgetSink.UpsertDaily(ctx, snap); err != nil {
		w.logger.WithError(err).Error("Budget audit mirror write failed")
	}
}

func (w *Workers) mirrorDue(now time.Time) bool {
	if now.Minute() != 0 {
		return false
	}
	hour := now.Format("2006-01-02T15")
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mirroredHour == hour {
		return false
	}
	w.mirroredHour = hour
	return true
}

// BatchTick runs the batch window for every active goal and delivers
// the resulting decisions.
func (w *Workers) BatchTick(ctx context.Context, windowTime time.Time) error {
	goals, err := w.goals.GetActive(ctx)
	if err != nil {
		return err
	}
	for _, goal := range goals {
		if _, err := w.runner.RunBatchWindow(ctx, goal.ID, windowTime); err != nil {
			w.logger.WithError(err).WithField("goal_id", goal.ID).Error("Batch window run failed")
			continue
		}
		if err := w.notifier.SendBatch(ctx, goal.ID, w.cfg.BatchMaxItems); err != nil {
			w.logger.WithError(err).WithField("goal_id", goal.ID).Error("Batch delivery failed")
		}
	}
	return nil
}

// DigestTick runs the daily digest for every active goal.
func (w *Workers) DigestTick(ctx context.Context) error {
	goals, err := w.goals.GetActive(ctx)
	if err != nil {
		return err
	}
	for _, goal := range goals {
		if _, err := w.runner.RunDigest(ctx, goal.ID); err != nil {
			w.logger.WithError(err).WithField("goal_id", goal.ID).Error("Digest run failed")
			continue
		}
		if err := w.notifier.SendDigest(ctx, goal.ID, w.cfg.DigestMaxItems); err != nil {
			w.logger.WithError(err).WithField("goal_id", goal.ID).Error("Digest delivery failed")
		}
	}
	return nil
}

// windowDue reports whether the HH:MM window matches now and has not
// completed yet today. It does not latch; markWindowFired does, once
// the work is done.
func (w *Workers) windowDue(window string, now time.Time) bool {
	if now.Format("15:04") != window {
		return false
	}
	day := now.Format("2006-01-02")
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.firedWindow[window] != day
}

func (w *Workers) markWindowFired(window string, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.firedWindow[window] = now.Format("2006-01-02")
}

func (w *Workers) digestDue(now time.Time) bool {
	if now.Hour() != w.cfg.DigestHourUTC || now.Minute() != 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.digestDay != now.Format("2006-01-02")
}

func (w *Workers) markDigestFired(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.digestDay = now.Format("2006-01-02")
}
