// Package worker holds the background loops: the run scheduler that closes
// out each day and the periodic ledger reconciliation sweep.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veltrix/compengine/internal/domain"
	"github.com/veltrix/compengine/internal/engine"
	"github.com/veltrix/compengine/internal/observability"
	"github.com/veltrix/compengine/internal/orchestrator"
	"github.com/veltrix/compengine/internal/settings"
)

// ScheduleWorker closes out completed days: it executes the ROI, binary,
// level and rank runs for the previous day, rolls cap windows and flushes
// binary legs on the configured flush boundary. Ticks inside an already
// processed day are no-ops, and the engines' idempotency keys make a rerun
// of a processed day harmless.
type ScheduleWorker struct {
	orc      *orchestrator.Orchestrator
	binary   *engine.BinaryEngine
	settings *settings.Service
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	lastDay time.Time // start of the most recently processed day
}

func NewScheduleWorker(orc *orchestrator.Orchestrator, binary *engine.BinaryEngine, cfg *settings.Service) *ScheduleWorker {
	return &ScheduleWorker{
		orc:      orc,
		binary:   binary,
		settings: cfg,
		interval: time.Hour,
		stopCh:   make(chan struct{}),
	}
}

// WithInterval updates the tick interval.
func (w *ScheduleWorker) WithInterval(interval time.Duration) *ScheduleWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// Start blocks and ticks at the configured interval.
func (w *ScheduleWorker) Start(ctx context.Context) {
	zap.L().Info("schedule worker starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runOnce(ctx, time.Now().UTC())

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("schedule worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("schedule worker stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx, time.Now().UTC())
		}
	}
}

// Stop stops the running worker loop.
func (w *ScheduleWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *ScheduleWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// ProcessDay closes out the day containing now minus one day. Exposed for
// manual triggering.
func (w *ScheduleWorker) ProcessDay(ctx context.Context, now time.Time) error {
	dayStart := now.UTC().Truncate(24 * time.Hour)
	from := dayStart.Add(-24 * time.Hour)
	to := dayStart

	for _, runType := range []string{domain.RunTypeROI, domain.RunTypeBinary, domain.RunTypeLevel, domain.RunTypeRank} {
		if _, err := w.orc.Execute(ctx, uuid.Nil, runType, from, to); err != nil {
			return err
		}
	}

	resetDay := true
	resetWeek := dayStart.Weekday() == time.Monday
	resetMonth := dayStart.Day() == 1

	cfg, err := w.settings.Current(ctx)
	if err != nil {
		return err
	}
	flushLegs := false
	switch cfg.FlushPeriod {
	case domain.PeriodDaily:
		flushLegs = resetDay
	case domain.PeriodWeekly:
		flushLegs = resetWeek
	case domain.PeriodMonthly:
		flushLegs = resetMonth
	}
	if flushLegs {
		return w.binary.FlushAll(ctx, dayStart, resetDay, resetWeek, resetMonth)
	}
	return w.binary.ResetWindows(ctx, dayStart, resetDay, resetWeek, resetMonth)
}

func (w *ScheduleWorker) runOnce(ctx context.Context, now time.Time) {
	dayStart := now.Truncate(24 * time.Hour)
	w.mu.Lock()
	done := w.lastDay.Equal(dayStart)
	w.mu.Unlock()
	if done {
		return
	}

	if err := w.ProcessDay(ctx, now); err != nil {
		observability.IncrementWorkerRun("schedule", "failed")
		zap.L().Error("scheduled day close failed", zap.Error(err), zap.Time("day", dayStart))
		return
	}
	w.mu.Lock()
	w.lastDay = dayStart
	w.mu.Unlock()
	observability.IncrementWorkerRun("schedule", "success")
}
