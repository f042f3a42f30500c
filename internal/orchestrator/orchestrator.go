// Package orchestrator schedules and drives commission runs: it selects the
// workload for a run type and period, fans it out to workers, tracks the run
// state machine and aggregates totals. Preview and Execute share the same
// engine code so a dry run always mirrors a committed one.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veltrix/compengine/internal/domain"
	"github.com/veltrix/compengine/internal/engine"
	"github.com/veltrix/compengine/internal/graph"
	"github.com/veltrix/compengine/internal/models"
	"github.com/veltrix/compengine/internal/observability"
	"github.com/veltrix/compengine/internal/settings"
	"github.com/veltrix/compengine/internal/store"
)

type Orchestrator struct {
	store    store.Store
	graph    *graph.Graph
	settings *settings.Service
	level    *engine.LevelEngine
	binary   *engine.BinaryEngine
	roi      *engine.ROIEngine
	rank     *engine.RankEngine
	log      *zap.Logger

	workers    int
	runTimeout time.Duration
}

func New(
	st store.Store,
	g *graph.Graph,
	cfg *settings.Service,
	level *engine.LevelEngine,
	binary *engine.BinaryEngine,
	roi *engine.ROIEngine,
	rank *engine.RankEngine,
	log *zap.Logger,
) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		store:      st,
		graph:      g,
		settings:   cfg,
		level:      level,
		binary:     binary,
		roi:        roi,
		rank:       rank,
		log:        log,
		workers:    4,
		runTimeout: 10 * time.Minute,
	}
}

// WithWorkers sets the per-run worker count.
func (o *Orchestrator) WithWorkers(n int) *Orchestrator {
	if n > 0 {
		o.workers = n
	}
	return o
}

// WithRunTimeout sets the run time budget; a run exceeding it is marked
// failed with its partial postings intact.
func (o *Orchestrator) WithRunTimeout(d time.Duration) *Orchestrator {
	if d > 0 {
		o.runTimeout = d
	}
	return o
}

// task is one independently retryable unit of a run. member identifies whose
// balance the task credits, for per-member accounting.
type task struct {
	member uuid.UUID
	do     func(ctx context.Context) (int64, error)
}

func validatePeriod(runType string, from, to time.Time) error {
	if !domain.ValidRunType(runType) {
		return domain.Validationf("type", "unknown run type %q", runType)
	}
	if !from.Before(to) {
		return domain.Validationf("period", "from must precede to")
	}
	return nil
}

// cycleID derives the binary matching cycle identifier from the period, not
// the run id, so a re-issued run over the same period cannot double-match.
func cycleID(from, to time.Time) string {
	return fmt.Sprintf("%d-%d", from.Unix(), to.Unix())
}

// Preview computes the affected-member count and total amount a run would
// post, without posting entries or mutating engine state.
func (o *Orchestrator) Preview(ctx context.Context, runType string, from, to time.Time) (*models.RunPreview, error) {
	if err := validatePeriod(runType, from, to); err != nil {
		return nil, err
	}
	cfg, err := o.settings.Current(ctx)
	if err != nil {
		return nil, err
	}

	affected := make(map[uuid.UUID]bool)
	var total int64

	switch runType {
	case domain.RunTypeLevel:
		events, err := o.levelEvents(ctx, cfg, from, to)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			shares, err := o.level.Estimate(ctx, cfg, ev)
			if err != nil {
				return nil, err
			}
			for _, sh := range shares {
				affected[sh.AncestorID] = true
				total += sh.AmountMicros
			}
		}
	case domain.RunTypeBinary:
		states, err := o.store.ListLegStates(ctx)
		if err != nil {
			return nil, err
		}
		for i := range states {
			res := engine.ComputeMatch(&states[i], cfg)
			if res.BonusMicros > 0 {
				affected[states[i].MemberID] = true
				total += res.BonusMicros
			}
		}
	case domain.RunTypeROI:
		pkgs, err := o.store.ListActivePackages(ctx)
		if err != nil {
			return nil, err
		}
		for i := range pkgs {
			if amt := o.roi.EstimateAccruals(cfg, &pkgs[i], from, to); amt > 0 {
				affected[pkgs[i].MemberID] = true
				total += amt
			}
		}
	case domain.RunTypeRank:
		members, err := o.store.ListMembers(ctx)
		if err != nil {
			return nil, err
		}
		snap := o.graph.NewSnapshot()
		for _, m := range members {
			stats, err := snap.DownlineVolume(ctx, m.ID)
			if err != nil {
				return nil, err
			}
			best := engine.QualifiedRank(cfg.Ranks, stats)
			if best == nil {
				continue
			}
			existing, err := o.store.AchievementsByMember(ctx, m.ID)
			if err != nil {
				return nil, err
			}
			achieved := make(map[int]bool, len(existing))
			for _, a := range existing {
				achieved[a.RankOrder] = true
			}
			if !achieved[best.Order] {
				affected[m.ID] = true
			}
		}
	}

	return &models.RunPreview{AffectedMembers: len(affected), TotalMicros: total}, nil
}

// Execute drives a commission run to completion. Passing the id of a prior
// run retries it: per-entry idempotency keys make the retry complete only the
// remaining work. A run past its time budget is marked failed with partial
// postings intact.
func (o *Orchestrator) Execute(ctx context.Context, runID uuid.UUID, runType string, from, to time.Time) (*models.CommissionRun, error) {
	if err := validatePeriod(runType, from, to); err != nil {
		return nil, err
	}
	cfg, err := o.settings.Current(ctx)
	if err != nil {
		return nil, err
	}

	run, err := o.claimRun(ctx, runID, runType, from, to)
	if err != nil {
		return nil, err
	}
	if run.Status == domain.RunStatusCompleted {
		return run, nil // already done, nothing left to post
	}

	runCtx, cancel := context.WithTimeout(ctx, o.runTimeout)
	defer cancel()

	tasks, err := o.buildTasks(runCtx, cfg, run)
	if err != nil {
		return o.finishRun(ctx, run, 0, 0, 0, err)
	}

	var (
		mu        sync.Mutex
		total     int64
		succeeded int
		failed    int
	)
	taskCh := make(chan task)
	var wg sync.WaitGroup
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range taskCh {
				amount, err := t.do(runCtx)
				mu.Lock()
				if err != nil {
					failed++
					observability.IncrementRunMember(run.Type, "failed")
					o.log.Warn("run task failed",
						zap.String("run_id", run.ID.String()),
						zap.String("member_id", t.member.String()),
						zap.Error(err),
					)
				} else {
					succeeded++
					total += amount
					observability.IncrementRunMember(run.Type, "succeeded")
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, t := range tasks {
		select {
		case taskCh <- t:
		case <-runCtx.Done():
			break feed
		}
	}
	close(taskCh)
	wg.Wait()

	return o.finishRun(ctx, run, total, succeeded, failed, runCtx.Err())
}

// claimRun loads or creates the run record and moves it to running. Runs
// already completed are returned as-is; pending, failed and partially-failed
// runs are re-claimed for another attempt.
func (o *Orchestrator) claimRun(ctx context.Context, runID uuid.UUID, runType string, from, to time.Time) (*models.CommissionRun, error) {
	if runID != uuid.Nil {
		run, err := o.store.GetRun(ctx, runID)
		switch {
		case err == nil:
			if run.Status == domain.RunStatusCompleted {
				return run, nil
			}
			// pending, failed, partially-failed and stale running runs are
			// all re-claimable; idempotency keys make overlap harmless.
			run.Status = domain.RunStatusRunning
			if err := o.store.UpdateRun(ctx, run); err != nil {
				return nil, fmt.Errorf("claim run: %w", err)
			}
			return run, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("load run: %w", err)
		}
	} else {
		runID = uuid.New()
	}

	run := &models.CommissionRun{
		ID:         runID,
		Type:       runType,
		PeriodFrom: from,
		PeriodTo:   to,
		Status:     domain.RunStatusRunning,
		CreatedAt:  time.Now().UTC(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

func (o *Orchestrator) finishRun(ctx context.Context, run *models.CommissionRun, total int64, succeeded, failed int, cause error) (*models.CommissionRun, error) {
	switch {
	case cause != nil && succeeded == 0 && failed == 0:
		run.Status = domain.RunStatusFailed
	case cause != nil:
		// Timed out or aborted mid-run; partial postings stay, retry with
		// the same run id completes the remainder.
		run.Status = domain.RunStatusFailed
	case failed > 0 && succeeded > 0:
		run.Status = domain.RunStatusPartiallyFailed
	case failed > 0:
		run.Status = domain.RunStatusFailed
	default:
		run.Status = domain.RunStatusCompleted
	}
	run.AffectedMembers = succeeded
	run.FailedMembers = failed
	run.TotalMicros += total
	now := time.Now().UTC()
	run.CompletedAt = &now

	if err := o.store.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("finish run: %w", err)
	}
	if err := o.store.AppendAudit(ctx, &models.AuditRecord{
		ID:         uuid.New(),
		EntityType: "commission_run",
		EntityID:   run.ID.String(),
		Action:     "executed",
		NextState:  run.Status,
		Reason:     fmt.Sprintf("succeeded=%d failed=%d total=%s", succeeded, failed, domain.FormatAmount(total)),
	}); err != nil {
		o.log.Warn("run audit write failed", zap.Error(err))
	}
	observability.IncrementRun(run.Type, run.Status)
	o.log.Info("commission run finished",
		zap.String("run_id", run.ID.String()),
		zap.String("type", run.Type),
		zap.String("status", run.Status),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.String("total", domain.FormatAmount(total)),
	)
	if cause != nil {
		return run, fmt.Errorf("run %s: %w", run.ID, cause)
	}
	return run, nil
}

func (o *Orchestrator) buildTasks(ctx context.Context, cfg *models.CommissionSettings, run *models.CommissionRun) ([]task, error) {
	switch run.Type {
	case domain.RunTypeLevel:
		events, err := o.levelEvents(ctx, cfg, run.PeriodFrom, run.PeriodTo)
		if err != nil {
			return nil, err
		}
		tasks := make([]task, 0, len(events))
		for _, ev := range events {
			ev := ev
			tasks = append(tasks, task{member: ev.MemberID, do: func(ctx context.Context) (int64, error) {
				return o.level.Distribute(ctx, cfg, run.ID.String(), ev)
			}})
		}
		return tasks, nil

	case domain.RunTypeBinary:
		states, err := o.store.ListLegStates(ctx)
		if err != nil {
			return nil, err
		}
		cycle := cycleID(run.PeriodFrom, run.PeriodTo)
		tasks := make([]task, 0, len(states))
		for _, st := range states {
			memberID := st.MemberID
			tasks = append(tasks, task{member: memberID, do: func(ctx context.Context) (int64, error) {
				return o.binary.MatchMember(ctx, cfg, run.ID.String(), cycle, memberID)
			}})
		}
		return tasks, nil

	case domain.RunTypeROI:
		pkgs, err := o.store.ListActivePackages(ctx)
		if err != nil {
			return nil, err
		}
		tasks := make([]task, 0, len(pkgs))
		for i := range pkgs {
			pkg := pkgs[i]
			tasks = append(tasks, task{member: pkg.MemberID, do: func(ctx context.Context) (int64, error) {
				_, total, err := o.roi.AccruePackage(ctx, cfg, run.ID.String(), &pkg, run.PeriodFrom, run.PeriodTo)
				return total, err
			}})
		}
		return tasks, nil

	case domain.RunTypeRank:
		members, err := o.store.ListMembers(ctx)
		if err != nil {
			return nil, err
		}
		snap := o.graph.NewSnapshot()
		tasks := make([]task, 0, len(members))
		for _, m := range members {
			memberID := m.ID
			tasks = append(tasks, task{member: memberID, do: func(ctx context.Context) (int64, error) {
				// Rank runs create achievements, never postings.
				_, err := o.rank.Evaluate(ctx, cfg, snap, memberID)
				return 0, err
			}})
		}
		return tasks, nil
	}
	return nil, domain.Validationf("type", "unknown run type %q", run.Type)
}

// levelEvents collects the qualifying events for a level run: package
// purchases in the period and, when settings route ROI through upline
// commissions, the roi entries posted in the period. Event ids are stable
// across retries, so replays re-derive identical idempotency keys.
func (o *Orchestrator) levelEvents(ctx context.Context, cfg *models.CommissionSettings, from, to time.Time) ([]engine.Event, error) {
	pkgs, err := o.store.PackagesCreatedBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("packages in period: %w", err)
	}
	events := make([]engine.Event, 0, len(pkgs))
	for _, p := range pkgs {
		if p.Status == domain.PackageStatusCancelled {
			continue
		}
		events = append(events, engine.Event{
			ID:           fmt.Sprintf("pkg:%s", p.ID),
			MemberID:     p.MemberID,
			AmountMicros: p.PrincipalMicros,
		})
	}
	if cfg.LevelOnROI {
		entries, err := o.store.EntriesByKindBetween(ctx, domain.EntryKindROI, from, to)
		if err != nil {
			return nil, fmt.Errorf("roi entries in period: %w", err)
		}
		for _, e := range entries {
			events = append(events, engine.Event{
				ID:           e.IdempotencyKey,
				MemberID:     e.MemberID,
				AmountMicros: e.AmountMicros,
			})
		}
	}
	return events, nil
}

// History returns all runs, newest first.
func (o *Orchestrator) History(ctx context.Context) ([]models.CommissionRun, error) {
	return o.store.ListRuns(ctx)
}

// GetRun returns one run by id.
func (o *Orchestrator) GetRun(ctx context.Context, id uuid.UUID) (*models.CommissionRun, error) {
	run, err := o.store.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return run, nil
}
