package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veltrix/compengine/internal/domain"
	"github.com/veltrix/compengine/internal/graph"
	"github.com/veltrix/compengine/internal/ledger"
	"github.com/veltrix/compengine/internal/models"
	"github.com/veltrix/compengine/internal/store"
)

// MatchResult is the outcome of one matching computation for one member.
type MatchResult struct {
	MatchedMicros int64
	BonusMicros   int64
	NewLeft       int64
	NewRight      int64
	CapBound      bool
}

// ComputeMatch takes min(left, right) under the configured ratio and clamps
// the bonus by the smallest remaining cap window. It mutates nothing; the
// caller applies NewLeft/NewRight and the window consumption.
//
// Ratio L:R scales the left leg by R/L before the min, so 1:2 matches one
// unit of left volume against two units of right. Only the matched volume
// that actually earned a bonus is deducted; volume clamped away by a cap
// stays on the legs as carry-forward. That keeps a replayed cycle a strict
// no-op: a fully capped member computes the same zero result again.
func ComputeMatch(st *models.BinaryLegState, cfg *models.CommissionSettings) MatchResult {
	scaledLeft := domain.ScaleRatio(st.LeftMicros, cfg.RatioRight, cfg.RatioLeft)
	matched := min(scaledLeft, st.RightMicros)
	if matched <= 0 || cfg.MatchingPct.IsZero() {
		return MatchResult{NewLeft: st.LeftMicros, NewRight: st.RightMicros}
	}

	bonus := domain.ApplyPercent(matched, cfg.MatchingPct)
	capBound := false
	if remaining, limited := remainingAllowance(st, cfg); limited && bonus > remaining {
		bonus = remaining
		capBound = true
		// Inverse of ApplyPercent: the volume this clamped bonus pays for.
		matched = decimal.NewFromInt(bonus).Mul(decimal.NewFromInt(100)).Div(cfg.MatchingPct).IntPart()
	}
	if bonus <= 0 {
		return MatchResult{NewLeft: st.LeftMicros, NewRight: st.RightMicros, CapBound: capBound}
	}

	deductLeft := domain.ScaleRatio(matched, cfg.RatioLeft, cfg.RatioRight)
	return MatchResult{
		MatchedMicros: matched,
		BonusMicros:   bonus,
		NewLeft:       st.LeftMicros - deductLeft,
		NewRight:      st.RightMicros - matched,
		CapBound:      capBound,
	}
}

// remainingAllowance returns the binding cap: the minimum of the remaining
// daily, weekly and monthly allowances. A zero cap means that window is
// unlimited.
func remainingAllowance(st *models.BinaryLegState, cfg *models.CommissionSettings) (int64, bool) {
	remaining := int64(0)
	limited := false
	consider := func(cap, paid int64) {
		if cap <= 0 {
			return
		}
		left := cap - paid
		if left < 0 {
			left = 0
		}
		if !limited || left < remaining {
			remaining = left
			limited = true
		}
	}
	consider(cfg.DailyCapMicros, st.DayPaidMicros)
	consider(cfg.WeeklyCapMicros, st.WeekPaidMicros)
	consider(cfg.MonthlyCapMicros, st.MonthPaidMicros)
	return remaining, limited
}

// errReplayedCycle aborts a leg-state update when the cycle entry already
// exists, leaving the state exactly as the first execution wrote it.
var errReplayedCycle = errors.New("cycle already posted for member")

// BinaryEngine maintains leg volumes and pays matching bonuses.
type BinaryEngine struct {
	store  store.Store
	graph  *graph.Graph
	ledger *ledger.Ledger
	log    *zap.Logger
}

func NewBinaryEngine(st store.Store, g *graph.Graph, l *ledger.Ledger, log *zap.Logger) *BinaryEngine {
	if log == nil {
		log = zap.NewNop()
	}
	return &BinaryEngine{store: st, graph: g, ledger: l, log: log}
}

// Accumulate credits an investment event's volume to the facing leg of every
// binary ancestor on the member's placement path. Each ancestor's update runs
// under that member's leg lock, so it cannot interleave with a match cycle.
func (e *BinaryEngine) Accumulate(ctx context.Context, memberID uuid.UUID, volumeMicros int64) error {
	if volumeMicros <= 0 {
		return domain.Validationf("volume", "must be positive")
	}
	path, err := e.graph.PlacementPath(ctx, memberID)
	if err != nil {
		return err
	}
	for _, node := range path {
		node := node
		err := e.store.UpdateLegState(ctx, node.AncestorID, func(st *models.BinaryLegState) error {
			if node.Side == domain.SideLeft {
				st.LeftMicros += volumeMicros
			} else {
				st.RightMicros += volumeMicros
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("accumulate on %s: %w", node.AncestorID, err)
		}
	}
	return nil
}

// MatchMember runs one matching cycle for one member. The computation, the
// bonus posting and the leg deduction happen inside the member's leg lock;
// a replayed cycle (duplicate entry) leaves the state untouched and credits
// nothing.
func (e *BinaryEngine) MatchMember(ctx context.Context, cfg *models.CommissionSettings, runID, cycleID string, memberID uuid.UUID) (int64, error) {
	var credited int64
	err := e.store.UpdateLegState(ctx, memberID, func(st *models.BinaryLegState) error {
		res := ComputeMatch(st, cfg)
		if res.MatchedMicros <= 0 {
			return errReplayedCycle // nothing to match, nothing to persist
		}
		if res.BonusMicros > 0 {
			entry := &models.LedgerEntry{
				MemberID:       memberID,
				AmountMicros:   res.BonusMicros,
				Kind:           domain.EntryKindBinary,
				RunID:          runID,
				IdempotencyKey: fmt.Sprintf("cycle:%s:member:%s:binary", cycleID, memberID),
			}
			outcome, err := e.ledger.Post(ctx, entry)
			if err != nil {
				return err
			}
			if outcome == ledger.OutcomeDuplicate {
				return errReplayedCycle
			}
			credited = res.BonusMicros
		}
		st.LeftMicros = res.NewLeft
		st.RightMicros = res.NewRight
		st.DayPaidMicros += res.BonusMicros
		st.WeekPaidMicros += res.BonusMicros
		st.MonthPaidMicros += res.BonusMicros
		return nil
	})
	if errors.Is(err, errReplayedCycle) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("match cycle for %s: %w", memberID, err)
	}
	return credited, nil
}

// Flush resets both legs to zero for the member, forfeiting unmatched carry,
// and rolls the cap windows that reached their boundary. Runs under the leg
// lock so it cannot race an accumulation or match.
func (e *BinaryEngine) Flush(ctx context.Context, memberID uuid.UUID, now time.Time, resetDay, resetWeek, resetMonth bool) error {
	return e.store.UpdateLegState(ctx, memberID, func(st *models.BinaryLegState) error {
		st.LeftMicros = 0
		st.RightMicros = 0
		st.LastFlushAt = now
		if resetDay {
			st.DayPaidMicros = 0
		}
		if resetWeek {
			st.WeekPaidMicros = 0
		}
		if resetMonth {
			st.MonthPaidMicros = 0
		}
		return nil
	})
}

// ResetWindows rolls expired cap windows without touching leg carry. Used on
// day, week and month boundaries that are not the configured flush boundary.
func (e *BinaryEngine) ResetWindows(ctx context.Context, now time.Time, resetDay, resetWeek, resetMonth bool) error {
	if !resetDay && !resetWeek && !resetMonth {
		return nil
	}
	states, err := e.store.ListLegStates(ctx)
	if err != nil {
		return fmt.Errorf("list leg states: %w", err)
	}
	for _, st := range states {
		err := e.store.UpdateLegState(ctx, st.MemberID, func(ls *models.BinaryLegState) error {
			if resetDay {
				ls.DayPaidMicros = 0
			}
			if resetWeek {
				ls.WeekPaidMicros = 0
			}
			if resetMonth {
				ls.MonthPaidMicros = 0
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("reset windows %s: %w", st.MemberID, err)
		}
	}
	return nil
}

// FlushAll applies Flush to every member holding leg state.
func (e *BinaryEngine) FlushAll(ctx context.Context, now time.Time, resetDay, resetWeek, resetMonth bool) error {
	states, err := e.store.ListLegStates(ctx)
	if err != nil {
		return fmt.Errorf("list leg states: %w", err)
	}
	for _, st := range states {
		if err := e.Flush(ctx, st.MemberID, now, resetDay, resetWeek, resetMonth); err != nil {
			return fmt.Errorf("flush %s: %w", st.MemberID, err)
		}
	}
	e.log.Info("binary legs flushed",
		zap.Int("members", len(states)),
		zap.Bool("day", resetDay), zap.Bool("week", resetWeek), zap.Bool("month", resetMonth),
	)
	return nil
}
