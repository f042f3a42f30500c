package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veltrix/compengine/internal/domain"
	"github.com/veltrix/compengine/internal/graph"
	"github.com/veltrix/compengine/internal/ledger"
	"github.com/veltrix/compengine/internal/models"
)

// Event is a qualifying event for level commissions: a new investment or,
// when configured, an ROI accrual.
type Event struct {
	ID           string
	MemberID     uuid.UUID
	AmountMicros int64
}

// LevelShare is one ancestor's cut of an event.
type LevelShare struct {
	AncestorID   uuid.UUID
	Level        int
	AmountMicros int64
}

// LevelShares walks the sponsor chain and applies the percentage table under
// the configured compression mode.
//
// A level pays out only when its table row is active and the ancestor holding
// it is active-status. skip: an ineligible level's share is dropped. rollup:
// the share passes to the next eligible ancestor up the chain, on top of that
// ancestor's own level share; shares still pending when the chain ends are
// forfeited. Chains shorter than the table simply stop early.
func LevelShares(chain []graph.Ancestor, cfg *models.CommissionSettings, amountMicros int64) []LevelShare {
	var shares []LevelShare
	var pending int64
	for i, anc := range chain {
		if i >= len(cfg.Levels) {
			break
		}
		lvl := cfg.Levels[i]
		// The share is computed from the table even at an inactive level:
		// under rollup it still travels up the chain.
		share := domain.ApplyPercent(amountMicros, lvl.Pct)
		eligible := anc.Member.Status == domain.MemberStatusActive && lvl.Active
		switch {
		case eligible:
			amount := share
			if cfg.CompressionMode == domain.CompressionRollup {
				amount += pending
				pending = 0
			}
			if amount > 0 {
				shares = append(shares, LevelShare{
					AncestorID:   anc.Member.ID,
					Level:        anc.Level,
					AmountMicros: amount,
				})
			}
		case cfg.CompressionMode == domain.CompressionRollup:
			pending += share
		}
	}
	return shares
}

// LevelEngine distributes level commissions for qualifying events.
type LevelEngine struct {
	graph  *graph.Graph
	ledger *ledger.Ledger
	log    *zap.Logger
}

func NewLevelEngine(g *graph.Graph, l *ledger.Ledger, log *zap.Logger) *LevelEngine {
	if log == nil {
		log = zap.NewNop()
	}
	return &LevelEngine{graph: g, ledger: l, log: log}
}

// Distribute posts one level entry per eligible ancestor, closest ancestor
// first. Entries are keyed on (event, ancestor) so replays are no-ops.
// Returns the total credited by this call (zero on full replay).
func (e *LevelEngine) Distribute(ctx context.Context, cfg *models.CommissionSettings, runID string, ev Event) (int64, error) {
	chain, err := e.graph.SponsorChain(ctx, ev.MemberID, len(cfg.Levels))
	if err != nil {
		return 0, fmt.Errorf("sponsor chain for event %s: %w", ev.ID, err)
	}
	var total int64
	for _, share := range LevelShares(chain, cfg, ev.AmountMicros) {
		entry := &models.LedgerEntry{
			MemberID:       share.AncestorID,
			AmountMicros:   share.AmountMicros,
			Kind:           domain.EntryKindLevel,
			RunID:          runID,
			IdempotencyKey: fmt.Sprintf("evt:%s:anc:%s:level", ev.ID, share.AncestorID),
		}
		outcome, err := e.ledger.Post(ctx, entry)
		if err != nil {
			return total, fmt.Errorf("post level share (event %s, level %d): %w", ev.ID, share.Level, err)
		}
		if outcome == ledger.OutcomeAccepted {
			total += share.AmountMicros
		}
	}
	return total, nil
}

// Estimate computes the shares an event would pay without posting anything.
// Preview and Distribute share LevelShares so the two always agree.
func (e *LevelEngine) Estimate(ctx context.Context, cfg *models.CommissionSettings, ev Event) ([]LevelShare, error) {
	chain, err := e.graph.SponsorChain(ctx, ev.MemberID, len(cfg.Levels))
	if err != nil {
		return nil, fmt.Errorf("sponsor chain for event %s: %w", ev.ID, err)
	}
	return LevelShares(chain, cfg, ev.AmountMicros), nil
}
