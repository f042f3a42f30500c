package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veltrix/compengine/internal/domain"
	"github.com/veltrix/compengine/internal/graph"
	"github.com/veltrix/compengine/internal/ledger"
	"github.com/veltrix/compengine/internal/models"
	"github.com/veltrix/compengine/internal/notify"
	"github.com/veltrix/compengine/internal/store"
)

// QualifiedRank returns the highest rank whose four thresholds all hold for
// the given stats, or nil when none do. Ranks are checked in ascending order;
// meeting a later rank requires meeting it outright, not merely the first.
func QualifiedRank(ranks []models.RankDefinition, stats *models.DownlineStats) *models.RankDefinition {
	var best *models.RankDefinition
	for i := range ranks {
		r := &ranks[i]
		if stats.PersonalMicros >= r.PersonalInvestMicros &&
			stats.TeamVolumeMicros >= r.TeamVolumeMicros &&
			stats.DirectCount >= r.DirectReferrals &&
			stats.ActiveTeamCount >= r.ActiveTeamSize {
			best = r
		}
	}
	return best
}

// RankEngine evaluates qualification, records one-time achievements and pays
// rewards on explicit request.
type RankEngine struct {
	store    store.Store
	graph    *graph.Graph
	ledger   *ledger.Ledger
	notifier notify.Notifier
	log      *zap.Logger
}

func NewRankEngine(st store.Store, g *graph.Graph, l *ledger.Ledger, log *zap.Logger) *RankEngine {
	if log == nil {
		log = zap.NewNop()
	}
	return &RankEngine{store: st, graph: g, ledger: l, log: log}
}

// WithNotifier sets the delivery collaborator told about new achievements.
func (e *RankEngine) WithNotifier(n notify.Notifier) *RankEngine {
	e.notifier = n
	return e
}

// Evaluate recomputes the member's rank from downline aggregates. Every newly
// satisfied rank gets a pending achievement; no ledger entry is posted here.
// Reward payment is a separate explicit action. Returns the achievements
// created by this call.
func (e *RankEngine) Evaluate(ctx context.Context, cfg *models.CommissionSettings, snap *graph.Snapshot, memberID uuid.UUID) ([]models.RankAchievement, error) {
	member, err := e.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("member %s: %w", memberID, domain.ErrNotFound)
	}
	stats, err := snap.DownlineVolume(ctx, memberID)
	if err != nil {
		return nil, err
	}

	var created []models.RankAchievement
	highest := 0
	for i := range cfg.Ranks {
		r := &cfg.Ranks[i]
		if stats.PersonalMicros < r.PersonalInvestMicros ||
			stats.TeamVolumeMicros < r.TeamVolumeMicros ||
			stats.DirectCount < r.DirectReferrals ||
			stats.ActiveTeamCount < r.ActiveTeamSize {
			continue
		}
		highest = r.Order
		ach := models.RankAchievement{
			ID:           uuid.New(),
			MemberID:     memberID,
			RankOrder:    r.Order,
			RewardMicros: r.RewardMicros,
			RewardStatus: domain.RewardStatusPending,
			AchievedAt:   time.Now().UTC(),
		}
		err := e.store.CreateAchievement(ctx, &ach)
		if errors.Is(err, store.ErrDuplicateKey) {
			continue // achieved in an earlier evaluation, ever-once
		}
		if err != nil {
			return created, fmt.Errorf("create achievement: %w", err)
		}
		created = append(created, ach)
		if e.notifier != nil {
			e.notifier.RankAchieved(ctx, memberID, r.Name)
		}
		e.log.Info("rank achieved",
			zap.String("member_id", memberID.String()),
			zap.String("rank", r.Name),
		)
	}

	// The evaluator only promotes; manual adjustment is the one path down.
	if highest > member.Rank {
		member.Rank = highest
		if err := e.store.UpdateMember(ctx, member); err != nil {
			return created, fmt.Errorf("update member rank: %w", err)
		}
	}
	return created, nil
}

// PayReward posts the rank reward and transitions the achievement to paid.
func (e *RankEngine) PayReward(ctx context.Context, achievementID uuid.UUID) (*models.LedgerEntry, error) {
	ach, err := e.store.GetAchievement(ctx, achievementID)
	if err != nil {
		return nil, domain.ErrNotFound
	}
	if ach.RewardStatus != domain.RewardStatusPending {
		return nil, domain.Violation(domain.CodeRequestNotPending, "reward is %s", ach.RewardStatus)
	}
	entry := &models.LedgerEntry{
		MemberID:       ach.MemberID,
		AmountMicros:   ach.RewardMicros,
		Kind:           domain.EntryKindRank,
		RunID:          fmt.Sprintf("rank-reward:%s", ach.ID),
		IdempotencyKey: fmt.Sprintf("ach:%s:rank", ach.ID),
	}
	outcome, err := e.ledger.Post(ctx, entry)
	if err != nil {
		return nil, err
	}
	if outcome == ledger.OutcomeDuplicate {
		return nil, domain.ErrDuplicateEntry
	}
	ach.RewardStatus = domain.RewardStatusPaid
	if err := e.store.UpdateAchievement(ctx, ach); err != nil {
		return nil, fmt.Errorf("update achievement: %w", err)
	}
	return entry, nil
}

// CancelReward transitions a pending reward to cancelled. Paid rewards stay
// paid; clawbacks are explicit reversal entries, not cancellations.
func (e *RankEngine) CancelReward(ctx context.Context, achievementID uuid.UUID) error {
	ach, err := e.store.GetAchievement(ctx, achievementID)
	if err != nil {
		return domain.ErrNotFound
	}
	if ach.RewardStatus != domain.RewardStatusPending {
		return domain.Violation(domain.CodeRequestNotPending, "reward is %s", ach.RewardStatus)
	}
	ach.RewardStatus = domain.RewardStatusCancelled
	if err := e.store.UpdateAchievement(ctx, ach); err != nil {
		return fmt.Errorf("update achievement: %w", err)
	}
	return nil
}

// AdjustRank bypasses the evaluator: it sets the member's rank directly and
// records an audit entry. It never creates or cancels achievements or reward
// postings, so history stays intact even when adjusting downward.
func (e *RankEngine) AdjustRank(ctx context.Context, memberID uuid.UUID, newRank int, reason string, actorID *uuid.UUID) error {
	if reason == "" {
		return domain.Violation(domain.CodeReasonRequired, "rank adjustment requires a reason")
	}
	member, err := e.store.GetMember(ctx, memberID)
	if err != nil {
		return domain.ErrNotFound
	}
	prev := member.Rank
	member.Rank = newRank
	if err := e.store.UpdateMember(ctx, member); err != nil {
		return fmt.Errorf("update member rank: %w", err)
	}
	audit := &models.AuditRecord{
		ID:         uuid.New(),
		EntityType: "member_rank",
		EntityID:   memberID.String(),
		ActorID:    actorID,
		Action:     "manual_adjust",
		PrevState:  fmt.Sprintf("%d", prev),
		NextState:  fmt.Sprintf("%d", newRank),
		Reason:     reason,
	}
	if err := e.store.AppendAudit(ctx, audit); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
