package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veltrix/compengine/internal/domain"
	"github.com/veltrix/compengine/internal/engine"
	"github.com/veltrix/compengine/internal/graph"
	"github.com/veltrix/compengine/internal/ledger"
	"github.com/veltrix/compengine/internal/models"
	"github.com/veltrix/compengine/internal/store/memstore"
)

func rankTable() []models.RankDefinition {
	return []models.RankDefinition{
		{Order: 1, Name: "Bronze", PersonalInvestMicros: 100_000_000, TeamVolumeMicros: 300_000_000, DirectReferrals: 2, ActiveTeamSize: 2, RewardMicros: 25_000_000},
		{Order: 2, Name: "Silver", PersonalInvestMicros: 200_000_000, TeamVolumeMicros: 1_000_000_000, DirectReferrals: 4, ActiveTeamSize: 8, RewardMicros: 100_000_000},
		{Order: 3, Name: "Gold", PersonalInvestMicros: 500_000_000, TeamVolumeMicros: 5_000_000_000, DirectReferrals: 6, ActiveTeamSize: 20, RewardMicros: 500_000_000},
	}
}

func TestQualifiedRank(t *testing.T) {
	ranks := rankTable()

	tests := []struct {
		name  string
		stats models.DownlineStats
		want  string // rank name, "" for none
	}{
		{"nothing", models.DownlineStats{}, ""},
		{"bronze exactly", models.DownlineStats{
			PersonalMicros: 100_000_000, TeamVolumeMicros: 300_000_000,
			DirectCount: 2, ActiveTeamCount: 2,
		}, "Bronze"},
		{"one threshold short of silver", models.DownlineStats{
			PersonalMicros: 200_000_000, TeamVolumeMicros: 1_000_000_000,
			DirectCount: 4, ActiveTeamCount: 7,
		}, "Bronze"},
		{"silver", models.DownlineStats{
			PersonalMicros: 250_000_000, TeamVolumeMicros: 2_000_000_000,
			DirectCount: 5, ActiveTeamCount: 10,
		}, "Silver"},
		{"gold", models.DownlineStats{
			PersonalMicros: 900_000_000, TeamVolumeMicros: 9_000_000_000,
			DirectCount: 10, ActiveTeamCount: 30,
		}, "Gold"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := engine.QualifiedRank(ranks, &tc.stats)
			if tc.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tc.want, got.Name)
		})
	}
}

// seedQualifiedMember builds a member whose downline meets the Bronze
// thresholds: two active directs and enough package volume.
func seedQualifiedMember(t *testing.T, st *memstore.Store, g *graph.Graph) *models.Member {
	t.Helper()
	ctx := context.Background()

	m, err := g.Enroll(ctx, graph.EnrollCmd{Username: "candidate"})
	require.NoError(t, err)
	require.NoError(t, st.CreatePackage(ctx, &models.Package{
		ID: uuid.New(), MemberID: m.ID, PrincipalMicros: 100_000_000,
		Status: domain.PackageStatusActive, StartAt: time.Now().UTC(),
	}))
	for i := 0; i < 2; i++ {
		d, err := g.Enroll(ctx, graph.EnrollCmd{Username: uuid.NewString()[:8], SponsorID: &m.ID})
		require.NoError(t, err)
		require.NoError(t, st.CreatePackage(ctx, &models.Package{
			ID: uuid.New(), MemberID: d.ID, PrincipalMicros: 100_000_000,
			Status: domain.PackageStatusActive, StartAt: time.Now().UTC(),
		}))
	}
	return m
}

// recordingNotifier captures delivery intents for assertions.
type recordingNotifier struct {
	ranks []string
}

func (n *recordingNotifier) ApprovalDecided(ctx context.Context, memberID uuid.UUID, direction, decision, reason string) {
}

func (n *recordingNotifier) RankAchieved(ctx context.Context, memberID uuid.UUID, rankName string) {
	n.ranks = append(n.ranks, rankName)
}

func TestEvaluateNotifiesOnNewAchievement(t *testing.T) {
	st := memstore.New()
	g := graph.New(st)
	l := ledger.New(st, nil)
	rec := &recordingNotifier{}
	e := engine.NewRankEngine(st, g, l, nil).WithNotifier(rec)
	ctx := context.Background()

	m := seedQualifiedMember(t, st, g)
	cfg := &models.CommissionSettings{Ranks: rankTable()}

	_, err := e.Evaluate(ctx, cfg, g.NewSnapshot(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bronze"}, rec.ranks)

	// Re-evaluation creates nothing and notifies nobody.
	_, err = e.Evaluate(ctx, cfg, g.NewSnapshot(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bronze"}, rec.ranks)
}

func TestEvaluateCreatesAchievementOnce(t *testing.T) {
	st := memstore.New()
	g := graph.New(st)
	l := ledger.New(st, nil)
	e := engine.NewRankEngine(st, g, l, nil)
	ctx := context.Background()

	m := seedQualifiedMember(t, st, g)
	cfg := &models.CommissionSettings{Ranks: rankTable()}

	created, err := e.Evaluate(ctx, cfg, g.NewSnapshot(), m.ID)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, 1, created[0].RankOrder)
	assert.Equal(t, domain.RewardStatusPending, created[0].RewardStatus)
	assert.Equal(t, int64(25_000_000), created[0].RewardMicros)

	updated, err := st.GetMember(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Rank)

	// Re-evaluation finds the rank already achieved and creates nothing.
	created, err = e.Evaluate(ctx, cfg, g.NewSnapshot(), m.ID)
	require.NoError(t, err)
	assert.Empty(t, created)

	all, err := st.AchievementsByMember(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEvaluateNeverDemotes(t *testing.T) {
	st := memstore.New()
	g := graph.New(st)
	e := engine.NewRankEngine(st, g, ledger.New(st, nil), nil)
	ctx := context.Background()

	m, err := g.Enroll(ctx, graph.EnrollCmd{Username: "veteran"})
	require.NoError(t, err)
	m.Rank = 2
	require.NoError(t, st.UpdateMember(ctx, m))

	// No thresholds met anymore; the held rank stays.
	cfg := &models.CommissionSettings{Ranks: rankTable()}
	_, err = e.Evaluate(ctx, cfg, g.NewSnapshot(), m.ID)
	require.NoError(t, err)

	got, err := st.GetMember(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Rank)
}

func TestPayReward(t *testing.T) {
	st := memstore.New()
	g := graph.New(st)
	l := ledger.New(st, nil)
	e := engine.NewRankEngine(st, g, l, nil)
	ctx := context.Background()

	m := seedQualifiedMember(t, st, g)
	cfg := &models.CommissionSettings{Ranks: rankTable()}
	created, err := e.Evaluate(ctx, cfg, g.NewSnapshot(), m.ID)
	require.NoError(t, err)
	require.Len(t, created, 1)

	entry, err := e.PayReward(ctx, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25_000_000), entry.AmountMicros)
	assert.Equal(t, domain.EntryKindRank, entry.Kind)

	bal, err := l.BalanceOf(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25_000_000), bal)

	ach, err := st.GetAchievement(ctx, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RewardStatusPaid, ach.RewardStatus)

	// Paying twice is refused and credits nothing further.
	_, err = e.PayReward(ctx, created[0].ID)
	assert.Equal(t, domain.CodeRequestNotPending, domain.ViolationCode(err))
	bal, err = l.BalanceOf(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25_000_000), bal)
}

func TestCancelReward(t *testing.T) {
	st := memstore.New()
	g := graph.New(st)
	l := ledger.New(st, nil)
	e := engine.NewRankEngine(st, g, l, nil)
	ctx := context.Background()

	m := seedQualifiedMember(t, st, g)
	cfg := &models.CommissionSettings{Ranks: rankTable()}
	created, err := e.Evaluate(ctx, cfg, g.NewSnapshot(), m.ID)
	require.NoError(t, err)
	require.Len(t, created, 1)

	require.NoError(t, e.CancelReward(ctx, created[0].ID))

	ach, err := st.GetAchievement(ctx, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RewardStatusCancelled, ach.RewardStatus)

	// Cancelled rewards cannot be paid.
	_, err = e.PayReward(ctx, created[0].ID)
	assert.Equal(t, domain.CodeRequestNotPending, domain.ViolationCode(err))

	bal, err := l.BalanceOf(ctx, m.ID)
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestCancelRewardRefusesPaid(t *testing.T) {
	st := memstore.New()
	g := graph.New(st)
	e := engine.NewRankEngine(st, g, ledger.New(st, nil), nil)
	ctx := context.Background()

	m := seedQualifiedMember(t, st, g)
	cfg := &models.CommissionSettings{Ranks: rankTable()}
	created, err := e.Evaluate(ctx, cfg, g.NewSnapshot(), m.ID)
	require.NoError(t, err)
	require.Len(t, created, 1)

	_, err = e.PayReward(ctx, created[0].ID)
	require.NoError(t, err)

	err = e.CancelReward(ctx, created[0].ID)
	assert.Equal(t, domain.CodeRequestNotPending, domain.ViolationCode(err))
}

func TestAdjustRank(t *testing.T) {
	st := memstore.New()
	g := graph.New(st)
	e := engine.NewRankEngine(st, g, ledger.New(st, nil), nil)
	ctx := context.Background()

	m, err := g.Enroll(ctx, graph.EnrollCmd{Username: "target"})
	require.NoError(t, err)
	admin := uuid.New()

	err = e.AdjustRank(ctx, m.ID, 3, "", &admin)
	assert.Equal(t, domain.CodeReasonRequired, domain.ViolationCode(err))

	require.NoError(t, e.AdjustRank(ctx, m.ID, 3, "support escalation 4821", &admin))
	got, err := st.GetMember(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Rank)

	// Downward adjustment is allowed and audited.
	require.NoError(t, e.AdjustRank(ctx, m.ID, 1, "fraud review", &admin))
	got, err = st.GetMember(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Rank)

	audits, err := st.ListAudit(ctx, "member_rank", 10)
	require.NoError(t, err)
	require.Len(t, audits, 2)
	assert.Equal(t, "3", audits[0].PrevState)
	assert.Equal(t, "1", audits[0].NextState)
}
