package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veltrix/compengine/internal/domain"
	"github.com/veltrix/compengine/internal/engine"
	"github.com/veltrix/compengine/internal/graph"
	"github.com/veltrix/compengine/internal/ledger"
	"github.com/veltrix/compengine/internal/models"
	"github.com/veltrix/compengine/internal/orchestrator"
	"github.com/veltrix/compengine/internal/settings"
	"github.com/veltrix/compengine/internal/store/memstore"
)

type fixture struct {
	store  *memstore.Store
	graph  *graph.Graph
	ledger *ledger.Ledger
	orc    *orchestrator.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	g := graph.New(st)
	l := ledger.New(st, nil)
	cfgSvc := settings.New(st, nil, nil)
	level := engine.NewLevelEngine(g, l, nil)
	binary := engine.NewBinaryEngine(st, g, l, nil)
	roi := engine.NewROIEngine(st, l, nil)
	rank := engine.NewRankEngine(st, g, l, nil)

	require.NoError(t, cfgSvc.Save(context.Background(), &models.CommissionSettings{
		Levels: []models.LevelSetting{
			{Pct: decimal.RequireFromString("10"), Active: true},
			{Pct: decimal.RequireFromString("5"), Active: true},
		},
		CompressionMode: domain.CompressionSkip,
		MatchingPct:     decimal.RequireFromString("10"),
		RatioLeft:       1,
		RatioRight:      1,
		FlushPeriod:     domain.PeriodWeekly,
		RateMode:        domain.RateModeMidpoint,
		Ranks: []models.RankDefinition{
			{Order: 1, Name: "Bronze", PersonalInvestMicros: 100_000_000, TeamVolumeMicros: 100_000_000, DirectReferrals: 0, ActiveTeamSize: 0, RewardMicros: 25_000_000},
		},
	}))

	orc := orchestrator.New(st, g, cfgSvc, level, binary, roi, rank, nil).WithWorkers(2)
	return &fixture{store: st, graph: g, ledger: l, orc: orc}
}

func (f *fixture) addPackage(t *testing.T, memberID uuid.UUID, principal int64, startAt time.Time) *models.Package {
	t.Helper()
	pkg := &models.Package{
		ID:              uuid.New(),
		MemberID:        memberID,
		PrincipalMicros: principal,
		RateMinPct:      decimal.RequireFromString("5"),
		RateMaxPct:      decimal.RequireFromString("7"),
		CapPct:          decimal.RequireFromString("150"),
		Schedule:        domain.PeriodDaily,
		Status:          domain.PackageStatusActive,
		StartAt:         startAt,
		MaturesAt:       startAt.AddDate(1, 0, 0),
	}
	require.NoError(t, f.store.CreatePackage(context.Background(), pkg))
	return pkg
}

var (
	periodFrom = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodTo   = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
)

func TestExecuteValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orc.Execute(ctx, uuid.Nil, "bonus", periodFrom, periodTo)
	assert.True(t, domain.IsValidation(err))

	_, err = f.orc.Execute(ctx, uuid.Nil, domain.RunTypeROI, periodTo, periodFrom)
	assert.True(t, domain.IsValidation(err))

	_, err = f.orc.Preview(ctx, "bonus", periodFrom, periodTo)
	assert.True(t, domain.IsValidation(err))
}

func TestExecuteROIRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	member, err := f.graph.Enroll(ctx, graph.EnrollCmd{Username: "investor"})
	require.NoError(t, err)
	f.addPackage(t, member.ID, 1_000_000_000, periodFrom.AddDate(0, -1, 0))

	run, err := f.orc.Execute(ctx, uuid.Nil, domain.RunTypeROI, periodFrom, periodTo)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.AffectedMembers)
	assert.Zero(t, run.FailedMembers)
	assert.Equal(t, int64(60_000_000), run.TotalMicros) // one daily 6% accrual

	bal, err := f.ledger.BalanceOf(ctx, member.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60_000_000), bal)
}

func TestExecuteSameRunIDIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	member, err := f.graph.Enroll(ctx, graph.EnrollCmd{Username: "investor"})
	require.NoError(t, err)
	f.addPackage(t, member.ID, 1_000_000_000, periodFrom.AddDate(0, -1, 0))

	first, err := f.orc.Execute(ctx, uuid.Nil, domain.RunTypeROI, periodFrom, periodTo)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCompleted, first.Status)

	// Re-executing a completed run returns it untouched: same total, no new
	// ledger entries.
	again, err := f.orc.Execute(ctx, first.ID, domain.RunTypeROI, periodFrom, periodTo)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.TotalMicros, again.TotalMicros)

	entries, err := f.store.EntriesByRun(ctx, first.ID.String())
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	bal, err := f.ledger.BalanceOf(ctx, member.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60_000_000), bal)
}

func TestExecuteSamePeriodNewRunPostsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	member, err := f.graph.Enroll(ctx, graph.EnrollCmd{Username: "investor"})
	require.NoError(t, err)
	f.addPackage(t, member.ID, 1_000_000_000, periodFrom.AddDate(0, -1, 0))

	_, err = f.orc.Execute(ctx, uuid.Nil, domain.RunTypeROI, periodFrom, periodTo)
	require.NoError(t, err)

	// A fresh run over the same period re-derives the same per-instant keys
	// and credits nothing new.
	second, err := f.orc.Execute(ctx, uuid.Nil, domain.RunTypeROI, periodFrom, periodTo)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, second.Status)
	assert.Zero(t, second.TotalMicros)

	bal, err := f.ledger.BalanceOf(ctx, member.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60_000_000), bal)
}

func TestPreviewMatchesExecuteForLevelRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sponsor, err := f.graph.Enroll(ctx, graph.EnrollCmd{Username: "sponsor"})
	require.NoError(t, err)
	buyer, err := f.graph.Enroll(ctx, graph.EnrollCmd{Username: "buyer", SponsorID: &sponsor.ID})
	require.NoError(t, err)
	f.addPackage(t, buyer.ID, 200_000_000, periodFrom.Add(2*time.Hour))

	preview, err := f.orc.Preview(ctx, domain.RunTypeLevel, periodFrom, periodTo)
	require.NoError(t, err)
	assert.Equal(t, 1, preview.AffectedMembers)
	assert.Equal(t, int64(20_000_000), preview.TotalMicros)

	run, err := f.orc.Execute(ctx, uuid.Nil, domain.RunTypeLevel, periodFrom, periodTo)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, preview.TotalMicros, run.TotalMicros)

	bal, err := f.ledger.BalanceOf(ctx, sponsor.ID)
	require.NoError(t, err)
	assert.Equal(t, preview.TotalMicros, bal)
}

func TestPreviewMatchesExecuteForBinaryRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.graph.Enroll(ctx, graph.EnrollCmd{Username: "root"})
	require.NoError(t, err)
	left, err := f.graph.Enroll(ctx, graph.EnrollCmd{
		Username: "left", SponsorID: &root.ID,
		BinaryParent: &root.ID, BinarySide: domain.SideLeft,
	})
	require.NoError(t, err)
	right, err := f.graph.Enroll(ctx, graph.EnrollCmd{
		Username: "right", SponsorID: &root.ID,
		BinaryParent: &root.ID, BinarySide: domain.SideRight,
	})
	require.NoError(t, err)

	binary := engine.NewBinaryEngine(f.store, f.graph, f.ledger, nil)
	require.NoError(t, binary.Accumulate(ctx, left.ID, 300_000_000))
	require.NoError(t, binary.Accumulate(ctx, right.ID, 100_000_000))

	preview, err := f.orc.Preview(ctx, domain.RunTypeBinary, periodFrom, periodTo)
	require.NoError(t, err)
	assert.Equal(t, 1, preview.AffectedMembers)
	assert.Equal(t, int64(10_000_000), preview.TotalMicros)

	run, err := f.orc.Execute(ctx, uuid.Nil, domain.RunTypeBinary, periodFrom, periodTo)
	require.NoError(t, err)
	assert.Equal(t, preview.TotalMicros, run.TotalMicros)

	// The matching cycle is derived from the period: a second run over the
	// same period cannot double-match even though its run id differs.
	rerun, err := f.orc.Execute(ctx, uuid.Nil, domain.RunTypeBinary, periodFrom, periodTo)
	require.NoError(t, err)
	assert.Zero(t, rerun.TotalMicros)
}

func TestExecuteRankRunCreatesAchievements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	member, err := f.graph.Enroll(ctx, graph.EnrollCmd{Username: "climber"})
	require.NoError(t, err)
	f.addPackage(t, member.ID, 150_000_000, periodFrom)

	run, err := f.orc.Execute(ctx, uuid.Nil, domain.RunTypeRank, periodFrom, periodTo)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Zero(t, run.TotalMicros) // rank runs never post to the ledger

	achievements, err := f.store.AchievementsByMember(ctx, member.ID)
	require.NoError(t, err)
	require.Len(t, achievements, 1)
	assert.Equal(t, domain.RewardStatusPending, achievements[0].RewardStatus)

	got, err := f.store.GetMember(ctx, member.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Rank)
}

func TestExecutePartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sponsor, err := f.graph.Enroll(ctx, graph.EnrollCmd{Username: "sponsor"})
	require.NoError(t, err)
	good, err := f.graph.Enroll(ctx, graph.EnrollCmd{Username: "good", SponsorID: &sponsor.ID})
	require.NoError(t, err)
	f.addPackage(t, good.ID, 100_000_000, periodFrom.Add(time.Hour))

	// A member inserted with a dangling sponsor reference breaks its chain
	// walk; that task fails while the healthy one completes.
	missing := uuid.New()
	broken := &models.Member{
		ID: uuid.New(), Username: "broken", SponsorID: &missing,
		Status: domain.MemberStatusActive, JoinedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateMember(ctx, broken))
	f.addPackage(t, broken.ID, 100_000_000, periodFrom.Add(time.Hour))

	run, err := f.orc.Execute(ctx, uuid.Nil, domain.RunTypeLevel, periodFrom, periodTo)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPartiallyFailed, run.Status)
	assert.Equal(t, 1, run.AffectedMembers)
	assert.Equal(t, 1, run.FailedMembers)
	assert.Equal(t, int64(10_000_000), run.TotalMicros)

	// Retrying the same run finishes the healthy member as a no-op and
	// reports the broken one again.
	retry, err := f.orc.Execute(ctx, run.ID, domain.RunTypeLevel, periodFrom, periodTo)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPartiallyFailed, retry.Status)
	assert.Equal(t, int64(10_000_000), retry.TotalMicros)
}

func TestHistoryAndGetRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.orc.Execute(ctx, uuid.Nil, domain.RunTypeRank, periodFrom, periodTo)
	require.NoError(t, err)

	runs, err := f.orc.History(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	got, err := f.orc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Status, got.Status)

	_, err = f.orc.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
