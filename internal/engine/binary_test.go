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

func binaryConfig() *models.CommissionSettings {
	return &models.CommissionSettings{
		MatchingPct: pct("10"),
		RatioLeft:   1,
		RatioRight:  1,
		FlushPeriod: domain.PeriodWeekly,
	}
}

func TestComputeMatchMinOfLegs(t *testing.T) {
	cfg := binaryConfig()
	st := &models.BinaryLegState{LeftMicros: 300_000_000, RightMicros: 100_000_000}

	res := engine.ComputeMatch(st, cfg)
	assert.Equal(t, int64(100_000_000), res.MatchedMicros)
	assert.Equal(t, int64(10_000_000), res.BonusMicros)
	assert.Equal(t, int64(200_000_000), res.NewLeft)
	assert.Zero(t, res.NewRight)
	assert.False(t, res.CapBound)
}

func TestComputeMatchRatio(t *testing.T) {
	cfg := binaryConfig()
	cfg.RatioLeft = 1
	cfg.RatioRight = 2

	// 1:2 ratio: 100 left matches against 200 right.
	st := &models.BinaryLegState{LeftMicros: 100_000_000, RightMicros: 500_000_000}
	res := engine.ComputeMatch(st, cfg)
	assert.Equal(t, int64(200_000_000), res.MatchedMicros)
	assert.Equal(t, int64(20_000_000), res.BonusMicros)
	assert.Zero(t, res.NewLeft)
	assert.Equal(t, int64(300_000_000), res.NewRight)
}

func TestComputeMatchEmptyLeg(t *testing.T) {
	cfg := binaryConfig()
	st := &models.BinaryLegState{LeftMicros: 500_000_000, RightMicros: 0}

	res := engine.ComputeMatch(st, cfg)
	assert.Zero(t, res.MatchedMicros)
	assert.Zero(t, res.BonusMicros)
	assert.Equal(t, int64(500_000_000), res.NewLeft)
	assert.Zero(t, res.NewRight)
}

func TestComputeMatchDailyCap(t *testing.T) {
	cfg := binaryConfig()
	cfg.DailyCapMicros = 4_000_000

	st := &models.BinaryLegState{LeftMicros: 300_000_000, RightMicros: 100_000_000}
	res := engine.ComputeMatch(st, cfg)
	assert.True(t, res.CapBound)
	assert.Equal(t, int64(4_000_000), res.BonusMicros)
	// Only the volume the clamped bonus pays for is deducted; the rest
	// stays on the legs as carry.
	assert.Equal(t, int64(40_000_000), res.MatchedMicros)
	assert.Equal(t, int64(260_000_000), res.NewLeft)
	assert.Equal(t, int64(60_000_000), res.NewRight)
}

func TestComputeMatchSmallestWindowBinds(t *testing.T) {
	cfg := binaryConfig()
	cfg.DailyCapMicros = 50_000_000
	cfg.WeeklyCapMicros = 20_000_000
	cfg.MonthlyCapMicros = 80_000_000

	st := &models.BinaryLegState{
		LeftMicros:  1_000_000_000,
		RightMicros: 1_000_000_000,
		// The weekly window has the least headroom left.
		WeekPaidMicros: 15_000_000,
	}
	res := engine.ComputeMatch(st, cfg)
	assert.True(t, res.CapBound)
	assert.Equal(t, int64(5_000_000), res.BonusMicros)
}

func TestComputeMatchExhaustedCap(t *testing.T) {
	cfg := binaryConfig()
	cfg.DailyCapMicros = 10_000_000

	st := &models.BinaryLegState{
		LeftMicros:    100_000_000,
		RightMicros:   100_000_000,
		DayPaidMicros: 10_000_000,
	}
	res := engine.ComputeMatch(st, cfg)
	assert.True(t, res.CapBound)
	assert.Zero(t, res.BonusMicros)
	// Nothing earned, nothing deducted.
	assert.Equal(t, int64(100_000_000), res.NewLeft)
	assert.Equal(t, int64(100_000_000), res.NewRight)
}

// placeLine builds root with one member on each leg and returns all three.
func placeLine(t *testing.T, g *graph.Graph) (root, left, right *models.Member) {
	t.Helper()
	ctx := context.Background()
	var err error
	root, err = g.Enroll(ctx, graph.EnrollCmd{Username: "root"})
	require.NoError(t, err)
	left, err = g.Enroll(ctx, graph.EnrollCmd{
		Username: "left", SponsorID: &root.ID,
		BinaryParent: &root.ID, BinarySide: domain.SideLeft,
	})
	require.NoError(t, err)
	right, err = g.Enroll(ctx, graph.EnrollCmd{
		Username: "right", SponsorID: &root.ID,
		BinaryParent: &root.ID, BinarySide: domain.SideRight,
	})
	require.NoError(t, err)
	return root, left, right
}

func TestAccumulateCreditsFacingLeg(t *testing.T) {
	st := memstore.New()
	g := graph.New(st)
	l := ledger.New(st, nil)
	e := engine.NewBinaryEngine(st, g, l, nil)
	ctx := context.Background()

	root, left, _ := placeLine(t, g)

	// A purchase under the left child credits the child's own ancestors and
	// the root's left leg.
	leaf, err := g.Enroll(ctx, graph.EnrollCmd{
		Username: "leaf", SponsorID: &left.ID,
		BinaryParent: &left.ID, BinarySide: domain.SideRight,
	})
	require.NoError(t, err)
	require.NoError(t, e.Accumulate(ctx, leaf.ID, 70_000_000))

	leftState, err := st.GetLegState(ctx, left.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(70_000_000), leftState.RightMicros)

	rootState, err := st.GetLegState(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(70_000_000), rootState.LeftMicros)
	assert.Zero(t, rootState.RightMicros)
}

func TestMatchMemberPostsAndDeducts(t *testing.T) {
	st := memstore.New()
	g := graph.New(st)
	l := ledger.New(st, nil)
	e := engine.NewBinaryEngine(st, g, l, nil)
	ctx := context.Background()

	root, left, right := placeLine(t, g)
	require.NoError(t, e.Accumulate(ctx, left.ID, 300_000_000))
	require.NoError(t, e.Accumulate(ctx, right.ID, 100_000_000))

	cfg := binaryConfig()
	credited, err := e.MatchMember(ctx, cfg, "run-1", "cycle-1", root.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), credited)

	bal, err := l.BalanceOf(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), bal)

	state, err := st.GetLegState(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200_000_000), state.LeftMicros)
	assert.Zero(t, state.RightMicros)
	assert.Equal(t, int64(10_000_000), state.DayPaidMicros)
	assert.Equal(t, int64(10_000_000), state.WeekPaidMicros)
	assert.Equal(t, int64(10_000_000), state.MonthPaidMicros)
}

func TestMatchMemberReplayIsNoOp(t *testing.T) {
	st := memstore.New()
	g := graph.New(st)
	l := ledger.New(st, nil)
	e := engine.NewBinaryEngine(st, g, l, nil)
	ctx := context.Background()

	root, left, right := placeLine(t, g)
	require.NoError(t, e.Accumulate(ctx, left.ID, 300_000_000))
	require.NoError(t, e.Accumulate(ctx, right.ID, 100_000_000))

	cfg := binaryConfig()
	_, err := e.MatchMember(ctx, cfg, "run-1", "cycle-1", root.ID)
	require.NoError(t, err)

	// Same cycle again: nothing credited, legs untouched.
	credited, err := e.MatchMember(ctx, cfg, "run-1", "cycle-1", root.ID)
	require.NoError(t, err)
	assert.Zero(t, credited)

	bal, err := l.BalanceOf(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), bal)

	state, err := st.GetLegState(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200_000_000), state.LeftMicros)

	// A new cycle is free to match the remaining carry once the weak leg
	// refills.
	require.NoError(t, e.Accumulate(ctx, right.ID, 50_000_000))
	credited, err = e.MatchMember(ctx, cfg, "run-2", "cycle-2", root.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), credited)
}

func TestFlushForfeitsCarry(t *testing.T) {
	st := memstore.New()
	g := graph.New(st)
	l := ledger.New(st, nil)
	e := engine.NewBinaryEngine(st, g, l, nil)
	ctx := context.Background()

	root, left, right := placeLine(t, g)
	require.NoError(t, e.Accumulate(ctx, left.ID, 300_000_000))
	require.NoError(t, e.Accumulate(ctx, right.ID, 100_000_000))

	cfg := binaryConfig()
	_, err := e.MatchMember(ctx, cfg, "run-1", "cycle-1", root.ID)
	require.NoError(t, err)

	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, e.FlushAll(ctx, now, true, true, false))

	state, err := st.GetLegState(ctx, root.ID)
	require.NoError(t, err)
	assert.Zero(t, state.LeftMicros)
	assert.Zero(t, state.RightMicros)
	assert.Zero(t, state.DayPaidMicros)
	assert.Zero(t, state.WeekPaidMicros)
	assert.Equal(t, int64(10_000_000), state.MonthPaidMicros)
	assert.Equal(t, now, state.LastFlushAt)

	// The forfeited carry never comes back: the next cycle has nothing.
	credited, err := e.MatchMember(ctx, cfg, "run-2", "cycle-2", root.ID)
	require.NoError(t, err)
	assert.Zero(t, credited)
}

func TestResetWindowsKeepsCarry(t *testing.T) {
	st := memstore.New()
	g := graph.New(st)
	l := ledger.New(st, nil)
	e := engine.NewBinaryEngine(st, g, l, nil)
	ctx := context.Background()

	root, left, right := placeLine(t, g)
	require.NoError(t, e.Accumulate(ctx, left.ID, 300_000_000))
	require.NoError(t, e.Accumulate(ctx, right.ID, 100_000_000))

	cfg := binaryConfig()
	_, err := e.MatchMember(ctx, cfg, "run-1", "cycle-1", root.ID)
	require.NoError(t, err)

	require.NoError(t, e.ResetWindows(ctx, time.Now().UTC(), true, false, false))

	state, err := st.GetLegState(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200_000_000), state.LeftMicros)
	assert.Zero(t, state.DayPaidMicros)
	assert.Equal(t, int64(10_000_000), state.WeekPaidMicros)
	assert.Equal(t, int64(10_000_000), state.MonthPaidMicros)
}

func TestAccumulateValidation(t *testing.T) {
	st := memstore.New()
	g := graph.New(st)
	e := engine.NewBinaryEngine(st, g, ledger.New(st, nil), nil)

	err := e.Accumulate(context.Background(), uuid.New(), 0)
	assert.True(t, domain.IsValidation(err))
}
