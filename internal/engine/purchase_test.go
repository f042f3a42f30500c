package engine_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veltrix/compengine/internal/domain"
	"github.com/veltrix/compengine/internal/engine"
	"github.com/veltrix/compengine/internal/graph"
	"github.com/veltrix/compengine/internal/ledger"
	"github.com/veltrix/compengine/internal/models"
	"github.com/veltrix/compengine/internal/store/memstore"
)

func purchaseFixture(t *testing.T) (*memstore.Store, *graph.Graph, *ledger.Ledger, *engine.PurchaseService) {
	t.Helper()
	st := memstore.New()
	g := graph.New(st)
	l := ledger.New(st, nil)
	binary := engine.NewBinaryEngine(st, g, l, nil)
	return st, g, l, engine.NewPurchaseService(st, binary, l, nil)
}

func purchaseCmd(memberID models.Member) engine.PurchaseCmd {
	return engine.PurchaseCmd{
		MemberID:        memberID.ID,
		PrincipalMicros: 500_000_000,
		RateMinPct:      pct("5"),
		RateMaxPct:      pct("7"),
		CapPct:          pct("150"),
		Schedule:        domain.PeriodDaily,
		TermDays:        365,
	}
}

func TestPurchaseCreatesActivePackage(t *testing.T) {
	st, g, _, svc := purchaseFixture(t)
	ctx := context.Background()

	m, err := g.Enroll(ctx, graph.EnrollCmd{Username: "buyer"})
	require.NoError(t, err)

	pkg, err := svc.Purchase(ctx, nil, purchaseCmd(*m))
	require.NoError(t, err)
	assert.Equal(t, domain.PackageStatusActive, pkg.Status)
	assert.Equal(t, int64(500_000_000), pkg.PrincipalMicros)
	assert.Equal(t, pkg.StartAt.AddDate(0, 0, 365), pkg.MaturesAt)

	stored, err := st.GetPackage(ctx, pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, stored.MemberID)
}

func TestPurchaseValidation(t *testing.T) {
	_, g, _, svc := purchaseFixture(t)
	ctx := context.Background()

	m, err := g.Enroll(ctx, graph.EnrollCmd{Username: "buyer"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*engine.PurchaseCmd)
	}{
		{"zero principal", func(c *engine.PurchaseCmd) { c.PrincipalMicros = 0 }},
		{"inverted band", func(c *engine.PurchaseCmd) {
			c.RateMinPct = pct("8")
			c.RateMaxPct = pct("5")
		}},
		{"zero cap", func(c *engine.PurchaseCmd) { c.CapPct = decimal.Zero }},
		{"bad schedule", func(c *engine.PurchaseCmd) { c.Schedule = "hourly" }},
		{"zero term", func(c *engine.PurchaseCmd) { c.TermDays = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cmd := purchaseCmd(*m)
			tc.mutate(&cmd)
			_, err := svc.Purchase(ctx, nil, cmd)
			assert.True(t, domain.IsValidation(err), "expected validation error, got %v", err)
		})
	}
}

func TestPurchaseRefusesInactiveMember(t *testing.T) {
	st, g, _, svc := purchaseFixture(t)
	ctx := context.Background()

	m, err := g.Enroll(ctx, graph.EnrollCmd{Username: "banned"})
	require.NoError(t, err)
	m.Status = domain.MemberStatusBanned
	require.NoError(t, st.UpdateMember(ctx, m))

	_, err = svc.Purchase(ctx, nil, purchaseCmd(*m))
	assert.Equal(t, domain.CodeMemberNotActive, domain.ViolationCode(err))
}

func TestPurchaseAccumulatesBinaryVolume(t *testing.T) {
	st, g, _, svc := purchaseFixture(t)
	ctx := context.Background()

	root, err := g.Enroll(ctx, graph.EnrollCmd{Username: "root"})
	require.NoError(t, err)
	child, err := g.Enroll(ctx, graph.EnrollCmd{
		Username: "child", SponsorID: &root.ID,
		BinaryParent: &root.ID, BinarySide: domain.SideRight,
	})
	require.NoError(t, err)

	_, err = svc.Purchase(ctx, nil, purchaseCmd(*child))
	require.NoError(t, err)

	state, err := st.GetLegState(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500_000_000), state.RightMicros)
	assert.Zero(t, state.LeftMicros)
}

func TestBoosterPaysSponsorOnFirstPackageOnly(t *testing.T) {
	_, g, l, svc := purchaseFixture(t)
	ctx := context.Background()

	sponsor, err := g.Enroll(ctx, graph.EnrollCmd{Username: "sponsor"})
	require.NoError(t, err)
	buyer, err := g.Enroll(ctx, graph.EnrollCmd{Username: "buyer", SponsorID: &sponsor.ID})
	require.NoError(t, err)

	cfg := &models.CommissionSettings{BoosterPct: pct("2")}

	_, err = svc.Purchase(ctx, cfg, purchaseCmd(*buyer))
	require.NoError(t, err)

	bal, err := l.BalanceOf(ctx, sponsor.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), bal) // 2% of 500

	// The second package pays no booster.
	_, err = svc.Purchase(ctx, cfg, purchaseCmd(*buyer))
	require.NoError(t, err)
	bal, err = l.BalanceOf(ctx, sponsor.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), bal)
}

func TestBoosterSkippedWithoutSponsorOrConfig(t *testing.T) {
	_, g, l, svc := purchaseFixture(t)
	ctx := context.Background()

	orphan, err := g.Enroll(ctx, graph.EnrollCmd{Username: "orphan"})
	require.NoError(t, err)
	cfg := &models.CommissionSettings{BoosterPct: pct("2")}
	_, err = svc.Purchase(ctx, cfg, purchaseCmd(*orphan))
	require.NoError(t, err)

	sponsor, err := g.Enroll(ctx, graph.EnrollCmd{Username: "sponsor"})
	require.NoError(t, err)
	buyer, err := g.Enroll(ctx, graph.EnrollCmd{Username: "buyer", SponsorID: &sponsor.ID})
	require.NoError(t, err)

	// Zero booster percentage disables the bonus entirely.
	_, err = svc.Purchase(ctx, &models.CommissionSettings{}, purchaseCmd(*buyer))
	require.NoError(t, err)
	bal, err := l.BalanceOf(ctx, sponsor.ID)
	require.NoError(t, err)
	assert.Zero(t, bal)
}
