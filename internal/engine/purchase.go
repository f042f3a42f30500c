package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veltrix/compengine/internal/domain"
	"github.com/veltrix/compengine/internal/ledger"
	"github.com/veltrix/compengine/internal/models"
	"github.com/veltrix/compengine/internal/store"
)

// PurchaseService creates investment packages and fires the side effects a
// purchase triggers: binary leg accumulation on the placement path and the
// one-time booster bonus for the sponsor on a member's first package.
type PurchaseService struct {
	store  store.Store
	binary *BinaryEngine
	ledger *ledger.Ledger
	log    *zap.Logger
}

func NewPurchaseService(st store.Store, binary *BinaryEngine, l *ledger.Ledger, log *zap.Logger) *PurchaseService {
	if log == nil {
		log = zap.NewNop()
	}
	return &PurchaseService{store: st, binary: binary, ledger: l, log: log}
}

type PurchaseCmd struct {
	MemberID        uuid.UUID
	PrincipalMicros int64
	RateMinPct      decimal.Decimal
	RateMaxPct      decimal.Decimal
	CapPct          decimal.Decimal
	Schedule        string
	TermDays        int
}

func (c PurchaseCmd) validate() error {
	if c.PrincipalMicros <= 0 {
		return domain.Validationf("principal_micros", "must be positive")
	}
	if c.RateMinPct.IsNegative() || c.RateMaxPct.LessThan(c.RateMinPct) {
		return domain.Validationf("rate_band", "min must be >= 0 and <= max")
	}
	if c.CapPct.IsNegative() || c.CapPct.IsZero() {
		return domain.Validationf("cap_pct", "must be positive")
	}
	switch c.Schedule {
	case domain.PeriodDaily, domain.PeriodWeekly, domain.PeriodMonthly:
	default:
		return domain.Validationf("schedule", "must be daily, weekly or monthly")
	}
	if c.TermDays <= 0 {
		return domain.Validationf("term_days", "must be positive")
	}
	return nil
}

// Purchase creates the package and applies the purchase-time effects. The
// package principal becomes downline volume on every binary ancestor
// immediately; level commissions for the purchase are paid by the next level
// run over the period containing it.
func (s *PurchaseService) Purchase(ctx context.Context, cfg *models.CommissionSettings, cmd PurchaseCmd) (*models.Package, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	member, err := s.store.GetMember(ctx, cmd.MemberID)
	if err != nil {
		return nil, domain.ErrNotFound
	}
	if member.Status != domain.MemberStatusActive {
		return nil, domain.Violation(domain.CodeMemberNotActive, "member is %s", member.Status)
	}

	prior, err := s.store.PackagesByMember(ctx, cmd.MemberID)
	if err != nil {
		return nil, fmt.Errorf("list prior packages: %w", err)
	}

	now := time.Now().UTC()
	pkg := &models.Package{
		ID:              uuid.New(),
		MemberID:        cmd.MemberID,
		PrincipalMicros: cmd.PrincipalMicros,
		RateMinPct:      cmd.RateMinPct,
		RateMaxPct:      cmd.RateMaxPct,
		CapPct:          cmd.CapPct,
		Schedule:        cmd.Schedule,
		Status:          domain.PackageStatusActive,
		StartAt:         now,
		MaturesAt:       now.AddDate(0, 0, cmd.TermDays),
	}
	if err := s.store.CreatePackage(ctx, pkg); err != nil {
		return nil, fmt.Errorf("create package: %w", err)
	}

	if member.BinaryParent != nil {
		if err := s.binary.Accumulate(ctx, member.ID, pkg.PrincipalMicros); err != nil {
			// The package exists; leg accumulation failing is surfaced, not
			// rolled back, and is safe to re-drive from the audit trail.
			return pkg, fmt.Errorf("accumulate binary volume: %w", err)
		}
	}

	if len(prior) == 0 && member.SponsorID != nil && cfg != nil && cfg.BoosterPct.IsPositive() {
		bonus := domain.ApplyPercent(pkg.PrincipalMicros, cfg.BoosterPct)
		if bonus > 0 {
			entry := &models.LedgerEntry{
				MemberID:       *member.SponsorID,
				AmountMicros:   bonus,
				Kind:           domain.EntryKindBooster,
				RunID:          fmt.Sprintf("booster:%s", pkg.ID),
				IdempotencyKey: fmt.Sprintf("pkg:%s:booster", pkg.ID),
			}
			if _, err := s.ledger.Post(ctx, entry); err != nil {
				return pkg, fmt.Errorf("post booster bonus: %w", err)
			}
		}
	}

	s.log.Info("package purchased",
		zap.String("member_id", member.ID.String()),
		zap.String("package_id", pkg.ID.String()),
		zap.String("principal", domain.FormatAmount(pkg.PrincipalMicros)),
	)
	return pkg, nil
}
