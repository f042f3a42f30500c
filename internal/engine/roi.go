package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veltrix/compengine/internal/domain"
	"github.com/veltrix/compengine/internal/ledger"
	"github.com/veltrix/compengine/internal/models"
	"github.com/veltrix/compengine/internal/store"
)

// AccrualResult is one package's computed return for one schedule instant.
type AccrualResult struct {
	AmountMicros int64
	Matures      bool
}

// SelectRate picks the package's accrual rate deterministically from its band.
// There is no random mode: the same package and settings always yield the
// same rate.
func SelectRate(pkg *models.Package, mode string) decimal.Decimal {
	switch mode {
	case domain.RateModeMin:
		return pkg.RateMinPct
	case domain.RateModeMax:
		return pkg.RateMaxPct
	default: // midpoint
		return pkg.RateMinPct.Add(pkg.RateMaxPct).Div(decimal.NewFromInt(2))
	}
}

// ComputeAccrual computes one accrual for the package, clamped to the
// remaining lifetime cap. Matures is set when this accrual exhausts the cap.
func ComputeAccrual(pkg *models.Package, mode string) AccrualResult {
	capMicros := pkg.CapMicros()
	remaining := capMicros - pkg.ROIPaidMicros
	if remaining <= 0 {
		return AccrualResult{Matures: true}
	}
	accrual := domain.ApplyPercent(pkg.PrincipalMicros, SelectRate(pkg, mode))
	if accrual >= remaining {
		return AccrualResult{AmountMicros: remaining, Matures: true}
	}
	return AccrualResult{AmountMicros: accrual}
}

// ScheduleInstants lists the accrual boundaries of the given schedule inside
// [from, to): UTC midnights for daily, Mondays for weekly, first-of-month
// for monthly.
func ScheduleInstants(schedule string, from, to time.Time) []time.Time {
	var instants []time.Time
	cur := from.UTC().Truncate(24 * time.Hour)
	if cur.Before(from) {
		cur = cur.Add(24 * time.Hour)
	}
	for ; cur.Before(to); cur = cur.Add(24 * time.Hour) {
		switch schedule {
		case domain.PeriodDaily:
			instants = append(instants, cur)
		case domain.PeriodWeekly:
			if cur.Weekday() == time.Monday {
				instants = append(instants, cur)
			}
		case domain.PeriodMonthly:
			if cur.Day() == 1 {
				instants = append(instants, cur)
			}
		}
	}
	return instants
}

// ROIEngine accrues periodic returns on active packages.
type ROIEngine struct {
	store  store.Store
	ledger *ledger.Ledger
	log    *zap.Logger
}

func NewROIEngine(st store.Store, l *ledger.Ledger, log *zap.Logger) *ROIEngine {
	if log == nil {
		log = zap.NewNop()
	}
	return &ROIEngine{store: st, ledger: l, log: log}
}

// AccruePackage posts the accruals due for the package within [from, to) and
// advances its cumulative ROI. Each instant is keyed (package, instant), so
// replays skip instants already paid without touching package state. Returns
// the events credited by this call, for the level distributor to consume when
// ROI feeds upline commissions.
func (e *ROIEngine) AccruePackage(ctx context.Context, cfg *models.CommissionSettings, runID string, pkg *models.Package, from, to time.Time) ([]Event, int64, error) {
	if pkg.Status != domain.PackageStatusActive {
		return nil, 0, nil
	}
	var events []Event
	var total int64
	for _, instant := range ScheduleInstants(pkg.Schedule, from, to) {
		if instant.Before(pkg.StartAt) || !instant.Before(pkg.MaturesAt) {
			continue
		}
		res := ComputeAccrual(pkg, cfg.RateMode)
		if res.AmountMicros > 0 {
			key := fmt.Sprintf("pkg:%s:at:%d:roi", pkg.ID, instant.Unix())
			entry := &models.LedgerEntry{
				MemberID:       pkg.MemberID,
				AmountMicros:   res.AmountMicros,
				Kind:           domain.EntryKindROI,
				RunID:          runID,
				IdempotencyKey: key,
			}
			outcome, err := e.ledger.Post(ctx, entry)
			if err != nil {
				return events, total, fmt.Errorf("post roi for package %s: %w", pkg.ID, err)
			}
			if outcome == ledger.OutcomeAccepted {
				pkg.ROIPaidMicros += res.AmountMicros
				total += res.AmountMicros
				events = append(events, Event{
					ID:           key,
					MemberID:     pkg.MemberID,
					AmountMicros: res.AmountMicros,
				})
			}
		}
		if res.Matures {
			pkg.Status = domain.PackageStatusMatured
		}
		if pkg.Status != domain.PackageStatusActive {
			break
		}
	}
	if err := e.store.UpdatePackage(ctx, pkg); err != nil {
		return events, total, fmt.Errorf("update package %s: %w", pkg.ID, err)
	}
	return events, total, nil
}

// EstimateAccruals computes what AccruePackage would pay without posting or
// mutating anything.
func (e *ROIEngine) EstimateAccruals(cfg *models.CommissionSettings, pkg *models.Package, from, to time.Time) int64 {
	if pkg.Status != domain.PackageStatusActive {
		return 0
	}
	work := *pkg
	var total int64
	for _, instant := range ScheduleInstants(work.Schedule, from, to) {
		if instant.Before(work.StartAt) || !instant.Before(work.MaturesAt) {
			continue
		}
		res := ComputeAccrual(&work, cfg.RateMode)
		work.ROIPaidMicros += res.AmountMicros
		total += res.AmountMicros
		if res.Matures {
			break
		}
	}
	return total
}
