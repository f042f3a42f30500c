package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CommissionSettings is the versioned configuration record driving every
// engine. A new version is written on each save; engines always read the
// latest version at run start so a run sees one consistent snapshot.
type CommissionSettings struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`

	// Level commissions. Levels[i] configures level i+1.
	Levels          []LevelSetting `json:"levels" validate:"required,min=1,dive"`
	CompressionMode string         `json:"compression_mode" validate:"oneof=skip rollup"`
	// LevelOnROI controls whether ROI accruals also feed the level
	// distributor as qualifying events.
	LevelOnROI bool `json:"level_on_roi"`

	// Binary matching.
	MatchingPct      decimal.Decimal `json:"matching_pct"`
	RatioLeft        int64           `json:"ratio_left" validate:"min=1"`
	RatioRight       int64           `json:"ratio_right" validate:"min=1"`
	DailyCapMicros   int64           `json:"daily_cap_micros" validate:"min=0"`
	WeeklyCapMicros  int64           `json:"weekly_cap_micros" validate:"min=0"`
	MonthlyCapMicros int64           `json:"monthly_cap_micros" validate:"min=0"`
	FlushPeriod      string          `json:"flush_period" validate:"oneof=daily weekly monthly"`

	// ROI accrual.
	RateMode string `json:"rate_mode" validate:"oneof=min midpoint max"`

	// One-time booster bonus on first package purchase, zero disables it.
	BoosterPct decimal.Decimal `json:"booster_pct"`

	// Rank table, ascending by Order with non-decreasing thresholds.
	Ranks []RankDefinition `json:"ranks" validate:"dive"`

	// Withdrawal guardrails checked at approval time.
	MinWithdrawalMicros int64 `json:"min_withdrawal_micros" validate:"min=0"`
	MaxWithdrawalMicros int64 `json:"max_withdrawal_micros" validate:"min=0"`
}

type LevelSetting struct {
	Pct    decimal.Decimal `json:"pct"`
	Active bool            `json:"active"`
}

// RankByOrder returns the rank definition with the given order, or nil.
func (s *CommissionSettings) RankByOrder(order int) *RankDefinition {
	for i := range s.Ranks {
		if s.Ranks[i].Order == order {
			return &s.Ranks[i]
		}
	}
	return nil
}
