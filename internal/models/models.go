package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Member struct {
	ID           uuid.UUID  `json:"id"`
	Username     string     `json:"username"`
	SponsorID    *uuid.UUID `json:"sponsor_id,omitempty"`
	BinaryParent *uuid.UUID `json:"binary_parent,omitempty"`
	BinarySide   string     `json:"binary_side,omitempty"` // "left" or "right"
	Status       string     `json:"status"`
	Rank         int        `json:"rank"` // rank order, 0 = unranked
	KYCStatus    string     `json:"kyc_status"`
	JoinedAt     time.Time  `json:"joined_at"`
}

type Package struct {
	ID              uuid.UUID       `json:"id"`
	MemberID        uuid.UUID       `json:"member_id"`
	PrincipalMicros int64           `json:"principal_micros"`
	RateMinPct      decimal.Decimal `json:"rate_min_pct"`
	RateMaxPct      decimal.Decimal `json:"rate_max_pct"`
	CapPct          decimal.Decimal `json:"cap_pct"` // lifetime ROI cap as % of principal
	ROIPaidMicros   int64           `json:"roi_paid_micros"`
	Schedule        string          `json:"schedule"` // daily|weekly|monthly
	Status          string          `json:"status"`
	StartAt         time.Time       `json:"start_at"`
	MaturesAt       time.Time       `json:"matures_at"`
}

// CapMicros is the absolute lifetime ROI cap for the package.
func (p *Package) CapMicros() int64 {
	return decimal.NewFromInt(p.PrincipalMicros).Mul(p.CapPct).Div(decimal.NewFromInt(100)).IntPart()
}

type BinaryLegState struct {
	MemberID    uuid.UUID `json:"member_id"`
	LeftMicros  int64     `json:"left_micros"`
	RightMicros int64     `json:"right_micros"`
	// Cap allowance consumed in the current day/week/month windows.
	DayPaidMicros   int64     `json:"day_paid_micros"`
	WeekPaidMicros  int64     `json:"week_paid_micros"`
	MonthPaidMicros int64     `json:"month_paid_micros"`
	LastFlushAt     time.Time `json:"last_flush_at"`
}

type LedgerEntry struct {
	ID             uuid.UUID `json:"id"`
	MemberID       uuid.UUID `json:"member_id"`
	AmountMicros   int64     `json:"amount_micros"` // signed, negative = debit
	Kind           string    `json:"kind"`
	RunID          string    `json:"run_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Reason         string    `json:"reason,omitempty"`
	// ReversalOf links an opposite-signed entry to the original it reverses.
	ReversalOf *uuid.UUID `json:"reversal_of,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type CommissionRun struct {
	ID              uuid.UUID  `json:"id"`
	Type            string     `json:"type"`
	PeriodFrom      time.Time  `json:"period_from"`
	PeriodTo        time.Time  `json:"period_to"`
	Status          string     `json:"status"`
	AffectedMembers int        `json:"affected_members"`
	FailedMembers   int        `json:"failed_members"`
	TotalMicros     int64      `json:"total_micros"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

type RankDefinition struct {
	Order                int    `json:"order"` // strict total order, 1-based
	Name                 string `json:"name"`
	PersonalInvestMicros int64  `json:"personal_invest_micros"`
	TeamVolumeMicros     int64  `json:"team_volume_micros"`
	DirectReferrals      int    `json:"direct_referrals"`
	ActiveTeamSize       int    `json:"active_team_size"`
	RewardMicros         int64  `json:"reward_micros"`
}

type RankAchievement struct {
	ID           uuid.UUID `json:"id"`
	MemberID     uuid.UUID `json:"member_id"`
	RankOrder    int       `json:"rank_order"`
	RewardMicros int64     `json:"reward_micros"`
	RewardStatus string    `json:"reward_status"`
	AchievedAt   time.Time `json:"achieved_at"`
}

// PaymentRequest covers both deposit and withdrawal requests; Direction keeps
// the asymmetric approval rules in one place.
type PaymentRequest struct {
	ID           uuid.UUID `json:"id"`
	MemberID     uuid.UUID `json:"member_id"`
	Direction    string    `json:"direction"` // "deposit" or "withdrawal"
	AmountMicros int64     `json:"amount_micros"`
	Status       string    `json:"status"`
	// Snapshots taken at request time; approval revalidates live state.
	KYCSnapshot     string     `json:"kyc_snapshot"`
	BalanceSnapshot int64      `json:"balance_snapshot"`
	RejectReason    string     `json:"reject_reason,omitempty"`
	DecidedBy       *uuid.UUID `json:"decided_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
}

const (
	DirectionDeposit    = "deposit"
	DirectionWithdrawal = "withdrawal"
)

type AuditRecord struct {
	ID         uuid.UUID  `json:"id"`
	EntityType string     `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	ActorID    *uuid.UUID `json:"actor_id,omitempty"`
	Action     string     `json:"action"`
	PrevState  string     `json:"prev_state,omitempty"`
	NextState  string     `json:"next_state,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// DownlineStats is the recursive aggregation consumed by the rank evaluator.
type DownlineStats struct {
	PersonalMicros   int64 `json:"personal_micros"`
	TeamVolumeMicros int64 `json:"team_volume_micros"` // personal + all descendants
	DirectCount      int   `json:"direct_count"`
	ActiveTeamCount  int   `json:"active_team_count"`
}

// BatchResult aggregates per-id outcomes of a batch operation. Batches never
// fail atomically; every id gets its own outcome.
type BatchResult struct {
	Succeeded []uuid.UUID    `json:"succeeded"`
	Failed    []BatchFailure `json:"failed"`
}

type BatchFailure struct {
	ID     uuid.UUID `json:"id"`
	Reason string    `json:"reason"`
}

// RunPreview is the read-only estimate returned by the orchestrator dry run.
type RunPreview struct {
	AffectedMembers int   `json:"affected_members"`
	TotalMicros     int64 `json:"total_micros"`
}

// IdempotencyRecord captures the response of a mutating HTTP request so
// retries with the same Idempotency-Key replay the original response.
type IdempotencyRecord struct {
	Key            string    `json:"key"`
	RequestHash    string    `json:"request_hash"`
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	InProgress     bool      `json:"in_progress"`
	ResponseStatus int       `json:"response_status"`
	ResponseBody   []byte    `json:"response_body"`
	ContentType    string    `json:"content_type"`
	CreatedAt      time.Time `json:"created_at"`
}
