package domain

// Ledger entry kinds.
const (
	EntryKindLevel      = "level"
	EntryKindBinary     = "binary"
	EntryKindROI        = "roi"
	EntryKindRank       = "rank"
	EntryKindBooster    = "booster"
	EntryKindDeposit    = "deposit"
	EntryKindWithdrawal = "withdrawal"
	EntryKindManual     = "manual"
)

// Member statuses.
const (
	MemberStatusActive    = "active"
	MemberStatusSuspended = "suspended"
	MemberStatusBanned    = "banned"
)

// Binary placement sides.
const (
	SideLeft  = "left"
	SideRight = "right"
)

// Package statuses.
const (
	PackageStatusActive    = "active"
	PackageStatusMatured   = "matured"
	PackageStatusCancelled = "cancelled"
)

// Commission run types.
const (
	RunTypeLevel  = "level"
	RunTypeBinary = "binary"
	RunTypeROI    = "roi"
	RunTypeRank   = "rank"
)

// Commission run statuses.
const (
	RunStatusPending         = "pending"
	RunStatusRunning         = "running"
	RunStatusCompleted       = "completed"
	RunStatusPartiallyFailed = "partially_failed"
	RunStatusFailed          = "failed"
)

// Deposit/withdrawal request statuses.
const (
	RequestStatusPending  = "pending"
	RequestStatusApproved = "approved"
	RequestStatusRejected = "rejected"
	RequestStatusOnHold   = "on_hold"
)

// KYC snapshot statuses.
const (
	KYCStatusVerified = "verified"
	KYCStatusPending  = "pending"
	KYCStatusRejected = "rejected"
)

// Rank reward statuses.
const (
	RewardStatusPending   = "pending"
	RewardStatusPaid      = "paid"
	RewardStatusCancelled = "cancelled"
)

// Level compression modes. Skip drops an inactive level's share entirely;
// rollup passes it to the next active ancestor up the chain.
const (
	CompressionSkip   = "skip"
	CompressionRollup = "rollup"
)

// ROI rate selection within a package band. Every mode is a pure function of
// the band; there is no random mode.
const (
	RateModeMin      = "min"
	RateModeMidpoint = "midpoint"
	RateModeMax      = "max"
)

// Accrual / flush periods.
const (
	PeriodDaily   = "daily"
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
)

// ValidRunType reports whether t names a known commission run type.
func ValidRunType(t string) bool {
	switch t {
	case RunTypeLevel, RunTypeBinary, RunTypeROI, RunTypeRank:
		return true
	}
	return false
}
