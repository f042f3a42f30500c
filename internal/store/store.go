// Package store defines the persistence contract shared by the engines.
// Two implementations exist: memstore (in-memory, used by tests and
// single-node deployments) and postgres (pgx-backed).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/veltrix/compengine/internal/models"
)

var (
	// ErrDuplicateKey is returned when an insert collides with a uniqueness
	// constraint (idempotency key, rank achievement, binary slot).
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrNotFound is returned for lookups of absent records.
	ErrNotFound = errors.New("record not found")
)

// MemberStore covers member records and the two trees they hang in.
type MemberStore interface {
	CreateMember(ctx context.Context, m *models.Member) error
	GetMember(ctx context.Context, id uuid.UUID) (*models.Member, error)
	UpdateMember(ctx context.Context, m *models.Member) error
	ListMembers(ctx context.Context) ([]models.Member, error)
	// DirectReferrals returns members whose sponsor is the given member.
	DirectReferrals(ctx context.Context, sponsorID uuid.UUID) ([]models.Member, error)
	// BinaryChild returns the occupant of the given slot, or ErrNotFound.
	BinaryChild(ctx context.Context, parentID uuid.UUID, side string) (*models.Member, error)
}

// PackageStore covers investment packages.
type PackageStore interface {
	CreatePackage(ctx context.Context, p *models.Package) error
	GetPackage(ctx context.Context, id uuid.UUID) (*models.Package, error)
	UpdatePackage(ctx context.Context, p *models.Package) error
	ListActivePackages(ctx context.Context) ([]models.Package, error)
	PackagesByMember(ctx context.Context, memberID uuid.UUID) ([]models.Package, error)
	PackagesCreatedBetween(ctx context.Context, from, to time.Time) ([]models.Package, error)
}

// LedgerStore is the append-only entry log plus the materialized balance.
type LedgerStore interface {
	// AppendEntry inserts the entry and adjusts the cached balance in the
	// same atomic step. Returns ErrDuplicateKey when the idempotency key
	// already exists. When guardNonNegative is set the append fails with
	// domain.ErrInsufficientBalance instead of driving the balance below
	// zero.
	AppendEntry(ctx context.Context, e *models.LedgerEntry, guardNonNegative bool) error
	Balance(ctx context.Context, memberID uuid.UUID) (int64, error)
	// SumEntries folds all entry amounts for the member, bypassing the
	// cached balance. Reconciliation compares the two.
	SumEntries(ctx context.Context, memberID uuid.UUID) (int64, error)
	EntriesByMember(ctx context.Context, memberID uuid.UUID, limit, offset int) ([]models.LedgerEntry, error)
	EntriesByRun(ctx context.Context, runID string) ([]models.LedgerEntry, error)
	EntriesByKindBetween(ctx context.Context, kind string, from, to time.Time) ([]models.LedgerEntry, error)
	// MemberIDsWithEntries lists every member that has at least one ledger
	// entry; reconciliation sweeps over this set.
	MemberIDsWithEntries(ctx context.Context) ([]uuid.UUID, error)
}

// BinaryStore holds per-member leg volumes and cap windows.
type BinaryStore interface {
	// UpdateLegState applies fn to the member's leg state under the
	// member's write lock, creating a zero state on first touch. fn
	// returning an error aborts without persisting.
	UpdateLegState(ctx context.Context, memberID uuid.UUID, fn func(*models.BinaryLegState) error) error
	GetLegState(ctx context.Context, memberID uuid.UUID) (*models.BinaryLegState, error)
	ListLegStates(ctx context.Context) ([]models.BinaryLegState, error)
}

// RunStore tracks commission run lifecycles.
type RunStore interface {
	CreateRun(ctx context.Context, r *models.CommissionRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.CommissionRun, error)
	UpdateRun(ctx context.Context, r *models.CommissionRun) error
	ListRuns(ctx context.Context) ([]models.CommissionRun, error)
}

// RankStore tracks one-time rank achievements.
type RankStore interface {
	// CreateAchievement fails with ErrDuplicateKey when the member already
	// holds an achievement for the rank, ever.
	CreateAchievement(ctx context.Context, a *models.RankAchievement) error
	GetAchievement(ctx context.Context, id uuid.UUID) (*models.RankAchievement, error)
	UpdateAchievement(ctx context.Context, a *models.RankAchievement) error
	AchievementsByMember(ctx context.Context, memberID uuid.UUID) ([]models.RankAchievement, error)
	ListAchievements(ctx context.Context, rewardStatus string) ([]models.RankAchievement, error)
}

// RequestStore covers deposit and withdrawal requests.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.PaymentRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (*models.PaymentRequest, error)
	// UpdateRequestStatus transitions the request only when its current
	// status matches expect, otherwise ErrNotFound. This is the
	// compare-and-set that keeps concurrent approvals single-winner.
	UpdateRequestStatus(ctx context.Context, r *models.PaymentRequest, expect string) error
	ListRequests(ctx context.Context, direction, status string) ([]models.PaymentRequest, error)
}

// SettingsStore keeps versioned commission settings.
type SettingsStore interface {
	// SaveSettings assigns the next version number and persists the record.
	SaveSettings(ctx context.Context, s *models.CommissionSettings) error
	LatestSettings(ctx context.Context) (*models.CommissionSettings, error)
}

// AuditStore is the immutable audit trail.
type AuditStore interface {
	AppendAudit(ctx context.Context, rec *models.AuditRecord) error
	ListAudit(ctx context.Context, entityType string, limit int) ([]models.AuditRecord, error)
}

// IdempotencyStore persists HTTP request/response records keyed by the
// client-supplied Idempotency-Key header.
type IdempotencyStore interface {
	// ReserveIdempotencyKey inserts an in-progress record. Returns false
	// when the key already exists.
	ReserveIdempotencyKey(ctx context.Context, rec *models.IdempotencyRecord) (bool, error)
	GetIdempotencyKey(ctx context.Context, key string) (*models.IdempotencyRecord, error)
	// FinalizeIdempotencyKey stores the response and clears the in-progress
	// flag. ErrNotFound when no reservation matches key and hash.
	FinalizeIdempotencyKey(ctx context.Context, key, requestHash string, status int, body []byte, contentType string) (*models.IdempotencyRecord, error)
}

// Store is the full contract the engines run against.
type Store interface {
	MemberStore
	PackageStore
	LedgerStore
	BinaryStore
	RunStore
	RankStore
	RequestStore
	SettingsStore
	AuditStore
	IdempotencyStore
}
