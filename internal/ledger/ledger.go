// Package ledger is the wallet ledger every engine writes through: an
// append-only entry log with a materialized per-member balance and
// idempotent posting semantics.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veltrix/compengine/internal/domain"
	"github.com/veltrix/compengine/internal/models"
	"github.com/veltrix/compengine/internal/observability"
	"github.com/veltrix/compengine/internal/store"
)

// PostOutcome reports what a Post call did.
type PostOutcome string

const (
	OutcomeAccepted  PostOutcome = "accepted"
	OutcomeDuplicate PostOutcome = "duplicate"
	OutcomeRejected  PostOutcome = "rejected"
)

// debitGuarded lists entry kinds that must never drive a balance negative.
// Reversal entries keep the original kind of a commission credit, so
// clawbacks stay exempt.
var debitGuarded = map[string]bool{
	domain.EntryKindWithdrawal: true,
	domain.EntryKindManual:     true,
}

type Ledger struct {
	store store.LedgerStore
	log   *zap.Logger
}

func New(st store.LedgerStore, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{store: st, log: log}
}

// Key builds the canonical idempotency key for (runID, memberID, kind).
// Replaying a run re-derives the same keys, so a retry can never double-credit.
func Key(runID string, memberID uuid.UUID, kind string) string {
	return fmt.Sprintf("%s:%s:%s", runID, memberID, kind)
}

// Post appends the entry. A second post with the same idempotency key returns
// OutcomeDuplicate without effect. Withdrawal-kind entries that would drive
// the balance negative return OutcomeRejected with domain.ErrInsufficientBalance.
func (l *Ledger) Post(ctx context.Context, e *models.LedgerEntry) (PostOutcome, error) {
	if e.AmountMicros == 0 {
		return OutcomeRejected, domain.Validationf("amount", "must be non-zero")
	}
	if e.IdempotencyKey == "" {
		return OutcomeRejected, domain.Validationf("idempotency_key", "must not be empty")
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	// Stamp here rather than in the stores: period queries and statement
	// ordering depend on every entry carrying a real timestamp.
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	err := l.store.AppendEntry(ctx, e, debitGuarded[e.Kind])
	switch {
	case err == nil:
		observability.IncrementLedgerPost(e.Kind, string(OutcomeAccepted))
		return OutcomeAccepted, nil
	case errors.Is(err, store.ErrDuplicateKey):
		observability.IncrementLedgerPost(e.Kind, string(OutcomeDuplicate))
		return OutcomeDuplicate, nil
	case errors.Is(err, domain.ErrInsufficientBalance):
		observability.IncrementLedgerPost(e.Kind, string(OutcomeRejected))
		return OutcomeRejected, domain.Violation(domain.CodeInsufficientBalance,
			"balance below %s", domain.FormatAmount(-e.AmountMicros))
	default:
		return OutcomeRejected, fmt.Errorf("append ledger entry: %w", err)
	}
}

// BalanceOf returns the materialized balance for the member. The cache is
// maintained synchronously by every accepted Post; Reconcile verifies it.
func (l *Ledger) BalanceOf(ctx context.Context, memberID uuid.UUID) (int64, error) {
	bal, err := l.store.Balance(ctx, memberID)
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return bal, nil
}

// Statement returns the member's entries, newest first.
func (l *Ledger) Statement(ctx context.Context, memberID uuid.UUID, limit, offset int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.EntriesByMember(ctx, memberID, limit, offset)
}

// Reverse posts an opposite-signed entry referencing the original. Entries are
// never updated or deleted.
func (l *Ledger) Reverse(ctx context.Context, original *models.LedgerEntry, reason string) (*models.LedgerEntry, error) {
	rev := &models.LedgerEntry{
		ID:             uuid.New(),
		MemberID:       original.MemberID,
		AmountMicros:   -original.AmountMicros,
		Kind:           original.Kind,
		RunID:          original.RunID,
		IdempotencyKey: original.IdempotencyKey + ":reversal",
		Reason:         reason,
		ReversalOf:     &original.ID,
	}
	outcome, err := l.Post(ctx, rev)
	if err != nil {
		return nil, err
	}
	if outcome == OutcomeDuplicate {
		return nil, domain.ErrDuplicateEntry
	}
	return rev, nil
}

// Reconcile recomputes every member's balance from the entry log and compares
// it with the cache. Mismatches are logged and counted, never auto-repaired.
func (l *Ledger) Reconcile(ctx context.Context) (int, error) {
	ids, err := l.store.MemberIDsWithEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("list ledger members: %w", err)
	}
	mismatches := 0
	for _, id := range ids {
		cached, err := l.store.Balance(ctx, id)
		if err != nil {
			return mismatches, err
		}
		folded, err := l.store.SumEntries(ctx, id)
		if err != nil {
			return mismatches, err
		}
		if cached != folded {
			mismatches++
			observability.IncrementLedgerImbalance()
			l.log.Error("ledger balance mismatch",
				zap.String("member_id", id.String()),
				zap.Int64("cached_micros", cached),
				zap.Int64("folded_micros", folded),
			)
		}
	}
	return mismatches, nil
}
