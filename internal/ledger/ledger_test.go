package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veltrix/compengine/internal/domain"
	"github.com/veltrix/compengine/internal/ledger"
	"github.com/veltrix/compengine/internal/models"
	"github.com/veltrix/compengine/internal/store/memstore"
)

func TestPostOutcomes(t *testing.T) {
	l := ledger.New(memstore.New(), nil)
	ctx := context.Background()
	memberID := uuid.New()

	entry := &models.LedgerEntry{
		MemberID:       memberID,
		AmountMicros:   10_000_000,
		Kind:           domain.EntryKindDeposit,
		IdempotencyKey: "dep-1",
	}
	outcome, err := l.Post(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeAccepted, outcome)
	assert.NotEqual(t, uuid.Nil, entry.ID)

	// Replay of the same key credits nothing and reports duplicate.
	outcome, err = l.Post(ctx, &models.LedgerEntry{
		MemberID:       memberID,
		AmountMicros:   10_000_000,
		Kind:           domain.EntryKindDeposit,
		IdempotencyKey: "dep-1",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeDuplicate, outcome)

	bal, err := l.BalanceOf(ctx, memberID)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), bal)
}

func TestPostStampsCreatedAt(t *testing.T) {
	l := ledger.New(memstore.New(), nil)
	ctx := context.Background()

	entry := &models.LedgerEntry{
		MemberID:       uuid.New(),
		AmountMicros:   10_000_000,
		Kind:           domain.EntryKindROI,
		IdempotencyKey: "roi-1",
	}
	_, err := l.Post(ctx, entry)
	require.NoError(t, err)
	// Period queries and statement ordering fold over CreatedAt, so Post
	// must stamp it before the store sees the entry.
	assert.False(t, entry.CreatedAt.IsZero())
	assert.Equal(t, time.UTC, entry.CreatedAt.Location())

	// A caller-supplied timestamp is kept as-is.
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	stamped := &models.LedgerEntry{
		MemberID:       entry.MemberID,
		AmountMicros:   5_000_000,
		Kind:           domain.EntryKindROI,
		IdempotencyKey: "roi-2",
		CreatedAt:      at,
	}
	_, err = l.Post(ctx, stamped)
	require.NoError(t, err)
	assert.Equal(t, at, stamped.CreatedAt)
}

func TestPostValidation(t *testing.T) {
	l := ledger.New(memstore.New(), nil)
	ctx := context.Background()

	outcome, err := l.Post(ctx, &models.LedgerEntry{
		MemberID: uuid.New(), AmountMicros: 0,
		Kind: domain.EntryKindDeposit, IdempotencyKey: "k",
	})
	assert.Equal(t, ledger.OutcomeRejected, outcome)
	assert.True(t, domain.IsValidation(err))

	outcome, err = l.Post(ctx, &models.LedgerEntry{
		MemberID: uuid.New(), AmountMicros: 100,
		Kind: domain.EntryKindDeposit,
	})
	assert.Equal(t, ledger.OutcomeRejected, outcome)
	assert.True(t, domain.IsValidation(err))
}

func TestWithdrawalGuard(t *testing.T) {
	l := ledger.New(memstore.New(), nil)
	ctx := context.Background()
	memberID := uuid.New()

	_, err := l.Post(ctx, &models.LedgerEntry{
		MemberID: memberID, AmountMicros: 5_000_000,
		Kind: domain.EntryKindDeposit, IdempotencyKey: "dep",
	})
	require.NoError(t, err)

	outcome, err := l.Post(ctx, &models.LedgerEntry{
		MemberID: memberID, AmountMicros: -6_000_000,
		Kind: domain.EntryKindWithdrawal, IdempotencyKey: "wd",
	})
	assert.Equal(t, ledger.OutcomeRejected, outcome)
	assert.Equal(t, domain.CodeInsufficientBalance, domain.ViolationCode(err))

	bal, err := l.BalanceOf(ctx, memberID)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), bal)

	// Exactly down to zero passes the guard.
	outcome, err = l.Post(ctx, &models.LedgerEntry{
		MemberID: memberID, AmountMicros: -5_000_000,
		Kind: domain.EntryKindWithdrawal, IdempotencyKey: "wd-2",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeAccepted, outcome)

	bal, err = l.BalanceOf(ctx, memberID)
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestReverse(t *testing.T) {
	l := ledger.New(memstore.New(), nil)
	ctx := context.Background()
	memberID := uuid.New()

	original := &models.LedgerEntry{
		MemberID:       memberID,
		AmountMicros:   2_500_000,
		Kind:           domain.EntryKindLevel,
		RunID:          "run-1",
		IdempotencyKey: "evt:1:anc:a:level",
	}
	_, err := l.Post(ctx, original)
	require.NoError(t, err)

	rev, err := l.Reverse(ctx, original, "clawback after package cancellation")
	require.NoError(t, err)
	assert.Equal(t, int64(-2_500_000), rev.AmountMicros)
	assert.Equal(t, original.IdempotencyKey+":reversal", rev.IdempotencyKey)
	require.NotNil(t, rev.ReversalOf)
	assert.Equal(t, original.ID, *rev.ReversalOf)

	bal, err := l.BalanceOf(ctx, memberID)
	require.NoError(t, err)
	assert.Zero(t, bal)

	// A second reversal of the same entry is refused.
	_, err = l.Reverse(ctx, original, "again")
	assert.ErrorIs(t, err, domain.ErrDuplicateEntry)
}

func TestKey(t *testing.T) {
	memberID := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	assert.Equal(t,
		"run-9:11111111-2222-3333-4444-555555555555:binary",
		ledger.Key("run-9", memberID, domain.EntryKindBinary),
	)
}

func TestReconcileClean(t *testing.T) {
	l := ledger.New(memstore.New(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Post(ctx, &models.LedgerEntry{
			MemberID:       uuid.New(),
			AmountMicros:   1_000_000,
			Kind:           domain.EntryKindROI,
			IdempotencyKey: uuid.NewString(),
		})
		require.NoError(t, err)
	}

	mismatches, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, mismatches)
}

func TestStatementLimitDefault(t *testing.T) {
	st := memstore.New()
	l := ledger.New(st, nil)
	ctx := context.Background()
	memberID := uuid.New()

	_, err := l.Post(ctx, &models.LedgerEntry{
		MemberID: memberID, AmountMicros: 1_000_000,
		Kind: domain.EntryKindDeposit, IdempotencyKey: "dep",
	})
	require.NoError(t, err)

	// Nonsense limits fall back to the default page size.
	entries, err := l.Statement(ctx, memberID, -5, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
