package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veltrix/compengine/internal/domain"
	"github.com/veltrix/compengine/internal/models"
	"github.com/veltrix/compengine/internal/store"
)

func TestAppendEntryIdempotency(t *testing.T) {
	s := New()
	ctx := context.Background()
	memberID := uuid.New()

	entry := &models.LedgerEntry{
		ID:             uuid.New(),
		MemberID:       memberID,
		AmountMicros:   5_000_000,
		Kind:           domain.EntryKindDeposit,
		IdempotencyKey: "dep-1",
	}
	require.NoError(t, s.AppendEntry(ctx, entry, false))

	// Same key again, different id: rejected, balance unchanged.
	dup := *entry
	dup.ID = uuid.New()
	err := s.AppendEntry(ctx, &dup, false)
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	bal, err := s.Balance(ctx, memberID)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), bal)
}

func TestAppendEntryNonNegativeGuard(t *testing.T) {
	s := New()
	ctx := context.Background()
	memberID := uuid.New()

	require.NoError(t, s.AppendEntry(ctx, &models.LedgerEntry{
		ID: uuid.New(), MemberID: memberID, AmountMicros: 1_000_000,
		Kind: domain.EntryKindDeposit, IdempotencyKey: "dep",
	}, false))

	err := s.AppendEntry(ctx, &models.LedgerEntry{
		ID: uuid.New(), MemberID: memberID, AmountMicros: -2_000_000,
		Kind: domain.EntryKindWithdrawal, IdempotencyKey: "wd",
	}, true)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	bal, err := s.Balance(ctx, memberID)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), bal)

	// Unguarded debits may go negative (reversals, corrections).
	require.NoError(t, s.AppendEntry(ctx, &models.LedgerEntry{
		ID: uuid.New(), MemberID: memberID, AmountMicros: -2_000_000,
		Kind: domain.EntryKindManual, IdempotencyKey: "adj",
	}, false))
	bal, err = s.Balance(ctx, memberID)
	require.NoError(t, err)
	assert.Equal(t, int64(-1_000_000), bal)
}

func TestUpdateRequestStatusCompareAndSet(t *testing.T) {
	s := New()
	ctx := context.Background()

	req := &models.PaymentRequest{
		ID:           uuid.New(),
		MemberID:     uuid.New(),
		Direction:    models.DirectionWithdrawal,
		AmountMicros: 1_000_000,
		Status:       domain.RequestStatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.CreateRequest(ctx, req))

	approved := *req
	approved.Status = domain.RequestStatusApproved
	require.NoError(t, s.UpdateRequestStatus(ctx, &approved, domain.RequestStatusPending))

	// Second transition from pending loses: the stored status moved on.
	rejected := *req
	rejected.Status = domain.RequestStatusRejected
	err := s.UpdateRequestStatus(ctx, &rejected, domain.RequestStatusPending)
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusApproved, got.Status)
}

func TestBinarySlotUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()

	parent := &models.Member{ID: uuid.New(), Username: "root", Status: domain.MemberStatusActive}
	require.NoError(t, s.CreateMember(ctx, parent))

	first := &models.Member{
		ID: uuid.New(), Username: "first",
		BinaryParent: &parent.ID, BinarySide: domain.SideLeft,
	}
	require.NoError(t, s.CreateMember(ctx, first))

	second := &models.Member{
		ID: uuid.New(), Username: "second",
		BinaryParent: &parent.ID, BinarySide: domain.SideLeft,
	}
	assert.ErrorIs(t, s.CreateMember(ctx, second), store.ErrDuplicateKey)

	// The right slot is still open.
	second.BinarySide = domain.SideRight
	require.NoError(t, s.CreateMember(ctx, second))

	got, err := s.BinaryChild(ctx, parent.ID, domain.SideLeft)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestAchievementEverOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	memberID := uuid.New()

	first := &models.RankAchievement{
		ID: uuid.New(), MemberID: memberID, RankOrder: 2,
		RewardStatus: domain.RewardStatusPending,
	}
	require.NoError(t, s.CreateAchievement(ctx, first))

	// A second achievement for the same rank is rejected even with a new id.
	again := &models.RankAchievement{
		ID: uuid.New(), MemberID: memberID, RankOrder: 2,
		RewardStatus: domain.RewardStatusPending,
	}
	assert.ErrorIs(t, s.CreateAchievement(ctx, again), store.ErrDuplicateKey)

	// Other ranks and other members are unaffected.
	require.NoError(t, s.CreateAchievement(ctx, &models.RankAchievement{
		ID: uuid.New(), MemberID: memberID, RankOrder: 3,
	}))
	require.NoError(t, s.CreateAchievement(ctx, &models.RankAchievement{
		ID: uuid.New(), MemberID: uuid.New(), RankOrder: 2,
	}))
}

func TestUpdateLegStateAbortOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	memberID := uuid.New()

	require.NoError(t, s.UpdateLegState(ctx, memberID, func(st *models.BinaryLegState) error {
		st.LeftMicros = 100
		return nil
	}))

	boom := assert.AnError
	err := s.UpdateLegState(ctx, memberID, func(st *models.BinaryLegState) error {
		st.LeftMicros = 999
		return boom
	})
	assert.ErrorIs(t, err, boom)

	st, err := s.GetLegState(ctx, memberID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), st.LeftMicros)
}

func TestSettingsVersioning(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.LatestSettings(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	first := &models.CommissionSettings{FlushPeriod: domain.PeriodWeekly}
	require.NoError(t, s.SaveSettings(ctx, first))
	assert.Equal(t, 1, first.Version)

	second := &models.CommissionSettings{FlushPeriod: domain.PeriodMonthly}
	require.NoError(t, s.SaveSettings(ctx, second))
	assert.Equal(t, 2, second.Version)

	latest, err := s.LatestSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, domain.PeriodMonthly, latest.FlushPeriod)
}

func TestIdempotencyReserveAndFinalize(t *testing.T) {
	s := New()
	ctx := context.Background()

	rec := &models.IdempotencyRecord{
		Key:         "idem-1",
		RequestHash: "hash-a",
		Method:      "POST",
		Path:        "/v1/withdrawals",
	}
	ok, err := s.ReserveIdempotencyKey(ctx, rec)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ReserveIdempotencyKey(ctx, rec)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetIdempotencyKey(ctx, "idem-1")
	require.NoError(t, err)
	assert.True(t, got.InProgress)

	// Finalize with the wrong hash finds nothing.
	_, err = s.FinalizeIdempotencyKey(ctx, "idem-1", "hash-b", 200, []byte("{}"), "application/json")
	assert.ErrorIs(t, err, store.ErrNotFound)

	fin, err := s.FinalizeIdempotencyKey(ctx, "idem-1", "hash-a", 201, []byte(`{"id":"x"}`), "application/json")
	require.NoError(t, err)
	assert.False(t, fin.InProgress)
	assert.Equal(t, 201, fin.ResponseStatus)
	assert.Equal(t, []byte(`{"id":"x"}`), fin.ResponseBody)
}

func TestStatementOrderAndPaging(t *testing.T) {
	s := New()
	ctx := context.Background()
	memberID := uuid.New()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendEntry(ctx, &models.LedgerEntry{
			ID:             uuid.New(),
			MemberID:       memberID,
			AmountMicros:   int64(i+1) * 1_000_000,
			Kind:           domain.EntryKindROI,
			IdempotencyKey: uuid.NewString(),
			CreatedAt:      base.Add(time.Duration(i) * time.Hour),
		}, false))
	}

	page, err := s.EntriesByMember(ctx, memberID, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(5_000_000), page[0].AmountMicros)
	assert.Equal(t, int64(4_000_000), page[1].AmountMicros)

	page, err = s.EntriesByMember(ctx, memberID, 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(1_000_000), page[0].AmountMicros)

	page, err = s.EntriesByMember(ctx, memberID, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}
