// Package postgres is the pgx-backed store.Store implementation. It mirrors
// the memstore semantics: unique keys map to store.ErrDuplicateKey, missing
// rows to store.ErrNotFound, and the per-member leg lock becomes a row lock.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veltrix/compengine/internal/domain"
	"github.com/veltrix/compengine/internal/models"
	"github.com/veltrix/compengine/internal/store"
)

//go:embed schema.sql
var schemaFS embed.FS

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

var _ store.Store = (*Store)(nil)

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if _, err := s.db.Exec(ctx, string(schema)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// runInTx executes fn within a database transaction.
func (s *Store) runInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// --- members ---

func (s *Store) CreateMember(ctx context.Context, m *models.Member) error {
	query := `INSERT INTO members (id, username, sponsor_id, binary_parent, binary_side, status, rank, kyc_status, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.db.Exec(ctx, query, m.ID, m.Username, m.SponsorID, m.BinaryParent, m.BinarySide, m.Status, m.Rank, m.KYCStatus, m.JoinedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("failed to create member: %w", err)
	}
	return nil
}

const memberColumns = `id, username, sponsor_id, binary_parent, binary_side, status, rank, kyc_status, joined_at`

func scanMember(row pgx.Row) (*models.Member, error) {
	m := &models.Member{}
	err := row.Scan(&m.ID, &m.Username, &m.SponsorID, &m.BinaryParent, &m.BinarySide, &m.Status, &m.Rank, &m.KYCStatus, &m.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan member: %w", err)
	}
	return m, nil
}

func (s *Store) GetMember(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE id = $1`
	return scanMember(s.db.QueryRow(ctx, query, id))
}

func (s *Store) UpdateMember(ctx context.Context, m *models.Member) error {
	query := `UPDATE members SET username = $2, sponsor_id = $3, binary_parent = $4, binary_side = $5, status = $6, rank = $7, kyc_status = $8 WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, m.ID, m.Username, m.SponsorID, m.BinaryParent, m.BinarySide, m.Status, m.Rank, m.KYCStatus)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("failed to update member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) listMembers(ctx context.Context, query string, args ...interface{}) ([]models.Member, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []models.Member
	for rows.Next() {
		var m models.Member
		if err := rows.Scan(&m.ID, &m.Username, &m.SponsorID, &m.BinaryParent, &m.BinarySide, &m.Status, &m.Rank, &m.KYCStatus, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Store) ListMembers(ctx context.Context) ([]models.Member, error) {
	return s.listMembers(ctx, `SELECT `+memberColumns+` FROM members ORDER BY joined_at`)
}

func (s *Store) DirectReferrals(ctx context.Context, sponsorID uuid.UUID) ([]models.Member, error) {
	return s.listMembers(ctx, `SELECT `+memberColumns+` FROM members WHERE sponsor_id = $1 ORDER BY joined_at`, sponsorID)
}

func (s *Store) BinaryChild(ctx context.Context, parentID uuid.UUID, side string) (*models.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE binary_parent = $1 AND binary_side = $2`
	return scanMember(s.db.QueryRow(ctx, query, parentID, side))
}

// --- packages ---

const packageColumns = `id, member_id, principal_micros, rate_min_pct, rate_max_pct, cap_pct, roi_paid_micros, schedule, status, start_at, matures_at`

func (s *Store) CreatePackage(ctx context.Context, p *models.Package) error {
	query := `INSERT INTO packages (` + packageColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := s.db.Exec(ctx, query, p.ID, p.MemberID, p.PrincipalMicros, p.RateMinPct, p.RateMaxPct, p.CapPct, p.ROIPaidMicros, p.Schedule, p.Status, p.StartAt, p.MaturesAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("failed to create package: %w", err)
	}
	return nil
}

func scanPackage(row pgx.Row) (*models.Package, error) {
	p := &models.Package{}
	err := row.Scan(&p.ID, &p.MemberID, &p.PrincipalMicros, &p.RateMinPct, &p.RateMaxPct, &p.CapPct, &p.ROIPaidMicros, &p.Schedule, &p.Status, &p.StartAt, &p.MaturesAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan package: %w", err)
	}
	return p, nil
}

func (s *Store) GetPackage(ctx context.Context, id uuid.UUID) (*models.Package, error) {
	return scanPackage(s.db.QueryRow(ctx, `SELECT `+packageColumns+` FROM packages WHERE id = $1`, id))
}

func (s *Store) UpdatePackage(ctx context.Context, p *models.Package) error {
	query := `UPDATE packages SET roi_paid_micros = $2, status = $3, matures_at = $4 WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, p.ID, p.ROIPaidMicros, p.Status, p.MaturesAt)
	if err != nil {
		return fmt.Errorf("failed to update package: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) listPackages(ctx context.Context, query string, args ...interface{}) ([]models.Package, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}
	defer rows.Close()

	var packages []models.Package
	for rows.Next() {
		var p models.Package
		if err := rows.Scan(&p.ID, &p.MemberID, &p.PrincipalMicros, &p.RateMinPct, &p.RateMaxPct, &p.CapPct, &p.ROIPaidMicros, &p.Schedule, &p.Status, &p.StartAt, &p.MaturesAt); err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		packages = append(packages, p)
	}
	return packages, rows.Err()
}

func (s *Store) ListActivePackages(ctx context.Context) ([]models.Package, error) {
	return s.listPackages(ctx, `SELECT `+packageColumns+` FROM packages WHERE status = $1 ORDER BY start_at`, domain.PackageStatusActive)
}

func (s *Store) PackagesByMember(ctx context.Context, memberID uuid.UUID) ([]models.Package, error) {
	return s.listPackages(ctx, `SELECT `+packageColumns+` FROM packages WHERE member_id = $1 ORDER BY start_at`, memberID)
}

func (s *Store) PackagesCreatedBetween(ctx context.Context, from, to time.Time) ([]models.Package, error) {
	return s.listPackages(ctx, `SELECT `+packageColumns+` FROM packages WHERE start_at >= $1 AND start_at < $2 ORDER BY start_at`, from, to)
}

// --- ledger ---

func (s *Store) AppendEntry(ctx context.Context, e *models.LedgerEntry, guardNonNegative bool) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return s.runInTx(ctx, func(tx pgx.Tx) error {
		insert := `INSERT INTO ledger_entries (id, member_id, amount_micros, kind, run_id, idempotency_key, reason, reversal_of, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
		_, err := tx.Exec(ctx, insert, e.ID, e.MemberID, e.AmountMicros, e.Kind, e.RunID, e.IdempotencyKey, e.Reason, e.ReversalOf, e.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrDuplicateKey
			}
			return fmt.Errorf("failed to insert entry: %w", err)
		}

		upsert := `INSERT INTO balances (member_id, balance) VALUES ($1, $2)
			ON CONFLICT (member_id) DO UPDATE SET balance = balances.balance + EXCLUDED.balance
			RETURNING balance`
		var balance int64
		if err := tx.QueryRow(ctx, upsert, e.MemberID, e.AmountMicros).Scan(&balance); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
		if guardNonNegative && balance < 0 {
			return domain.ErrInsufficientBalance
		}
		return nil
	})
}

func (s *Store) Balance(ctx context.Context, memberID uuid.UUID) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx, `SELECT balance FROM balances WHERE member_id = $1`, memberID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

func (s *Store) SumEntries(ctx context.Context, memberID uuid.UUID) (int64, error) {
	var sum int64
	err := s.db.QueryRow(ctx, `SELECT COALESCE(SUM(amount_micros), 0) FROM ledger_entries WHERE member_id = $1`, memberID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum entries: %w", err)
	}
	return sum, nil
}

const entryColumns = `id, member_id, amount_micros, kind, run_id, idempotency_key, reason, reversal_of, created_at`

func (s *Store) listEntries(ctx context.Context, query string, args ...interface{}) ([]models.LedgerEntry, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.MemberID, &e.AmountMicros, &e.Kind, &e.RunID, &e.IdempotencyKey, &e.Reason, &e.ReversalOf, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) EntriesByMember(ctx context.Context, memberID uuid.UUID, limit, offset int) ([]models.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE member_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	return s.listEntries(ctx, query, memberID, limit, offset)
}

func (s *Store) EntriesByRun(ctx context.Context, runID string) ([]models.LedgerEntry, error) {
	return s.listEntries(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE run_id = $1 ORDER BY created_at`, runID)
}

func (s *Store) EntriesByKindBetween(ctx context.Context, kind string, from, to time.Time) ([]models.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE kind = $1 AND created_at >= $2 AND created_at < $3 ORDER BY created_at`
	return s.listEntries(ctx, query, kind, from, to)
}

func (s *Store) MemberIDsWithEntries(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT member_id FROM ledger_entries`)
	if err != nil {
		return nil, fmt.Errorf("failed to list entry members: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- binary legs ---

const legColumns = `member_id, left_micros, right_micros, day_paid_micros, week_paid_micros, month_paid_micros, last_flush_at`

func (s *Store) UpdateLegState(ctx context.Context, memberID uuid.UUID, fn func(*models.BinaryLegState) error) error {
	return s.runInTx(ctx, func(tx pgx.Tx) error {
		// Ensure the row exists, then take the row lock for the read-modify-write.
		_, err := tx.Exec(ctx, `INSERT INTO binary_leg_states (member_id) VALUES ($1) ON CONFLICT (member_id) DO NOTHING`, memberID)
		if err != nil {
			return fmt.Errorf("failed to init leg state: %w", err)
		}

		st := &models.BinaryLegState{}
		query := `SELECT ` + legColumns + ` FROM binary_leg_states WHERE member_id = $1 FOR UPDATE`
		err = tx.QueryRow(ctx, query, memberID).Scan(&st.MemberID, &st.LeftMicros, &st.RightMicros, &st.DayPaidMicros, &st.WeekPaidMicros, &st.MonthPaidMicros, &st.LastFlushAt)
		if err != nil {
			return fmt.Errorf("failed to lock leg state: %w", err)
		}

		if err := fn(st); err != nil {
			return err
		}

		update := `UPDATE binary_leg_states SET left_micros = $2, right_micros = $3, day_paid_micros = $4, week_paid_micros = $5, month_paid_micros = $6, last_flush_at = $7 WHERE member_id = $1`
		if _, err := tx.Exec(ctx, update, memberID, st.LeftMicros, st.RightMicros, st.DayPaidMicros, st.WeekPaidMicros, st.MonthPaidMicros, st.LastFlushAt); err != nil {
			return fmt.Errorf("failed to update leg state: %w", err)
		}
		return nil
	})
}

func (s *Store) GetLegState(ctx context.Context, memberID uuid.UUID) (*models.BinaryLegState, error) {
	st := &models.BinaryLegState{}
	query := `SELECT ` + legColumns + ` FROM binary_leg_states WHERE member_id = $1`
	err := s.db.QueryRow(ctx, query, memberID).Scan(&st.MemberID, &st.LeftMicros, &st.RightMicros, &st.DayPaidMicros, &st.WeekPaidMicros, &st.MonthPaidMicros, &st.LastFlushAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &models.BinaryLegState{MemberID: memberID}, nil
		}
		return nil, fmt.Errorf("failed to get leg state: %w", err)
	}
	return st, nil
}

func (s *Store) ListLegStates(ctx context.Context) ([]models.BinaryLegState, error) {
	rows, err := s.db.Query(ctx, `SELECT `+legColumns+` FROM binary_leg_states ORDER BY member_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list leg states: %w", err)
	}
	defer rows.Close()

	var states []models.BinaryLegState
	for rows.Next() {
		var st models.BinaryLegState
		if err := rows.Scan(&st.MemberID, &st.LeftMicros, &st.RightMicros, &st.DayPaidMicros, &st.WeekPaidMicros, &st.MonthPaidMicros, &st.LastFlushAt); err != nil {
			return nil, fmt.Errorf("failed to scan leg state: %w", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// --- commission runs ---

const runColumns = `id, type, period_from, period_to, status, affected_members, failed_members, total_micros, created_at, completed_at`

func (s *Store) CreateRun(ctx context.Context, r *models.CommissionRun) error {
	query := `INSERT INTO commission_runs (` + runColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.db.Exec(ctx, query, r.ID, r.Type, r.PeriodFrom, r.PeriodTo, r.Status, r.AffectedMembers, r.FailedMembers, r.TotalMicros, r.CreatedAt, r.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*models.CommissionRun, error) {
	r := &models.CommissionRun{}
	query := `SELECT ` + runColumns + ` FROM commission_runs WHERE id = $1`
	err := s.db.QueryRow(ctx, query, id).Scan(&r.ID, &r.Type, &r.PeriodFrom, &r.PeriodTo, &r.Status, &r.AffectedMembers, &r.FailedMembers, &r.TotalMicros, &r.CreatedAt, &r.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

func (s *Store) UpdateRun(ctx context.Context, r *models.CommissionRun) error {
	query := `UPDATE commission_runs SET status = $2, affected_members = $3, failed_members = $4, total_micros = $5, completed_at = $6 WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, r.ID, r.Status, r.AffectedMembers, r.FailedMembers, r.TotalMicros, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context) ([]models.CommissionRun, error) {
	rows, err := s.db.Query(ctx, `SELECT `+runColumns+` FROM commission_runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.CommissionRun
	for rows.Next() {
		var r models.CommissionRun
		if err := rows.Scan(&r.ID, &r.Type, &r.PeriodFrom, &r.PeriodTo, &r.Status, &r.AffectedMembers, &r.FailedMembers, &r.TotalMicros, &r.CreatedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- rank achievements ---

const achievementColumns = `id, member_id, rank_order, reward_micros, reward_status, achieved_at`

func (s *Store) CreateAchievement(ctx context.Context, a *models.RankAchievement) error {
	query := `INSERT INTO rank_achievements (` + achievementColumns + `) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.db.Exec(ctx, query, a.ID, a.MemberID, a.RankOrder, a.RewardMicros, a.RewardStatus, a.AchievedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("failed to create achievement: %w", err)
	}
	return nil
}

func (s *Store) GetAchievement(ctx context.Context, id uuid.UUID) (*models.RankAchievement, error) {
	a := &models.RankAchievement{}
	query := `SELECT ` + achievementColumns + ` FROM rank_achievements WHERE id = $1`
	err := s.db.QueryRow(ctx, query, id).Scan(&a.ID, &a.MemberID, &a.RankOrder, &a.RewardMicros, &a.RewardStatus, &a.AchievedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get achievement: %w", err)
	}
	return a, nil
}

func (s *Store) UpdateAchievement(ctx context.Context, a *models.RankAchievement) error {
	query := `UPDATE rank_achievements SET reward_status = $2 WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, a.ID, a.RewardStatus)
	if err != nil {
		return fmt.Errorf("failed to update achievement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) listAchievements(ctx context.Context, query string, args ...interface{}) ([]models.RankAchievement, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list achievements: %w", err)
	}
	defer rows.Close()

	var achievements []models.RankAchievement
	for rows.Next() {
		var a models.RankAchievement
		if err := rows.Scan(&a.ID, &a.MemberID, &a.RankOrder, &a.RewardMicros, &a.RewardStatus, &a.AchievedAt); err != nil {
			return nil, fmt.Errorf("failed to scan achievement: %w", err)
		}
		achievements = append(achievements, a)
	}
	return achievements, rows.Err()
}

func (s *Store) AchievementsByMember(ctx context.Context, memberID uuid.UUID) ([]models.RankAchievement, error) {
	return s.listAchievements(ctx, `SELECT `+achievementColumns+` FROM rank_achievements WHERE member_id = $1 ORDER BY rank_order`, memberID)
}

func (s *Store) ListAchievements(ctx context.Context, rewardStatus string) ([]models.RankAchievement, error) {
	if rewardStatus == "" {
		return s.listAchievements(ctx, `SELECT `+achievementColumns+` FROM rank_achievements ORDER BY achieved_at DESC`)
	}
	return s.listAchievements(ctx, `SELECT `+achievementColumns+` FROM rank_achievements WHERE reward_status = $1 ORDER BY achieved_at DESC`, rewardStatus)
}

// --- payment requests ---

const requestColumns = `id, member_id, direction, amount_micros, status, kyc_snapshot, balance_snapshot, reject_reason, decided_by, created_at, decided_at`

func (s *Store) CreateRequest(ctx context.Context, r *models.PaymentRequest) error {
	query := `INSERT INTO payment_requests (` + requestColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := s.db.Exec(ctx, query, r.ID, r.MemberID, r.Direction, r.AmountMicros, r.Status, r.KYCSnapshot, r.BalanceSnapshot, r.RejectReason, r.DecidedBy, r.CreatedAt, r.DecidedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("failed to create request: %w", err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id uuid.UUID) (*models.PaymentRequest, error) {
	r := &models.PaymentRequest{}
	query := `SELECT ` + requestColumns + ` FROM payment_requests WHERE id = $1`
	err := s.db.QueryRow(ctx, query, id).Scan(&r.ID, &r.MemberID, &r.Direction, &r.AmountMicros, &r.Status, &r.KYCSnapshot, &r.BalanceSnapshot, &r.RejectReason, &r.DecidedBy, &r.CreatedAt, &r.DecidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return r, nil
}

func (s *Store) UpdateRequestStatus(ctx context.Context, r *models.PaymentRequest, expect string) error {
	query := `UPDATE payment_requests SET status = $2, reject_reason = $3, decided_by = $4, decided_at = $5 WHERE id = $1 AND status = $6`
	tag, err := s.db.Exec(ctx, query, r.ID, r.Status, r.RejectReason, r.DecidedBy, r.DecidedAt, expect)
	if err != nil {
		return fmt.Errorf("failed to transition request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListRequests(ctx context.Context, direction, status string) ([]models.PaymentRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM payment_requests WHERE ($1 = '' OR direction = $1) AND ($2 = '' OR status = $2) ORDER BY created_at`
	rows, err := s.db.Query(ctx, query, direction, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var requests []models.PaymentRequest
	for rows.Next() {
		var r models.PaymentRequest
		if err := rows.Scan(&r.ID, &r.MemberID, &r.Direction, &r.AmountMicros, &r.Status, &r.KYCSnapshot, &r.BalanceSnapshot, &r.RejectReason, &r.DecidedBy, &r.CreatedAt, &r.DecidedAt); err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// --- settings ---

func (s *Store) SaveSettings(ctx context.Context, cfg *models.CommissionSettings) error {
	return s.runInTx(ctx, func(tx pgx.Tx) error {
		var version int
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM commission_settings`).Scan(&version); err != nil {
			return fmt.Errorf("failed to allocate settings version: %w", err)
		}
		cfg.Version = version

		payload, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal settings: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO commission_settings (version, payload) VALUES ($1, $2)`, version, payload); err != nil {
			return fmt.Errorf("failed to save settings: %w", err)
		}
		return nil
	})
}

func (s *Store) LatestSettings(ctx context.Context) (*models.CommissionSettings, error) {
	var payload []byte
	err := s.db.QueryRow(ctx, `SELECT payload FROM commission_settings ORDER BY version DESC LIMIT 1`).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	cfg := &models.CommissionSettings{}
	if err := json.Unmarshal(payload, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return cfg, nil
}

// --- audit ---

func (s *Store) AppendAudit(ctx context.Context, rec *models.AuditRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO audit_records (id, entity_type, entity_id, actor_id, action, prev_state, next_state, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.db.Exec(ctx, query, rec.ID, rec.EntityType, rec.EntityID, rec.ActorID, rec.Action, rec.PrevState, rec.NextState, rec.Reason, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, entityType string, limit int) ([]models.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, entity_type, entity_id, actor_id, action, prev_state, next_state, reason, created_at
		FROM audit_records WHERE ($1 = '' OR entity_type = $1) ORDER BY created_at DESC LIMIT $2`
	rows, err := s.db.Query(ctx, query, entityType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var records []models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		if err := rows.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &rec.ActorID, &rec.Action, &rec.PrevState, &rec.NextState, &rec.Reason, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- idempotency ---

func (s *Store) ReserveIdempotencyKey(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	query := `INSERT INTO idempotency_keys (idempotency_key, request_hash, method, path, in_progress)
		VALUES ($1, $2, $3, $4, TRUE) ON CONFLICT (idempotency_key) DO NOTHING`
	tag, err := s.db.Exec(ctx, query, rec.Key, rec.RequestHash, rec.Method, rec.Path)
	if err != nil {
		return false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) GetIdempotencyKey(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	rec := &models.IdempotencyRecord{}
	query := `SELECT idempotency_key, request_hash, method, path, in_progress, response_status, response_body, content_type, created_at
		FROM idempotency_keys WHERE idempotency_key = $1`
	err := s.db.QueryRow(ctx, query, key).Scan(&rec.Key, &rec.RequestHash, &rec.Method, &rec.Path, &rec.InProgress, &rec.ResponseStatus, &rec.ResponseBody, &rec.ContentType, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	return rec, nil
}

func (s *Store) FinalizeIdempotencyKey(ctx context.Context, key, requestHash string, status int, body []byte, contentType string) (*models.IdempotencyRecord, error) {
	query := `UPDATE idempotency_keys SET in_progress = FALSE, response_status = $3, response_body = $4, content_type = $5
		WHERE idempotency_key = $1 AND request_hash = $2
		RETURNING idempotency_key, request_hash, method, path, in_progress, response_status, response_body, content_type, created_at`
	rec := &models.IdempotencyRecord{}
	err := s.db.QueryRow(ctx, query, key, requestHash, status, body, contentType).Scan(&rec.Key, &rec.RequestHash, &rec.Method, &rec.Path, &rec.InProgress, &rec.ResponseStatus, &rec.ResponseBody, &rec.ContentType, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to finalize idempotency key: %w", err)
	}
	return rec, nil
}
