// Package approval is the deposit/withdrawal decision workflow. Approval
// revalidates balance and KYC at decision time, not request time, and posts
// the ledger entry in the same step. Batch approval never fails atomically.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veltrix/compengine/internal/domain"
	"github.com/veltrix/compengine/internal/ledger"
	"github.com/veltrix/compengine/internal/models"
	"github.com/veltrix/compengine/internal/notify"
	"github.com/veltrix/compengine/internal/observability"
	"github.com/veltrix/compengine/internal/settings"
	"github.com/veltrix/compengine/internal/store"
)

type Service struct {
	store    store.Store
	ledger   *ledger.Ledger
	settings *settings.Service
	notifier notify.Notifier
	log      *zap.Logger
}

func New(st store.Store, l *ledger.Ledger, cfg *settings.Service, n notify.Notifier, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, ledger: l, settings: cfg, notifier: n, log: log}
}

// Request files a new deposit or withdrawal request, snapshotting the
// member's KYC status and available balance for the reviewer. Approval
// revalidates both against live state.
func (s *Service) Request(ctx context.Context, memberID uuid.UUID, direction string, amountMicros int64) (*models.PaymentRequest, error) {
	if direction != models.DirectionDeposit && direction != models.DirectionWithdrawal {
		return nil, domain.Validationf("direction", "must be deposit or withdrawal")
	}
	if amountMicros <= 0 {
		return nil, domain.Validationf("amount_micros", "must be positive")
	}
	member, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, domain.ErrNotFound
	}
	balance, err := s.ledger.BalanceOf(ctx, memberID)
	if err != nil {
		return nil, err
	}
	req := &models.PaymentRequest{
		ID:              uuid.New(),
		MemberID:        memberID,
		Direction:       direction,
		AmountMicros:    amountMicros,
		Status:          domain.RequestStatusPending,
		KYCSnapshot:     member.KYCStatus,
		BalanceSnapshot: balance,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

// Approve re-validates the request against live state and posts the ledger
// entry. Withdrawals check the balance at approval time; the guarded post
// makes the check and the debit one atomic step, so a balance that moved
// since the request cannot go negative.
func (s *Service) Approve(ctx context.Context, requestID, approverID uuid.UUID) (*models.PaymentRequest, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, domain.ErrNotFound
	}
	if req.Status != domain.RequestStatusPending {
		return nil, domain.Violation(domain.CodeRequestNotPending, "request is %s", req.Status)
	}

	member, err := s.store.GetMember(ctx, req.MemberID)
	if err != nil {
		return nil, fmt.Errorf("member %s: %w", req.MemberID, domain.ErrNotFound)
	}
	if member.KYCStatus != domain.KYCStatusVerified {
		return nil, domain.Violation(domain.CodeKYCNotVerified, "member kyc is %s", member.KYCStatus)
	}

	amount := req.AmountMicros
	if req.Direction == models.DirectionWithdrawal {
		if err := s.checkLimits(ctx, amount); err != nil {
			return nil, err
		}
		amount = -amount
	}

	entry := &models.LedgerEntry{
		MemberID:       req.MemberID,
		AmountMicros:   amount,
		Kind:           entryKind(req.Direction),
		RunID:          fmt.Sprintf("request:%s", req.ID),
		IdempotencyKey: fmt.Sprintf("request:%s:%s", req.ID, req.Direction),
	}
	outcome, err := s.ledger.Post(ctx, entry)
	if err != nil {
		return nil, err
	}
	if outcome == ledger.OutcomeDuplicate {
		// A previous approval posted but the status write was lost; finish
		// the transition instead of double-posting.
		s.log.Warn("approval replayed after posted entry", zap.String("request_id", req.ID.String()))
	}

	now := time.Now().UTC()
	req.Status = domain.RequestStatusApproved
	req.DecidedBy = &approverID
	req.DecidedAt = &now
	if err := s.store.UpdateRequestStatus(ctx, req, domain.RequestStatusPending); err != nil {
		return nil, fmt.Errorf("transition request: %w", err)
	}
	s.audit(ctx, req, approverID, "approved", "")
	observability.IncrementApproval(req.Direction, "approved")
	if s.notifier != nil {
		s.notifier.ApprovalDecided(ctx, req.MemberID, req.Direction, "approved", "")
	}
	return req, nil
}

// Reject declines a pending request. Deposits require a non-empty reason;
// for withdrawals the reason is optional. The asymmetry is deliberate: the
// depositor must be told why funds were refused, while withdrawal rejections
// often carry the reason out of band.
func (s *Service) Reject(ctx context.Context, requestID, approverID uuid.UUID, reason string) (*models.PaymentRequest, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, domain.ErrNotFound
	}
	if req.Status != domain.RequestStatusPending {
		return nil, domain.Violation(domain.CodeRequestNotPending, "request is %s", req.Status)
	}
	if req.Direction == models.DirectionDeposit && reason == "" {
		return nil, domain.Violation(domain.CodeReasonRequired, "deposit rejection requires a reason")
	}

	now := time.Now().UTC()
	req.Status = domain.RequestStatusRejected
	req.RejectReason = reason
	req.DecidedBy = &approverID
	req.DecidedAt = &now
	if err := s.store.UpdateRequestStatus(ctx, req, domain.RequestStatusPending); err != nil {
		return nil, fmt.Errorf("transition request: %w", err)
	}
	s.audit(ctx, req, approverID, "rejected", reason)
	observability.IncrementApproval(req.Direction, "rejected")
	if s.notifier != nil {
		s.notifier.ApprovalDecided(ctx, req.MemberID, req.Direction, "rejected", reason)
	}
	return req, nil
}

// BatchApprove processes each id independently and reports per-id outcomes.
// One failing id never rolls back or blocks the others.
func (s *Service) BatchApprove(ctx context.Context, ids []uuid.UUID, approverID uuid.UUID) *models.BatchResult {
	result := &models.BatchResult{}
	for _, id := range ids {
		if _, err := s.Approve(ctx, id, approverID); err != nil {
			reason := domain.ViolationCode(err)
			if reason == "" {
				if errors.Is(err, domain.ErrNotFound) {
					reason = "NotFound"
				} else {
					reason = err.Error()
				}
			}
			result.Failed = append(result.Failed, models.BatchFailure{ID: id, Reason: reason})
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}
	return result
}

// ManualAdjust posts a manual ledger entry. A non-empty reason is always
// required; debits are balance-guarded like withdrawals.
func (s *Service) ManualAdjust(ctx context.Context, memberID uuid.UUID, amountMicros int64, reason string, actorID uuid.UUID) (*models.LedgerEntry, error) {
	if reason == "" {
		return nil, domain.Violation(domain.CodeReasonRequired, "manual adjustment requires a reason")
	}
	if amountMicros == 0 {
		return nil, domain.Validationf("amount_micros", "must be non-zero")
	}
	if _, err := s.store.GetMember(ctx, memberID); err != nil {
		return nil, domain.ErrNotFound
	}
	adjustmentID := uuid.New()
	entry := &models.LedgerEntry{
		ID:             adjustmentID,
		MemberID:       memberID,
		AmountMicros:   amountMicros,
		Kind:           domain.EntryKindManual,
		RunID:          fmt.Sprintf("manual:%s", adjustmentID),
		IdempotencyKey: fmt.Sprintf("manual:%s", adjustmentID),
		Reason:         reason,
	}
	if _, err := s.ledger.Post(ctx, entry); err != nil {
		return nil, err
	}
	if err := s.store.AppendAudit(ctx, &models.AuditRecord{
		ID:         uuid.New(),
		EntityType: "ledger_entry",
		EntityID:   entry.ID.String(),
		ActorID:    &actorID,
		Action:     "manual_adjustment",
		Reason:     reason,
	}); err != nil {
		s.log.Warn("manual adjustment audit failed", zap.Error(err))
	}
	return entry, nil
}

// ListRequests filters requests by direction and status, both optional.
func (s *Service) ListRequests(ctx context.Context, direction, status string) ([]models.PaymentRequest, error) {
	return s.store.ListRequests(ctx, direction, status)
}

func (s *Service) checkLimits(ctx context.Context, amountMicros int64) error {
	cfg, err := s.settings.Current(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil // no settings saved yet, no limits to enforce
		}
		return err
	}
	if cfg.MinWithdrawalMicros > 0 && amountMicros < cfg.MinWithdrawalMicros {
		return domain.Violation(domain.CodeLimitExceeded, "below minimum withdrawal %s", domain.FormatAmount(cfg.MinWithdrawalMicros))
	}
	if cfg.MaxWithdrawalMicros > 0 && amountMicros > cfg.MaxWithdrawalMicros {
		return domain.Violation(domain.CodeLimitExceeded, "above maximum withdrawal %s", domain.FormatAmount(cfg.MaxWithdrawalMicros))
	}
	return nil
}

func (s *Service) audit(ctx context.Context, req *models.PaymentRequest, actorID uuid.UUID, action, reason string) {
	if err := s.store.AppendAudit(ctx, &models.AuditRecord{
		ID:         uuid.New(),
		EntityType: "payment_request",
		EntityID:   req.ID.String(),
		ActorID:    &actorID,
		Action:     action,
		PrevState:  domain.RequestStatusPending,
		NextState:  req.Status,
		Reason:     reason,
	}); err != nil {
		s.log.Warn("approval audit failed", zap.Error(err))
	}
}

func entryKind(direction string) string {
	if direction == models.DirectionDeposit {
		return domain.EntryKindDeposit
	}
	return domain.EntryKindWithdrawal
}
