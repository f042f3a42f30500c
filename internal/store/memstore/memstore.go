// Package memstore is the in-memory store.Store implementation. It backs the
// test suite and single-node deployments; the postgres package provides the
// durable equivalent with the same semantics.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veltrix/compengine/internal/domain"
	"github.com/veltrix/compengine/internal/models"
	"github.com/veltrix/compengine/internal/store"
)

type Store struct {
	mu sync.RWMutex

	members      map[uuid.UUID]*models.Member
	packages     map[uuid.UUID]*models.Package
	entries      []*models.LedgerEntry
	entryByKey   map[string]*models.LedgerEntry
	balances     map[uuid.UUID]int64
	legs         map[uuid.UUID]*models.BinaryLegState
	runs         map[uuid.UUID]*models.CommissionRun
	achievements map[uuid.UUID]*models.RankAchievement
	achievedRank map[uuid.UUID]map[int]bool
	requests     map[uuid.UUID]*models.PaymentRequest
	settings     []*models.CommissionSettings
	audit        []*models.AuditRecord
	idemKeys     map[string]*models.IdempotencyRecord

	// memberLocks serializes leg-state read-modify-write per member so
	// accumulation never interleaves with an in-progress match cycle.
	memberLocks sync.Map
}

func New() *Store {
	return &Store{
		members:      make(map[uuid.UUID]*models.Member),
		packages:     make(map[uuid.UUID]*models.Package),
		entryByKey:   make(map[string]*models.LedgerEntry),
		balances:     make(map[uuid.UUID]int64),
		legs:         make(map[uuid.UUID]*models.BinaryLegState),
		runs:         make(map[uuid.UUID]*models.CommissionRun),
		achievements: make(map[uuid.UUID]*models.RankAchievement),
		achievedRank: make(map[uuid.UUID]map[int]bool),
		requests:     make(map[uuid.UUID]*models.PaymentRequest),
		idemKeys:     make(map[string]*models.IdempotencyRecord),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) memberLock(id uuid.UUID) *sync.Mutex {
	v, _ := s.memberLocks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// --- members ---

func (s *Store) CreateMember(ctx context.Context, m *models.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[m.ID]; ok {
		return store.ErrDuplicateKey
	}
	if m.BinaryParent != nil {
		for _, other := range s.members {
			if other.BinaryParent != nil && *other.BinaryParent == *m.BinaryParent && other.BinarySide == m.BinarySide {
				return store.ErrDuplicateKey
			}
		}
	}
	cp := *m
	s.members[m.ID] = &cp
	return nil
}

func (s *Store) GetMember(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) UpdateMember(ctx context.Context, m *models.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[m.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *m
	s.members[m.ID] = &cp
	return nil
}

func (s *Store) ListMembers(ctx context.Context) ([]models.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (s *Store) DirectReferrals(ctx context.Context, sponsorID uuid.UUID) ([]models.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Member
	for _, m := range s.members {
		if m.SponsorID != nil && *m.SponsorID == sponsorID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (s *Store) BinaryChild(ctx context.Context, parentID uuid.UUID, side string) (*models.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.members {
		if m.BinaryParent != nil && *m.BinaryParent == parentID && m.BinarySide == side {
			cp := *m
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// --- packages ---

func (s *Store) CreatePackage(ctx context.Context, p *models.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.packages[p.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *p
	s.packages[p.ID] = &cp
	return nil
}

func (s *Store) GetPackage(ctx context.Context, id uuid.UUID) (*models.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.packages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) UpdatePackage(ctx context.Context, p *models.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.packages[p.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *p
	s.packages[p.ID] = &cp
	return nil
}

func (s *Store) ListActivePackages(ctx context.Context) ([]models.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Package
	for _, p := range s.packages {
		if p.Status == domain.PackageStatusActive {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

func (s *Store) PackagesByMember(ctx context.Context, memberID uuid.UUID) ([]models.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Package
	for _, p := range s.packages {
		if p.MemberID == memberID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

func (s *Store) PackagesCreatedBetween(ctx context.Context, from, to time.Time) ([]models.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Package
	for _, p := range s.packages {
		if !p.StartAt.Before(from) && p.StartAt.Before(to) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

// --- ledger ---

func (s *Store) AppendEntry(ctx context.Context, e *models.LedgerEntry, guardNonNegative bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entryByKey[e.IdempotencyKey]; ok {
		return store.ErrDuplicateKey
	}
	if guardNonNegative && s.balances[e.MemberID]+e.AmountMicros < 0 {
		return domain.ErrInsufficientBalance
	}
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.entries = append(s.entries, &cp)
	s.entryByKey[cp.IdempotencyKey] = &cp
	s.balances[cp.MemberID] += cp.AmountMicros
	return nil
}

func (s *Store) Balance(ctx context.Context, memberID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[memberID], nil
}

func (s *Store) SumEntries(ctx context.Context, memberID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum int64
	for _, e := range s.entries {
		if e.MemberID == memberID {
			sum += e.AmountMicros
		}
	}
	return sum, nil
}

func (s *Store) EntriesByMember(ctx context.Context, memberID uuid.UUID, limit, offset int) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []models.LedgerEntry
	for _, e := range s.entries {
		if e.MemberID == memberID {
			all = append(all, *e)
		}
	}
	// Newest first, matching the statement endpoint contract.
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) EntriesByRun(ctx context.Context, runID string) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LedgerEntry
	for _, e := range s.entries {
		if e.RunID == runID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *Store) EntriesByKindBetween(ctx context.Context, kind string, from, to time.Time) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LedgerEntry
	for _, e := range s.entries {
		if e.Kind == kind && !e.CreatedAt.Before(from) && e.CreatedAt.Before(to) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *Store) MemberIDsWithEntries(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, e := range s.entries {
		if !seen[e.MemberID] {
			seen[e.MemberID] = true
			out = append(out, e.MemberID)
		}
	}
	return out, nil
}

// --- binary leg state ---

func (s *Store) UpdateLegState(ctx context.Context, memberID uuid.UUID, fn func(*models.BinaryLegState) error) error {
	lock := s.memberLock(memberID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	cur, ok := s.legs[memberID]
	var work models.BinaryLegState
	if ok {
		work = *cur
	} else {
		work = models.BinaryLegState{MemberID: memberID}
	}
	s.mu.RUnlock()

	if err := fn(&work); err != nil {
		return err
	}

	s.mu.Lock()
	s.legs[memberID] = &work
	s.mu.Unlock()
	return nil
}

func (s *Store) GetLegState(ctx context.Context, memberID uuid.UUID) (*models.BinaryLegState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.legs[memberID]; ok {
		cp := *st
		return &cp, nil
	}
	return &models.BinaryLegState{MemberID: memberID}, nil
}

func (s *Store) ListLegStates(ctx context.Context) ([]models.BinaryLegState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.BinaryLegState, 0, len(s.legs))
	for _, st := range s.legs {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID.String() < out[j].MemberID.String() })
	return out, nil
}

// --- runs ---

func (s *Store) CreateRun(ctx context.Context, r *models.CommissionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*models.CommissionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) UpdateRun(ctx context.Context, r *models.CommissionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *Store) ListRuns(ctx context.Context) ([]models.CommissionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CommissionRun, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// --- rank achievements ---

func (s *Store) CreateAchievement(ctx context.Context, a *models.RankAchievement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ranks := s.achievedRank[a.MemberID]
	if ranks[a.RankOrder] {
		return store.ErrDuplicateKey
	}
	if ranks == nil {
		ranks = make(map[int]bool)
		s.achievedRank[a.MemberID] = ranks
	}
	ranks[a.RankOrder] = true
	cp := *a
	s.achievements[a.ID] = &cp
	return nil
}

func (s *Store) GetAchievement(ctx context.Context, id uuid.UUID) (*models.RankAchievement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.achievements[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) UpdateAchievement(ctx context.Context, a *models.RankAchievement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.achievements[a.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *a
	s.achievements[a.ID] = &cp
	return nil
}

func (s *Store) AchievementsByMember(ctx context.Context, memberID uuid.UUID) ([]models.RankAchievement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RankAchievement
	for _, a := range s.achievements {
		if a.MemberID == memberID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RankOrder < out[j].RankOrder })
	return out, nil
}

func (s *Store) ListAchievements(ctx context.Context, rewardStatus string) ([]models.RankAchievement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RankAchievement
	for _, a := range s.achievements {
		if rewardStatus == "" || a.RewardStatus == rewardStatus {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AchievedAt.After(out[j].AchievedAt) })
	return out, nil
}

// --- payment requests ---

func (s *Store) CreateRequest(ctx context.Context, r *models.PaymentRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *r
	s.requests[r.ID] = &cp
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id uuid.UUID) (*models.PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) UpdateRequestStatus(ctx context.Context, r *models.PaymentRequest, expect string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.requests[r.ID]
	if !ok || cur.Status != expect {
		return store.ErrNotFound
	}
	cp := *r
	s.requests[r.ID] = &cp
	return nil
}

func (s *Store) ListRequests(ctx context.Context, direction, status string) ([]models.PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PaymentRequest
	for _, r := range s.requests {
		if direction != "" && r.Direction != direction {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- settings ---

func (s *Store) SaveSettings(ctx context.Context, cfg *models.CommissionSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	cp.Version = len(s.settings) + 1
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.settings = append(s.settings, &cp)
	cfg.Version = cp.Version
	return nil
}

func (s *Store) LatestSettings(ctx context.Context) (*models.CommissionSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.settings) == 0 {
		return nil, store.ErrNotFound
	}
	cp := *s.settings[len(s.settings)-1]
	return &cp, nil
}

// --- audit ---

func (s *Store) AppendAudit(ctx context.Context, rec *models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *Store) ListAudit(ctx context.Context, entityType string, limit int) ([]models.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AuditRecord
	for i := len(s.audit) - 1; i >= 0; i-- {
		rec := s.audit[i]
		if entityType != "" && rec.EntityType != entityType {
			continue
		}
		out = append(out, *rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- idempotency ---

func (s *Store) ReserveIdempotencyKey(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.idemKeys[rec.Key]; ok {
		return false, nil
	}
	cp := *rec
	cp.InProgress = true
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.idemKeys[rec.Key] = &cp
	return true, nil
}

func (s *Store) GetIdempotencyKey(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.idemKeys[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) FinalizeIdempotencyKey(ctx context.Context, key, requestHash string, status int, body []byte, contentType string) (*models.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idemKeys[key]
	if !ok || rec.RequestHash != requestHash {
		return nil, store.ErrNotFound
	}
	rec.InProgress = false
	rec.ResponseStatus = status
	rec.ResponseBody = append([]byte(nil), body...)
	rec.ContentType = contentType
	cp := *rec
	return &cp, nil
}
