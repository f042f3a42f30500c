// Package graph is the referral graph store: the unilevel sponsor chain used
// for level commissions and the binary placement tree used for matching.
// The two trees are distinct; a member's sponsor is rarely its binary parent.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veltrix/compengine/internal/domain"
	"github.com/veltrix/compengine/internal/models"
	"github.com/veltrix/compengine/internal/store"
)

// hardDepthLimit bounds every upward walk. The sponsor chain invariant says
// chains are acyclic and finite; the limit turns a corrupted chain into an
// error instead of a hang.
const hardDepthLimit = 10_000

type Ancestor struct {
	Member models.Member
	Level  int // 1 = direct sponsor
}

// PathNode is one binary ancestor together with the leg the descendant
// falls under.
type PathNode struct {
	AncestorID uuid.UUID
	Side       string
}

type Graph struct {
	store store.Store
}

func New(st store.Store) *Graph {
	return &Graph{store: st}
}

type EnrollCmd struct {
	Username     string
	SponsorID    *uuid.UUID
	BinaryParent *uuid.UUID
	BinarySide   string
}

// Enroll creates a member under the given sponsor and, when a placement is
// supplied, into the binary tree. Placement into an occupied slot fails with
// a SlotOccupied rule violation.
func (g *Graph) Enroll(ctx context.Context, cmd EnrollCmd) (*models.Member, error) {
	if cmd.Username == "" {
		return nil, domain.Validationf("username", "must not be empty")
	}
	if cmd.SponsorID != nil {
		if _, err := g.store.GetMember(ctx, *cmd.SponsorID); err != nil {
			return nil, fmt.Errorf("sponsor %s: %w", cmd.SponsorID, domain.ErrNotFound)
		}
	}
	m := &models.Member{
		ID:        uuid.New(),
		Username:  cmd.Username,
		SponsorID: cmd.SponsorID,
		Status:    domain.MemberStatusActive,
		KYCStatus: domain.KYCStatusPending,
		JoinedAt:  time.Now().UTC(),
	}
	if cmd.BinaryParent != nil {
		if err := g.checkSlot(ctx, *cmd.BinaryParent, cmd.BinarySide); err != nil {
			return nil, err
		}
		m.BinaryParent = cmd.BinaryParent
		m.BinarySide = cmd.BinarySide
	}
	if err := g.store.CreateMember(ctx, m); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, domain.Violation(domain.CodeSlotOccupied, "binary slot taken concurrently")
		}
		return nil, fmt.Errorf("create member: %w", err)
	}
	return m, nil
}

// Place moves an unplaced member into a binary slot. Members already placed
// stay where they are; the binary tree is append-only.
func (g *Graph) Place(ctx context.Context, memberID, parentID uuid.UUID, side string) error {
	m, err := g.store.GetMember(ctx, memberID)
	if err != nil {
		return fmt.Errorf("member %s: %w", memberID, domain.ErrNotFound)
	}
	if m.BinaryParent != nil {
		return domain.Validationf("member", "already placed in the binary tree")
	}
	if err := g.checkSlot(ctx, parentID, side); err != nil {
		return err
	}
	m.BinaryParent = &parentID
	m.BinarySide = side
	if err := g.store.UpdateMember(ctx, m); err != nil {
		return fmt.Errorf("place member: %w", err)
	}
	return nil
}

func (g *Graph) checkSlot(ctx context.Context, parentID uuid.UUID, side string) error {
	if side != domain.SideLeft && side != domain.SideRight {
		return domain.Validationf("side", "must be %q or %q", domain.SideLeft, domain.SideRight)
	}
	if _, err := g.store.GetMember(ctx, parentID); err != nil {
		return fmt.Errorf("binary parent %s: %w", parentID, domain.ErrNotFound)
	}
	if _, err := g.store.BinaryChild(ctx, parentID, side); err == nil {
		return domain.Violation(domain.CodeSlotOccupied, "%s slot of %s is occupied", side, parentID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("check binary slot: %w", err)
	}
	return nil
}

// SponsorChain returns the member's ancestors by direct referral, closest
// first, up to maxDepth levels. A chain shorter than maxDepth is returned
// as-is.
func (g *Graph) SponsorChain(ctx context.Context, memberID uuid.UUID, maxDepth int) ([]Ancestor, error) {
	if maxDepth <= 0 || maxDepth > hardDepthLimit {
		maxDepth = hardDepthLimit
	}
	m, err := g.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("member %s: %w", memberID, domain.ErrNotFound)
	}
	seen := map[uuid.UUID]bool{m.ID: true}
	var chain []Ancestor
	for level := 1; level <= maxDepth && m.SponsorID != nil; level++ {
		parent, err := g.store.GetMember(ctx, *m.SponsorID)
		if err != nil {
			return nil, fmt.Errorf("sponsor chain broken at %s: %w", *m.SponsorID, err)
		}
		if seen[parent.ID] {
			return nil, fmt.Errorf("sponsor chain cycle at %s", parent.ID)
		}
		seen[parent.ID] = true
		chain = append(chain, Ancestor{Member: *parent, Level: level})
		m = parent
	}
	return chain, nil
}

// PlacementPath returns the member's binary ancestors, closest first, with
// the leg the member sits under for each of them.
func (g *Graph) PlacementPath(ctx context.Context, memberID uuid.UUID) ([]PathNode, error) {
	m, err := g.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("member %s: %w", memberID, domain.ErrNotFound)
	}
	seen := map[uuid.UUID]bool{m.ID: true}
	var path []PathNode
	for depth := 0; m.BinaryParent != nil; depth++ {
		if depth >= hardDepthLimit {
			return nil, fmt.Errorf("binary path exceeds depth limit at %s", m.ID)
		}
		node := PathNode{AncestorID: *m.BinaryParent, Side: m.BinarySide}
		parent, err := g.store.GetMember(ctx, *m.BinaryParent)
		if err != nil {
			return nil, fmt.Errorf("binary path broken at %s: %w", *m.BinaryParent, err)
		}
		if seen[parent.ID] {
			return nil, fmt.Errorf("binary tree cycle at %s", parent.ID)
		}
		seen[parent.ID] = true
		path = append(path, node)
		m = parent
	}
	return path, nil
}

// LegVolumes returns the member's accumulated left and right leg volumes.
func (g *Graph) LegVolumes(ctx context.Context, memberID uuid.UUID) (left, right int64, err error) {
	st, err := g.store.GetLegState(ctx, memberID)
	if err != nil {
		return 0, 0, err
	}
	return st.LeftMicros, st.RightMicros, nil
}

// Snapshot memoizes downline aggregation for the duration of one run. A
// snapshot must not outlive the run that created it. Safe for concurrent use
// by a run's workers; aggregation itself runs one member at a time.
type Snapshot struct {
	g     *Graph
	mu    sync.Mutex
	stats map[uuid.UUID]*models.DownlineStats
}

func (g *Graph) NewSnapshot() *Snapshot {
	return &Snapshot{g: g, stats: make(map[uuid.UUID]*models.DownlineStats)}
}

// DownlineVolume aggregates the member's personal investment with every
// descendant's, plus direct referral and active team counts. Recursive over
// the sponsor tree, memoized per snapshot.
func (s *Snapshot) DownlineVolume(ctx context.Context, memberID uuid.UUID) (*models.DownlineStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downline(ctx, memberID, map[uuid.UUID]bool{})
}

func (s *Snapshot) downline(ctx context.Context, memberID uuid.UUID, visiting map[uuid.UUID]bool) (*models.DownlineStats, error) {
	if cached, ok := s.stats[memberID]; ok {
		return cached, nil
	}
	if visiting[memberID] {
		return nil, fmt.Errorf("sponsor tree cycle at %s", memberID)
	}
	visiting[memberID] = true
	defer delete(visiting, memberID)

	personal, err := s.personalInvestment(ctx, memberID)
	if err != nil {
		return nil, err
	}
	stats := &models.DownlineStats{
		PersonalMicros:   personal,
		TeamVolumeMicros: personal,
	}

	directs, err := s.g.store.DirectReferrals(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("direct referrals of %s: %w", memberID, err)
	}
	stats.DirectCount = len(directs)
	for _, d := range directs {
		child, err := s.downline(ctx, d.ID, visiting)
		if err != nil {
			return nil, err
		}
		stats.TeamVolumeMicros += child.TeamVolumeMicros
		stats.ActiveTeamCount += child.ActiveTeamCount
		if d.Status == domain.MemberStatusActive {
			stats.ActiveTeamCount++
		}
	}

	s.stats[memberID] = stats
	return stats, nil
}

// personalInvestment sums the principal of the member's non-cancelled
// packages.
func (s *Snapshot) personalInvestment(ctx context.Context, memberID uuid.UUID) (int64, error) {
	pkgs, err := s.g.store.PackagesByMember(ctx, memberID)
	if err != nil {
		return 0, fmt.Errorf("packages of %s: %w", memberID, err)
	}
	var sum int64
	for _, p := range pkgs {
		if p.Status != domain.PackageStatusCancelled {
			sum += p.PrincipalMicros
		}
	}
	return sum, nil
}
