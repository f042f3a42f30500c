package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/veltrix/compengine/internal/domain"
	"github.com/veltrix/compengine/internal/graph"
	"github.com/veltrix/compengine/internal/ledger"
	"github.com/veltrix/compengine/internal/store"
)

// MemberHandler covers enrollment, placement and member-facing reads.
type MemberHandler struct {
	graph  *graph.Graph
	ledger *ledger.Ledger
	st     store.Store
}

func NewMemberHandler(g *graph.Graph, l *ledger.Ledger, st store.Store) *MemberHandler {
	return &MemberHandler{graph: g, ledger: l, st: st}
}

type enrollRequest struct {
	Username     string `json:"username"`
	SponsorID    string `json:"sponsor_id,omitempty"`
	BinaryParent string `json:"binary_parent,omitempty"`
	BinarySide   string `json:"binary_side,omitempty"`
}

func (h *MemberHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cmd := graph.EnrollCmd{Username: req.Username, BinarySide: req.BinarySide}
	if req.SponsorID != "" {
		id, ok := pathUUID(req.SponsorID)
		if !ok {
			RespondError(w, r, http.StatusBadRequest, "request/validation", "invalid sponsor_id")
			return
		}
		cmd.SponsorID = &id
	}
	if req.BinaryParent != "" {
		id, ok := pathUUID(req.BinaryParent)
		if !ok {
			RespondError(w, r, http.StatusBadRequest, "request/validation", "invalid binary_parent")
			return
		}
		cmd.BinaryParent = &id
	}

	m, err := h.graph.Enroll(r.Context(), cmd)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, m)
}

func (h *MemberHandler) Place(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathUUID(chi.URLParam(r, "id"))
	if !ok {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "invalid member id")
		return
	}
	var req struct {
		ParentID string `json:"parent_id"`
		Side     string `json:"side"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	parentID, ok := pathUUID(req.ParentID)
	if !ok {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "invalid parent_id")
		return
	}
	if err := h.graph.Place(r.Context(), memberID, parentID, req.Side); err != nil {
		RespondDomainError(w, r, err)
		return
	}
	m, err := h.st.GetMember(r.Context(), memberID)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, m)
}

func (h *MemberHandler) List(w http.ResponseWriter, r *http.Request) {
	members, err := h.st.ListMembers(r.Context())
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, members)
}

func (h *MemberHandler) Get(w http.ResponseWriter, r *http.Request) {
	memberID, ok := h.authorizedMember(w, r)
	if !ok {
		return
	}
	m, err := h.st.GetMember(r.Context(), memberID)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, m)
}

func (h *MemberHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	memberID, ok := h.authorizedMember(w, r)
	if !ok {
		return
	}
	balance, err := h.ledger.BalanceOf(r.Context(), memberID)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"member_id":      memberID,
		"balance_micros": balance,
		"balance":        domain.FormatAmount(balance),
	})
}

func (h *MemberHandler) GetStatement(w http.ResponseWriter, r *http.Request) {
	memberID, ok := h.authorizedMember(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := h.ledger.Statement(r.Context(), memberID, limit, offset)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"member_id": memberID,
		"entries":   entries,
	})
}

func (h *MemberHandler) GetDownline(w http.ResponseWriter, r *http.Request) {
	memberID, ok := h.authorizedMember(w, r)
	if !ok {
		return
	}
	stats, err := h.graph.NewSnapshot().DownlineVolume(r.Context(), memberID)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	left, right, err := h.graph.LegVolumes(r.Context(), memberID)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"member_id":        memberID,
		"downline":         stats,
		"left_leg_micros":  left,
		"right_leg_micros": right,
	})
}

// SetKYC is the back-office hook that moves a member through KYC review.
func (h *MemberHandler) SetKYC(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathUUID(chi.URLParam(r, "id"))
	if !ok {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "invalid member id")
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Status != domain.KYCStatusPending && req.Status != domain.KYCStatusVerified && req.Status != domain.KYCStatusRejected {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "invalid kyc status")
		return
	}
	m, err := h.st.GetMember(r.Context(), memberID)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	m.KYCStatus = req.Status
	if err := h.st.UpdateMember(r.Context(), m); err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, m)
}

// authorizedMember resolves the {id} path param and checks the caller may
// read that member: admins read anyone, members only themselves.
func (h *MemberHandler) authorizedMember(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	memberID, ok := pathUUID(chi.URLParam(r, "id"))
	if !ok {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "invalid member id")
		return uuid.Nil, false
	}
	actorID, isAdmin, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-token-claims", err.Error())
		return uuid.Nil, false
	}
	if !isAdmin && actorID != memberID {
		RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "cannot access another member")
		return uuid.Nil, false
	}
	return memberID, true
}
