package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/veltrix/compengine/internal/engine"
	"github.com/veltrix/compengine/internal/settings"
	"github.com/veltrix/compengine/internal/store"
)

// PackageHandler covers investment package purchases and reads.
type PackageHandler struct {
	purchase *engine.PurchaseService
	settings *settings.Service
	st       store.Store
}

func NewPackageHandler(p *engine.PurchaseService, cfg *settings.Service, st store.Store) *PackageHandler {
	return &PackageHandler{purchase: p, settings: cfg, st: st}
}

type purchaseRequest struct {
	MemberID        string          `json:"member_id"`
	PrincipalMicros int64           `json:"principal_micros"`
	RateMinPct      decimal.Decimal `json:"rate_min_pct"`
	RateMaxPct      decimal.Decimal `json:"rate_max_pct"`
	CapPct          decimal.Decimal `json:"cap_pct"`
	Schedule        string          `json:"schedule"`
	TermDays        int             `json:"term_days"`
}

func (h *PackageHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	memberID, ok := pathUUID(req.MemberID)
	if !ok {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "invalid member_id")
		return
	}
	actorID, isAdmin, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-token-claims", err.Error())
		return
	}
	if !isAdmin && actorID != memberID {
		RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "cannot purchase for another member")
		return
	}

	cfg, err := h.settings.Current(r.Context())
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	pkg, err := h.purchase.Purchase(r.Context(), cfg, engine.PurchaseCmd{
		MemberID:        memberID,
		PrincipalMicros: req.PrincipalMicros,
		RateMinPct:      req.RateMinPct,
		RateMaxPct:      req.RateMaxPct,
		CapPct:          req.CapPct,
		Schedule:        req.Schedule,
		TermDays:        req.TermDays,
	})
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, pkg)
}

func (h *PackageHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(chi.URLParam(r, "id"))
	if !ok {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "invalid package id")
		return
	}
	pkg, err := h.st.GetPackage(r.Context(), id)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	actorID, isAdmin, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-token-claims", err.Error())
		return
	}
	if !isAdmin && actorID != pkg.MemberID {
		RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "cannot access another member's package")
		return
	}
	RespondJSON(w, http.StatusOK, pkg)
}

func (h *PackageHandler) ListByMember(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathUUID(chi.URLParam(r, "id"))
	if !ok {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "invalid member id")
		return
	}
	actorID, isAdmin, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-token-claims", err.Error())
		return
	}
	if !isAdmin && actorID != memberID {
		RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "cannot access another member's packages")
		return
	}
	pkgs, err := h.st.PackagesByMember(r.Context(), memberID)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, pkgs)
}
