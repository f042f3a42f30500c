package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/veltrix/compengine/internal/engine"
	"github.com/veltrix/compengine/internal/store"
)

// RankHandler covers rank achievements and their one-time rewards.
type RankHandler struct {
	rank *engine.RankEngine
	st   store.Store
}

func NewRankHandler(rank *engine.RankEngine, st store.Store) *RankHandler {
	return &RankHandler{rank: rank, st: st}
}

func (h *RankHandler) ListAchievements(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	achievements, err := h.st.ListAchievements(r.Context(), status)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, achievements)
}

func (h *RankHandler) PayReward(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(chi.URLParam(r, "id"))
	if !ok {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "invalid achievement id")
		return
	}
	entry, err := h.rank.PayReward(r.Context(), id)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, entry)
}

func (h *RankHandler) CancelReward(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(chi.URLParam(r, "id"))
	if !ok {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "invalid achievement id")
		return
	}
	if err := h.rank.CancelReward(r.Context(), id); err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *RankHandler) AdjustRank(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberID string `json:"member_id"`
		Rank     int    `json:"rank"`
		Reason   string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	memberID, ok := pathUUID(req.MemberID)
	if !ok {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "invalid member_id")
		return
	}
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-token-claims", err.Error())
		return
	}
	if err := h.rank.AdjustRank(r.Context(), memberID, req.Rank, req.Reason, &actorID); err != nil {
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
