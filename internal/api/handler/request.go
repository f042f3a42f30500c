package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/veltrix/compengine/internal/approval"
)

// RequestHandler covers deposit and withdrawal requests and their approval
// workflow.
type RequestHandler struct {
	approval *approval.Service
}

func NewRequestHandler(s *approval.Service) *RequestHandler {
	return &RequestHandler{approval: s}
}

func (h *RequestHandler) Create(direction string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MemberID     string `json:"member_id"`
			AmountMicros int64  `json:"amount_micros"`
		}
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
			RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "cannot file a request for another member")
			return
		}
		pr, err := h.approval.Request(r.Context(), memberID, direction, req.AmountMicros)
		if err != nil {
			RespondDomainError(w, r, err)
			return
		}
		RespondJSON(w, http.StatusCreated, pr)
	}
}

func (h *RequestHandler) List(direction string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		reqs, err := h.approval.ListRequests(r.Context(), direction, status)
		if err != nil {
			RespondDomainError(w, r, err)
			return
		}
		RespondJSON(w, http.StatusOK, reqs)
	}
}

func (h *RequestHandler) Approve(w http.ResponseWriter, r *http.Request) {
	requestID, ok := pathUUID(chi.URLParam(r, "id"))
	if !ok {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "invalid request id")
		return
	}
	approverID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-token-claims", err.Error())
		return
	}
	pr, err := h.approval.Approve(r.Context(), requestID, approverID)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, pr)
}

func (h *RequestHandler) Reject(w http.ResponseWriter, r *http.Request) {
	requestID, ok := pathUUID(chi.URLParam(r, "id"))
	if !ok {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "invalid request id")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	approverID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-token-claims", err.Error())
		return
	}
	pr, err := h.approval.Reject(r.Context(), requestID, approverID, req.Reason)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, pr)
}

func (h *RequestHandler) BatchApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "ids must not be empty")
		return
	}
	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, ok := pathUUID(raw)
		if !ok {
			RespondError(w, r, http.StatusBadRequest, "request/validation", "invalid id in batch: "+raw)
			return
		}
		ids = append(ids, id)
	}
	approverID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-token-claims", err.Error())
		return
	}
	result := h.approval.BatchApprove(r.Context(), ids, approverID)
	RespondJSON(w, http.StatusOK, result)
}

func (h *RequestHandler) ManualAdjust(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberID     string `json:"member_id"`
		AmountMicros int64  `json:"amount_micros"`
		Reason       string `json:"reason"`
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
	entry, err := h.approval.ManualAdjust(r.Context(), memberID, req.AmountMicros, req.Reason, actorID)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, entry)
}
