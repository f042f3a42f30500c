package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/veltrix/compengine/internal/orchestrator"
)

// RunHandler drives commission runs over the HTTP surface.
type RunHandler struct {
	orc *orchestrator.Orchestrator
}

func NewRunHandler(orc *orchestrator.Orchestrator) *RunHandler {
	return &RunHandler{orc: orc}
}

type runRequest struct {
	RunID string    `json:"run_id,omitempty"` // set to retry a prior run
	Type  string    `json:"type"`
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
}

func (h *RunHandler) Preview(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	preview, err := h.orc.Preview(r.Context(), req.Type, req.From, req.To)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, preview)
}

func (h *RunHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	runID := uuid.Nil
	if req.RunID != "" {
		id, ok := pathUUID(req.RunID)
		if !ok {
			RespondError(w, r, http.StatusBadRequest, "request/validation", "invalid run_id")
			return
		}
		runID = id
	}
	run, err := h.orc.Execute(r.Context(), runID, req.Type, req.From, req.To)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, run)
}

func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(chi.URLParam(r, "id"))
	if !ok {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "invalid run id")
		return
	}
	run, err := h.orc.GetRun(r.Context(), id)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, run)
}

func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	runs, err := h.orc.History(r.Context())
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, runs)
}
