package handler

import (
	"net/http"

	"github.com/veltrix/compengine/internal/models"
	"github.com/veltrix/compengine/internal/settings"
)

// SettingsHandler reads and versions the commission plan.
type SettingsHandler struct {
	settings *settings.Service
}

func NewSettingsHandler(s *settings.Service) *SettingsHandler {
	return &SettingsHandler{settings: s}
}

func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.settings.Current(r.Context())
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, cfg)
}

// Put saves a new settings version. Versions are append-only; the previous
// plan stays queryable for audit.
func (h *SettingsHandler) Put(w http.ResponseWriter, r *http.Request) {
	var cfg models.CommissionSettings
	if !decodeJSON(w, r, &cfg) {
		return
	}
	if err := h.settings.Save(r.Context(), &cfg); err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, cfg)
}
