package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/veltrix/compengine/internal/api/middleware"
	"github.com/veltrix/compengine/internal/api/problem"
	"github.com/veltrix/compengine/internal/domain"
	"github.com/veltrix/compengine/internal/store"
)

// RespondJSON writes a JSON response.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// RespondError writes an RFC 7807 error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, problemType, message string) {
	if problemType != "" && problemType != "about:blank" && !strings.HasPrefix(problemType, "http") {
		problemType = problem.Type(problemType)
	}
	problem.Write(w, r, status, problemType, http.StatusText(status), message)
}

// RespondDomainError maps service-layer errors onto HTTP statuses. Validation
// errors are 400, rule violations 422 with the reason code as the type slug,
// lookups 404, conflicts 409.
func RespondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case domain.IsValidation(err):
		RespondError(w, r, http.StatusBadRequest, "request/validation", err.Error())
	case domain.ViolationCode(err) != "":
		RespondError(w, r, http.StatusUnprocessableEntity, "rule/"+domain.ViolationCode(err), err.Error())
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, store.ErrNotFound):
		RespondError(w, r, http.StatusNotFound, "resource/not-found", "resource not found")
	case errors.Is(err, domain.ErrDuplicateEntry), errors.Is(err, store.ErrDuplicateKey):
		RespondError(w, r, http.StatusConflict, "resource/conflict", err.Error())
	case errors.Is(err, domain.ErrInsufficientBalance):
		RespondError(w, r, http.StatusUnprocessableEntity, "rule/"+domain.CodeInsufficientBalance, err.Error())
	default:
		RespondError(w, r, http.StatusInternalServerError, "internal-server-error", "unexpected server error")
	}
}

func requestActor(r *http.Request) (uuid.UUID, bool, error) {
	memberID := middleware.MemberIDFromContext(r.Context())
	if memberID == "" {
		return uuid.Nil, false, errors.New("missing member in auth context")
	}

	actorID, err := uuid.Parse(memberID)
	if err != nil {
		return uuid.Nil, false, errors.New("invalid member_id in auth context")
	}

	return actorID, middleware.RoleFromContext(r.Context()) == middleware.RoleAdmin, nil
}

func pathUUID(raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "invalid request body")
		return false
	}
	return true
}
