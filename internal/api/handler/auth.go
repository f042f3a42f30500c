package handler

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/veltrix/compengine/internal/api/middleware"
	"github.com/veltrix/compengine/internal/store"
)

// AuthHandler issues development tokens. Login by member ID stands in for a
// real identity provider.
type AuthHandler struct {
	st store.MemberStore
}

func NewAuthHandler(st store.MemberStore) *AuthHandler {
	return &AuthHandler{st: st}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberID string `json:"member_id"`
		Role     string `json:"role"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	id, err := uuid.Parse(req.MemberID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "invalid member_id")
		return
	}

	role := req.Role
	if role == "" {
		role = middleware.RoleMember
	}
	if role != middleware.RoleAdmin && role != middleware.RoleMember {
		RespondError(w, r, http.StatusBadRequest, "request/validation", "role must be admin or member")
		return
	}
	// Admin identities live outside the member tree; member logins must
	// reference an enrolled member.
	if role == middleware.RoleMember {
		if _, err := h.st.GetMember(r.Context(), id); err != nil {
			RespondError(w, r, http.StatusNotFound, "resource/not-found", "member not found")
			return
		}
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"member_id": id.String(),
		"role":      role,
		"sub":       id.String(),
		"iss":       middleware.JWTIssuer(),
		"aud":       middleware.JWTAudience(),
		"iat":       now.Unix(),
		"exp":       now.Add(24 * time.Hour).Unix(),
	})

	tokenString, err := token.SignedString(middleware.JWTSecret())
	if err != nil {
		RespondError(w, r, http.StatusInternalServerError, "auth/sign-failed", "failed to sign token")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"token": tokenString})
}
