package httpapi

import (
	"errors"
	"net/http"
	"time"

	"gatehouse.org/internal/audit"
	"gatehouse.org/internal/auth"
)

type tokenRequest struct {
	UserID    string `json:"user_id" validate:"required,max=64"`
	Role      string `json:"role" validate:"required"`
	UnitID    string `json:"unit_id" validate:"max=32"`
	SocietyID string `json:"society_id" validate:"required,max=64"`
}

type tokenResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	Actor     auth.Actor `json:"actor"`
}

// handleAuthToken mints actor tokens for development and demos. Production
// deployments get tokens from the society's identity provider.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if !a.opts.DevTokens || a.tokens == nil {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	var req tokenRequest
	if !readRequest(w, r, &req) {
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	actor := auth.Actor{ID: req.UserID, Role: role, UnitID: req.UnitID, SocietyID: req.SocietyID}

	token, expiresAt, err := a.tokens.Issue(actor)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidInput) {
			writeDomainError(w, r, err)
			return
		}
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"user_id":    actor.ID,
		"role":       string(actor.Role),
		"society_id": actor.SocietyID,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Actor:     actor,
	})
}
