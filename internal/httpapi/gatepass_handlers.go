package httpapi

import (
	"net/http"

	"gatehouse.org/internal/gatepass"
)

type issuePassRequest struct {
	VisitorName   string `json:"visitor_name" validate:"required,max=120"`
	ValidityHours int    `json:"validity_hours" validate:"required,gte=1"`
	UnitID        string `json:"unit_id" validate:"max=32"`
}

type redeemPassRequest struct {
	Token     string `json:"token" validate:"required,passtoken"`
	SocietyID string `json:"society_id" validate:"max=64"`
}

func (a *API) issuePass(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	var req issuePassRequest
	if !readRequest(w, r, &req) {
		return
	}
	pass, err := a.gatepass.Issue(r.Context(), actor, gatepass.IssueRequest{
		VisitorName:   req.VisitorName,
		ValidityHours: req.ValidityHours,
		UnitID:        req.UnitID,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pass)
}

// redeemPass admits the visitor behind a token. The society defaults to the
// gatekeeper's own.
func (a *API) redeemPass(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	var req redeemPassRequest
	if !readRequest(w, r, &req) {
		return
	}
	society := req.SocietyID
	if society == "" {
		society = actor.SocietyID
	}
	red, err := a.gatepass.Redeem(r.Context(), actor, society, req.Token)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, red)
}
