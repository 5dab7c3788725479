package httpapi

import (
	"context"
	"net/http"

	"gatehouse.org/internal/admission"
	"gatehouse.org/internal/auth"
)

type createVisitorRequest struct {
	VisitorName string `json:"visitor_name" validate:"required,max=120"`
	Phone       string `json:"phone" validate:"max=32"`
	Purpose     string `json:"purpose" validate:"max=200"`
	UnitID      string `json:"unit_id" validate:"required,max=32"`
}

type visitorStep func(context.Context, auth.Actor, string) (admission.Entry, error)

func (a *API) visitorSteps() map[string]visitorStep {
	return map[string]visitorStep{
		"approve": a.admission.Approve,
		"deny":    a.admission.Deny,
		"enter":   a.admission.MarkEntered,
		"exit":    a.admission.MarkExited,
	}
}

func (a *API) createVisitor(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	var req createVisitorRequest
	if !readRequest(w, r, &req) {
		return
	}
	entry, err := a.admission.Create(r.Context(), actor, admission.NewEntry{
		VisitorName: req.VisitorName,
		Phone:       req.Phone,
		Purpose:     req.Purpose,
		UnitID:      req.UnitID,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/visitors/"+entry.ID)
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) getVisitor(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	entry, err := a.admission.Get(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) visitorAction(w http.ResponseWriter, r *http.Request) {
	step, found := a.visitorSteps()[r.PathValue("action")]
	if !found {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	entry, err := step(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
