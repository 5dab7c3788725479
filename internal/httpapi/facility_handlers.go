package httpapi

import (
	"context"
	"net/http"

	"gatehouse.org/internal/auth"
	"gatehouse.org/internal/facility"
)

type createFacilityRequest struct {
	Name             string `json:"name" validate:"required,max=120"`
	RequiresApproval bool   `json:"requires_approval"`
	OpensAt          string `json:"opens_at" validate:"omitempty,clock"`
	ClosesAt         string `json:"closes_at" validate:"omitempty,endclock"`
}

type bookRequest struct {
	FacilityID string `json:"facility_id" validate:"required,max=64"`
	Date       string `json:"date" validate:"required,isodate"`
	Start      string `json:"start" validate:"required,clock"`
	End        string `json:"end" validate:"required,endclock"`
	Notes      string `json:"notes" validate:"max=500"`
}

type bookingStep func(context.Context, auth.Actor, string) (facility.Booking, error)

func (a *API) createFacility(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	var req createFacilityRequest
	if !readRequest(w, r, &req) {
		return
	}
	f, err := a.facility.CreateFacility(r.Context(), actor, facility.NewFacility{
		Name:             req.Name,
		RequiresApproval: req.RequiresApproval,
		OpensAt:          req.OpensAt,
		ClosesAt:         req.ClosesAt,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (a *API) book(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	var req bookRequest
	if !readRequest(w, r, &req) {
		return
	}
	b, err := a.facility.Book(r.Context(), actor, facility.BookRequest{
		FacilityID: req.FacilityID,
		Date:       req.Date,
		Start:      req.Start,
		End:        req.End,
		Notes:      req.Notes,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/bookings/"+b.ID)
	writeJSON(w, http.StatusCreated, b)
}

func (a *API) getBooking(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	b, err := a.facility.Get(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) bookingAction(w http.ResponseWriter, r *http.Request) {
	var step bookingStep
	switch r.PathValue("action") {
	case "cancel":
		step = a.facility.Cancel
	case "confirm":
		step = a.facility.Confirm
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	b, err := step(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
