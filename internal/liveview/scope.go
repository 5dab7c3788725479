package liveview

import (
	"errors"
	"fmt"

	"gatehouse.org/internal/admission"
	"gatehouse.org/internal/auth"
	"gatehouse.org/internal/docstore"
	"gatehouse.org/internal/facility"
	"gatehouse.org/internal/gatepass"
)

func newest() docstore.Sort { return docstore.Desc(docstore.FieldCreatedAt) }

func VisitorsForUnit(societyID, unitID string) Spec {
	return Spec{
		Collection: admission.Collection,
		Query: docstore.Where(
			docstore.Eq("society_id", societyID),
			docstore.Eq("unit_id", unitID),
		).OrderBy(newest()),
	}
}

func VisitorsForSociety(societyID string) Spec {
	return Spec{
		Collection: admission.Collection,
		Query:      docstore.Where(docstore.Eq("society_id", societyID)).OrderBy(newest()),
	}
}

func PassesForResident(societyID, residentID string) Spec {
	return Spec{
		Collection: gatepass.Collection,
		Query: docstore.Where(
			docstore.Eq("society_id", societyID),
			docstore.Eq("resident_id", residentID),
		).OrderBy(newest()),
	}
}

func PassesForSociety(societyID string) Spec {
	return Spec{
		Collection: gatepass.Collection,
		Query:      docstore.Where(docstore.Eq("society_id", societyID)).OrderBy(newest()),
	}
}

func BookingsForUser(societyID, userID string) Spec {
	return Spec{
		Collection: facility.BookingsCollection,
		Query: docstore.Where(
			docstore.Eq("society_id", societyID),
			docstore.Eq("user_id", userID),
		).OrderBy(docstore.Asc("date"), docstore.Asc("start")),
	}
}

func BookingsForSociety(societyID string) Spec {
	return Spec{
		Collection: facility.BookingsCollection,
		Query: docstore.Where(docstore.Eq("society_id", societyID)).
			OrderBy(docstore.Asc("date"), docstore.Asc("start")),
	}
}

// BookingsForFacilityDay follows the slots currently held on one facility's day.
func BookingsForFacilityDay(facilityID, date string) Spec {
	return Spec{
		Collection: facility.BookingsCollection,
		Query: docstore.Where(
			docstore.Eq("facility_id", facilityID),
			docstore.Eq("date", date),
			docstore.In("status", string(facility.StatusPending), string(facility.StatusConfirmed)),
		).OrderBy(docstore.Asc("start")),
	}
}

var ErrUnknownConcern = errors.New("unknown live view concern")

// Concern is a kind of record a consumer can follow.
type Concern string

const (
	ConcernVisitors Concern = "visitors"
	ConcernPasses   Concern = "gate-passes"
	ConcernBookings Concern = "bookings"
)

// ScopeFor picks the view an actor's role may see: residents follow their own
// unit or records, gatekeepers and admins the whole society.
func ScopeFor(actor auth.Actor, concern Concern) (Spec, error) {
	if err := actor.Validate(); err != nil {
		return Spec{}, err
	}
	resident := actor.Is(auth.RoleResident)
	switch concern {
	case ConcernVisitors:
		if resident {
			return VisitorsForUnit(actor.SocietyID, actor.UnitID), nil
		}
		return VisitorsForSociety(actor.SocietyID), nil
	case ConcernPasses:
		if resident {
			return PassesForResident(actor.SocietyID, actor.ID), nil
		}
		return PassesForSociety(actor.SocietyID), nil
	case ConcernBookings:
		if resident {
			return BookingsForUser(actor.SocietyID, actor.ID), nil
		}
		return BookingsForSociety(actor.SocietyID), nil
	}
	return Spec{}, fmt.Errorf("%w: unknown concern %q", ErrUnknownConcern, concern)
}
