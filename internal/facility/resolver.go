// Package facility reserves shared amenities by time slot. For one facility and
// date, bookings holding a slot never overlap: the overlap check and the insert
// commit together in an atomic section keyed on the facility and date.
package facility

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"gatehouse.org/internal/audit"
	"gatehouse.org/internal/auth"
	"gatehouse.org/internal/docstore"
	"gatehouse.org/internal/ids"
	"gatehouse.org/internal/notify"
	"gatehouse.org/internal/obs"
)

// Resolver owns facility and booking mutations.
type Resolver struct {
	store  docstore.Store
	notify notify.Dispatcher
	now    func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

func WithNotifier(d notify.Dispatcher) Option {
	return func(r *Resolver) {
		if d != nil {
			r.notify = d
		}
	}
}

func NewResolver(store docstore.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:  store,
		notify: notify.Discard{},
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CalendarKey names the atomic section guarding one facility's day.
func CalendarKey(facilityID, date string) string {
	return BookingsCollection + "/" + facilityID + "/" + date
}

// CreateFacility registers a bookable facility. Admins only.
func (r *Resolver) CreateFacility(ctx context.Context, actor auth.Actor, in NewFacility) (Facility, error) {
	if err := actor.Validate(); err != nil {
		return Facility{}, err
	}
	if !actor.Is(auth.RoleAdmin) {
		return Facility{}, fmt.Errorf("%w: only an admin can add facilities", ErrForbidden)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Facility{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if (in.OpensAt == "") != (in.ClosesAt == "") {
		return Facility{}, fmt.Errorf("%w: opening window needs both ends", ErrInvalidInterval)
	}
	if in.OpensAt != "" {
		if _, err := ParseInterval(in.OpensAt, in.ClosesAt); err != nil {
			return Facility{}, err
		}
	}

	now := r.now()
	f := Facility{
		ID:               ids.NewAt(now),
		SocietyID:        actor.SocietyID,
		Name:             name,
		RequiresApproval: in.RequiresApproval,
		OpensAt:          in.OpensAt,
		ClosesAt:         in.ClosesAt,
		CreatedAt:        now,
	}
	fields, err := docstore.Encode(f)
	if err != nil {
		return Facility{}, err
	}
	doc, err := r.store.Create(ctx, FacilitiesCollection, docstore.Document{ID: f.ID, Fields: fields})
	if err != nil {
		return Facility{}, fmt.Errorf("create facility: %w", err)
	}
	if err := docstore.Decode(doc, &f); err != nil {
		return Facility{}, err
	}
	r.audit(ctx, "facility.created", actor, map[string]any{"facility_id": f.ID, "name": f.Name})
	return f, nil
}

// Facility returns a facility of the actor's society.
func (r *Resolver) Facility(ctx context.Context, actor auth.Actor, id string) (Facility, error) {
	doc, err := r.store.Get(ctx, FacilitiesCollection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return Facility{}, fmt.Errorf("facility %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Facility{}, fmt.Errorf("load facility: %w", err)
	}
	var f Facility
	if err := docstore.Decode(doc, &f); err != nil {
		return Facility{}, err
	}
	if !actor.InSociety(f.SocietyID) {
		return Facility{}, fmt.Errorf("facility %s: %w", id, ErrNotFound)
	}
	return f, nil
}

// Book reserves a slot. The booking is pending when the facility requires
// approval and confirmed otherwise. An overlap with a pending or confirmed
// booking fails with *ConflictError and writes nothing.
func (r *Resolver) Book(ctx context.Context, actor auth.Actor, req BookRequest) (Booking, error) {
	if err := actor.Validate(); err != nil {
		return Booking{}, err
	}
	if !actor.Is(auth.RoleResident) && !actor.Is(auth.RoleAdmin) {
		obs.ObserveRejection("booking", "forbidden")
		return Booking{}, fmt.Errorf("%w: only residents and admins book facilities", ErrForbidden)
	}
	if _, err := time.Parse(DateLayout, req.Date); err != nil {
		return Booking{}, fmt.Errorf("%w: date %q is not YYYY-MM-DD", ErrInvalidInterval, req.Date)
	}
	want, err := ParseInterval(req.Start, req.End)
	if err != nil {
		return Booking{}, err
	}
	f, err := r.Facility(ctx, actor, req.FacilityID)
	if err != nil {
		return Booking{}, err
	}
	if f.OpensAt != "" {
		window, err := ParseInterval(f.OpensAt, f.ClosesAt)
		if err == nil && !want.Within(window) {
			return Booking{}, fmt.Errorf("%w: %s is open %s-%s", ErrInvalidInterval, f.Name, f.OpensAt, f.ClosesAt)
		}
	}

	status := StatusConfirmed
	if f.RequiresApproval {
		status = StatusPending
	}
	now := r.now()
	b := Booking{
		ID:               ids.NewAt(now),
		FacilityID:       f.ID,
		SocietyID:        f.SocietyID,
		UserID:           actor.ID,
		UnitID:           actor.UnitID,
		Date:             req.Date,
		Start:            req.Start,
		End:              req.End,
		RequiresApproval: f.RequiresApproval,
		Status:           status,
		CreatedAt:        now,
		Notes:            strings.TrimSpace(req.Notes),
	}

	err = r.store.Atomically(ctx, CalendarKey(f.ID, req.Date), func(ctx context.Context, tx docstore.Tx) error {
		docs, err := tx.Query(ctx, BookingsCollection, docstore.Where(
			docstore.Eq("facility_id", f.ID),
			docstore.Eq("date", req.Date),
			docstore.In("status", string(StatusPending), string(StatusConfirmed)),
		).OrderBy(docstore.Asc("start")))
		if err != nil {
			return fmt.Errorf("load calendar: %w", err)
		}
		held, err := docstore.DecodeAll[Booking](docs)
		if err != nil {
			return err
		}
		for _, other := range held {
			if want.Overlaps(other.Interval()) {
				return &ConflictError{Booking: other}
			}
		}
		fields, err := docstore.Encode(b)
		if err != nil {
			return err
		}
		doc, err := tx.Create(ctx, BookingsCollection, docstore.Document{ID: b.ID, Fields: fields})
		if err != nil {
			return fmt.Errorf("create booking: %w", err)
		}
		return docstore.Decode(doc, &b)
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			obs.ObserveRejection("booking", "conflict")
		}
		return Booking{}, err
	}

	obs.ObserveTransition("booking", "", string(b.Status))
	r.audit(ctx, "booking.created", actor, bookingFields(b))
	r.notify.Enqueue(ctx, notify.BookingCreated, notify.User(b.SocietyID, b.UserID), bookingPayload(b, f))
	if b.Status == StatusPending {
		r.notify.Enqueue(ctx, notify.BookingCreated, notify.Role(b.SocietyID, auth.RoleAdmin), bookingPayload(b, f))
	}
	return b, nil
}

// Get returns a booking visible to actor: its owner or anyone in the society for
// admins and gatekeepers.
func (r *Resolver) Get(ctx context.Context, actor auth.Actor, id string) (Booking, error) {
	b, err := r.load(ctx, actor, id)
	if err != nil {
		return Booking{}, err
	}
	if actor.Is(auth.RoleResident) && b.UserID != actor.ID {
		return Booking{}, fmt.Errorf("%w: booking belongs to another resident", ErrForbidden)
	}
	return b, nil
}

// Cancel releases a pending or confirmed booking. Owner or admin.
func (r *Resolver) Cancel(ctx context.Context, actor auth.Actor, id string) (Booking, error) {
	if err := actor.Validate(); err != nil {
		return Booking{}, err
	}
	b, err := r.load(ctx, actor, id)
	if err != nil {
		return Booking{}, err
	}
	if !actor.Is(auth.RoleAdmin) && b.UserID != actor.ID {
		obs.ObserveRejection("booking", "forbidden")
		return Booking{}, fmt.Errorf("%w: only the owner or an admin can cancel", ErrForbidden)
	}
	if !b.Status.Holds() {
		obs.ObserveRejection("booking", "invalid_transition")
		return Booking{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, StatusCancelled)
	}
	now := r.now()
	return r.move(ctx, actor, b, StatusCancelled, docstore.Fields{
		"cancelled_by": actor.ID,
		"cancelled_at": now,
	})
}

// Confirm approves a pending booking. Admins only; the slot is unchanged.
func (r *Resolver) Confirm(ctx context.Context, actor auth.Actor, id string) (Booking, error) {
	if err := actor.Validate(); err != nil {
		return Booking{}, err
	}
	if !actor.Is(auth.RoleAdmin) {
		obs.ObserveRejection("booking", "forbidden")
		return Booking{}, fmt.Errorf("%w: only an admin can confirm", ErrForbidden)
	}
	b, err := r.load(ctx, actor, id)
	if err != nil {
		return Booking{}, err
	}
	if b.Status != StatusPending {
		obs.ObserveRejection("booking", "invalid_transition")
		return Booking{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, StatusConfirmed)
	}
	now := r.now()
	return r.move(ctx, actor, b, StatusConfirmed, docstore.Fields{
		"confirmed_by": actor.ID,
		"confirmed_at": now,
	})
}

func (r *Resolver) move(ctx context.Context, actor auth.Actor, b Booking, to Status, patch docstore.Fields) (Booking, error) {
	from := b.Status
	patch["status"] = string(to)
	doc, err := r.store.ConditionalUpdate(ctx, BookingsCollection, b.ID, docstore.Fields{"status": string(from)}, patch)
	if errors.Is(err, docstore.ErrPreconditionFailed) {
		obs.ObserveRejection("booking", "lost_race")
		return Booking{}, fmt.Errorf("%w: booking %s is no longer %s: %w", ErrInvalidTransition, b.ID, from, err)
	}
	if err != nil {
		return Booking{}, fmt.Errorf("update booking: %w", err)
	}
	var out Booking
	if err := docstore.Decode(doc, &out); err != nil {
		return Booking{}, err
	}

	obs.ObserveTransition("booking", string(from), string(to))
	r.audit(ctx, "booking."+string(to), actor, bookingFields(out))
	kind := notify.BookingConfirmed
	if to == StatusCancelled {
		kind = notify.BookingCancelled
	}
	r.notify.Enqueue(ctx, kind, notify.User(out.SocietyID, out.UserID), map[string]any{
		"booking_id":  out.ID,
		"facility_id": out.FacilityID,
		"date":        out.Date,
		"start":       out.Start,
		"end":         out.End,
		"status":      string(out.Status),
	})
	return out, nil
}

func (r *Resolver) load(ctx context.Context, actor auth.Actor, id string) (Booking, error) {
	doc, err := r.store.Get(ctx, BookingsCollection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return Booking{}, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Booking{}, fmt.Errorf("load booking: %w", err)
	}
	var b Booking
	if err := docstore.Decode(doc, &b); err != nil {
		return Booking{}, err
	}
	if !actor.InSociety(b.SocietyID) {
		return Booking{}, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	return b, nil
}

func (r *Resolver) audit(ctx context.Context, event string, actor auth.Actor, fields map[string]any) {
	fields["by"] = actor.ID
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.Logger().Warn("audit log failed", zap.String("event", event), zap.Error(err))
	}
}

func bookingFields(b Booking) map[string]any {
	return map[string]any{
		"booking_id":  b.ID,
		"facility_id": b.FacilityID,
		"date":        b.Date,
		"start":       b.Start,
		"end":         b.End,
		"status":      string(b.Status),
	}
}

func bookingPayload(b Booking, f Facility) map[string]any {
	p := bookingFields(b)
	p["facility_name"] = f.Name
	return p
}
