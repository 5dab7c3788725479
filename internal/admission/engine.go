// Package admission runs the visitor state machine:
// pending -> approved|denied, approved -> entered, entered -> exited.
// Every transition is a conditional write on the current status, so two racing
// writers cannot both move the same entry.
package admission

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

// Engine owns every visitor entry mutation.
type Engine struct {
	store  docstore.Store
	notify notify.Dispatcher
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithNotifier(d notify.Dispatcher) Option {
	return func(e *Engine) {
		if d != nil {
			e.notify = d
		}
	}
}

func NewEngine(store docstore.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		notify: notify.Discard{},
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create records a visitor waiting at the gate. Gatekeepers only.
func (e *Engine) Create(ctx context.Context, actor auth.Actor, in NewEntry) (Entry, error) {
	if err := actor.Validate(); err != nil {
		return Entry{}, err
	}
	if !actor.Is(auth.RoleGatekeeper) {
		obs.ObserveRejection("visitor", "forbidden")
		return Entry{}, fmt.Errorf("%w: only a gatekeeper can log a visitor", ErrForbidden)
	}
	in.VisitorName = strings.TrimSpace(in.VisitorName)
	in.UnitID = strings.TrimSpace(in.UnitID)
	if in.VisitorName == "" {
		return Entry{}, fmt.Errorf("%w: visitor name is required", ErrInvalidInput)
	}
	if in.UnitID == "" {
		return Entry{}, fmt.Errorf("%w: unit is required", ErrInvalidInput)
	}

	now := e.now()
	entry := Entry{
		ID:          ids.NewAt(now),
		SocietyID:   actor.SocietyID,
		VisitorName: in.VisitorName,
		Phone:       strings.TrimSpace(in.Phone),
		Purpose:     strings.TrimSpace(in.Purpose),
		UnitID:      in.UnitID,
		CreatedBy:   actor.ID,
		Status:      StatusPending,
		CreatedAt:   now,
	}
	created, err := e.insert(ctx, e.store, entry)
	if err != nil {
		return Entry{}, err
	}

	obs.ObserveTransition("visitor", "", string(StatusPending))
	e.audit(ctx, "visitor.created", actor, created)
	e.notify.Enqueue(ctx, notify.VisitorArrived, notify.Unit(created.SocietyID, created.UnitID), payload(created))
	return created, nil
}

// AdmitPreRegistered creates an entry directly in approved inside tx. The caller
// owns the surrounding atomic section and any notification after commit.
func (e *Engine) AdmitPreRegistered(ctx context.Context, tx docstore.Tx, p PreRegistration) (Entry, error) {
	if p.SocietyID == "" || p.UnitID == "" || strings.TrimSpace(p.VisitorName) == "" {
		return Entry{}, fmt.Errorf("%w: pre-registration needs society, unit and visitor", ErrInvalidInput)
	}
	at := p.At
	if at.IsZero() {
		at = e.now()
	}
	entry := Entry{
		ID:          ids.NewAt(at),
		SocietyID:   p.SocietyID,
		VisitorName: strings.TrimSpace(p.VisitorName),
		Purpose:     "pre-registered",
		UnitID:      p.UnitID,
		CreatedBy:   p.GatekeeperID,
		Status:      StatusApproved,
		CreatedAt:   at,
		ResolvedBy:  p.ResidentID,
		ResolvedAt:  &at,
		GatePassID:  p.GatePassID,
	}
	return e.insert(ctx, tx, entry)
}

func (e *Engine) insert(ctx context.Context, w docstore.Writer, entry Entry) (Entry, error) {
	fields, err := docstore.Encode(entry)
	if err != nil {
		return Entry{}, err
	}
	doc, err := w.Create(ctx, Collection, docstore.Document{ID: entry.ID, Fields: fields})
	if err != nil {
		return Entry{}, fmt.Errorf("create visitor entry: %w", err)
	}
	return decode(doc)
}

// Get returns an entry visible to actor. Entries of other societies are not found.
func (e *Engine) Get(ctx context.Context, actor auth.Actor, id string) (Entry, error) {
	if err := actor.Validate(); err != nil {
		return Entry{}, err
	}
	entry, err := e.load(ctx, actor, id)
	if err != nil {
		return Entry{}, err
	}
	if actor.Is(auth.RoleResident) && entry.UnitID != actor.UnitID {
		return Entry{}, fmt.Errorf("%w: entry belongs to another unit", ErrForbidden)
	}
	return entry, nil
}

func (e *Engine) Approve(ctx context.Context, actor auth.Actor, id string) (Entry, error) {
	return e.transition(ctx, actor, id, StatusPending, StatusApproved)
}

func (e *Engine) Deny(ctx context.Context, actor auth.Actor, id string) (Entry, error) {
	return e.transition(ctx, actor, id, StatusPending, StatusDenied)
}

func (e *Engine) MarkEntered(ctx context.Context, actor auth.Actor, id string) (Entry, error) {
	return e.transition(ctx, actor, id, StatusApproved, StatusEntered)
}

func (e *Engine) MarkExited(ctx context.Context, actor auth.Actor, id string) (Entry, error) {
	return e.transition(ctx, actor, id, StatusEntered, StatusExited)
}

func (e *Engine) load(ctx context.Context, actor auth.Actor, id string) (Entry, error) {
	doc, err := e.store.Get(ctx, Collection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("load visitor entry: %w", err)
	}
	entry, err := decode(doc)
	if err != nil {
		return Entry{}, err
	}
	if !actor.InSociety(entry.SocietyID) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entry, nil
}

func authorize(actor auth.Actor, entry Entry, to Status) error {
	switch to {
	case StatusApproved, StatusDenied:
		if actor.Is(auth.RoleAdmin) {
			return nil
		}
		if actor.Is(auth.RoleResident) && actor.UnitID == entry.UnitID {
			return nil
		}
		return fmt.Errorf("%w: only a resident of unit %s or an admin can resolve", ErrForbidden, entry.UnitID)
	case StatusEntered, StatusExited:
		if actor.Is(auth.RoleGatekeeper) {
			return nil
		}
		return fmt.Errorf("%w: only a gatekeeper can record movement", ErrForbidden)
	}
	return fmt.Errorf("%w: unknown target %s", ErrInvalidTransition, to)
}

func (e *Engine) transition(ctx context.Context, actor auth.Actor, id string, from, to Status) (Entry, error) {
	if err := actor.Validate(); err != nil {
		return Entry{}, err
	}
	entry, err := e.load(ctx, actor, id)
	if err != nil {
		return Entry{}, err
	}
	if err := authorize(actor, entry, to); err != nil {
		obs.ObserveRejection("visitor", "forbidden")
		return Entry{}, err
	}
	if entry.Status != from {
		obs.ObserveRejection("visitor", "invalid_transition")
		return Entry{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, entry.Status, to)
	}

	now := e.now()
	patch := docstore.Fields{"status": string(to)}
	switch to {
	case StatusApproved, StatusDenied:
		patch["resolved_by"] = actor.ID
		patch["resolved_at"] = now
	case StatusEntered:
		patch["entered_by"] = actor.ID
		patch["entered_at"] = now
	case StatusExited:
		patch["exited_by"] = actor.ID
		patch["exited_at"] = now
	}

	doc, err := e.store.ConditionalUpdate(ctx, Collection, id, docstore.Fields{"status": string(from)}, patch)
	if errors.Is(err, docstore.ErrPreconditionFailed) {
		obs.ObserveRejection("visitor", "lost_race")
		return Entry{}, fmt.Errorf("%w: entry %s is no longer %s: %w", ErrInvalidTransition, id, from, err)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("update visitor entry: %w", err)
	}
	updated, err := decode(doc)
	if err != nil {
		return Entry{}, err
	}

	obs.ObserveTransition("visitor", string(from), string(to))
	e.audit(ctx, "visitor."+string(to), actor, updated)
	kind, rcpt := e.recipients(updated)
	e.notify.Enqueue(ctx, kind, rcpt, payload(updated))
	return updated, nil
}

func (e *Engine) recipients(entry Entry) (notify.Kind, notify.Selector) {
	switch entry.Status {
	case StatusApproved:
		return notify.VisitorApproved, notify.Role(entry.SocietyID, auth.RoleGatekeeper)
	case StatusDenied:
		return notify.VisitorDenied, notify.Role(entry.SocietyID, auth.RoleGatekeeper)
	case StatusEntered:
		return notify.VisitorEntered, notify.Unit(entry.SocietyID, entry.UnitID)
	default:
		return notify.VisitorExited, notify.Unit(entry.SocietyID, entry.UnitID)
	}
}

func (e *Engine) audit(ctx context.Context, event string, actor auth.Actor, entry Entry) {
	err := audit.LogEvent(ctx, event, map[string]any{
		"entry_id": entry.ID,
		"unit_id":  entry.UnitID,
		"status":   string(entry.Status),
		"by":       actor.ID,
	})
	if err != nil {
		obs.Logger().Warn("audit log failed", zap.String("event", event), zap.Error(err))
	}
}

func decode(doc docstore.Document) (Entry, error) {
	var entry Entry
	if err := docstore.Decode(doc, &entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func payload(entry Entry) map[string]any {
	return map[string]any{
		"entry_id":     entry.ID,
		"visitor_name": entry.VisitorName,
		"unit_id":      entry.UnitID,
		"status":       string(entry.Status),
	}
}
