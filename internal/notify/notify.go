// Package notify queues fire-and-forget notifications about committed state
// changes. Delivery failures are logged and counted; they never reach the caller.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"gatehouse.org/internal/auth"
)

// Kind names what happened.
type Kind string

const (
	VisitorArrived   Kind = "visitor.arrived"
	VisitorApproved  Kind = "visitor.approved"
	VisitorDenied    Kind = "visitor.denied"
	VisitorEntered   Kind = "visitor.entered"
	VisitorExited    Kind = "visitor.exited"
	PassIssued       Kind = "gate_pass.issued"
	PassRedeemed     Kind = "gate_pass.redeemed"
	BookingCreated   Kind = "booking.created"
	BookingConfirmed Kind = "booking.confirmed"
	BookingCancelled Kind = "booking.cancelled"
)

// Selector picks recipients inside a society. Empty fields do not narrow.
type Selector struct {
	SocietyID string    `json:"society_id"`
	Role      auth.Role `json:"role,omitempty"`
	UnitID    string    `json:"unit_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
}

// Unit selects the residents of a unit.
func Unit(societyID, unitID string) Selector {
	return Selector{SocietyID: societyID, Role: auth.RoleResident, UnitID: unitID}
}

// Role selects everyone holding role in the society.
func Role(societyID string, role auth.Role) Selector {
	return Selector{SocietyID: societyID, Role: role}
}

// User selects one user.
func User(societyID, userID string) Selector {
	return Selector{SocietyID: societyID, UserID: userID}
}

// Notification is one queued message.
type Notification struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Recipient Selector       `json:"recipient"`
	Payload   map[string]any `json:"payload,omitempty"`
	QueuedAt  time.Time      `json:"queued_at"`
}

// Dispatcher accepts notifications without blocking on delivery.
type Dispatcher interface {
	Enqueue(ctx context.Context, kind Kind, to Selector, payload map[string]any)
}

// Sink delivers one notification.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

func newNotification(kind Kind, to Selector, payload map[string]any) Notification {
	copied := make(map[string]any, len(payload))
	for k, v := range payload {
		copied[k] = v
	}
	return Notification{
		ID:        uuid.NewString(),
		Kind:      kind,
		Recipient: to,
		Payload:   copied,
		QueuedAt:  time.Now().UTC(),
	}
}

// Discard drops everything.
type Discard struct{}

func (Discard) Enqueue(context.Context, Kind, Selector, map[string]any) {}

// Recorder keeps every notification in memory, in order.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Enqueue(_ context.Context, kind Kind, to Selector, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, newNotification(kind, to, payload))
}

// Deliver lets a Recorder act as a Sink.
func (r *Recorder) Deliver(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// All returns a copy of what was recorded.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// Kinds returns the recorded kinds in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.sent))
	for i, n := range r.sent {
		out[i] = n.Kind
	}
	return out
}
