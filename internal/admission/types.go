package admission

import (
	"errors"
	"time"
)

// Collection holds visitor entries.
const Collection = "visitor_entries"

// Status is the position of an entry in the admission state machine.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusEntered  Status = "entered"
	StatusExited   Status = "exited"
)

var edges = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusDenied},
	StatusApproved: {StatusEntered},
	StatusEntered:  {StatusExited},
}

// CanTransition reports whether the graph has an edge from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no edge leaves s.
func (s Status) Terminal() bool { return len(edges[s]) == 0 }

// Entry is one visitor at the gate.
type Entry struct {
	ID          string     `json:"id"`
	SocietyID   string     `json:"society_id"`
	VisitorName string     `json:"visitor_name"`
	Phone       string     `json:"phone,omitempty"`
	Purpose     string     `json:"purpose,omitempty"`
	UnitID      string     `json:"unit_id"`
	CreatedBy   string     `json:"created_by"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedBy  string     `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	EnteredBy   string     `json:"entered_by,omitempty"`
	EnteredAt   *time.Time `json:"entered_at,omitempty"`
	ExitedBy    string     `json:"exited_by,omitempty"`
	ExitedAt    *time.Time `json:"exited_at,omitempty"`
	GatePassID  string     `json:"gate_pass_id,omitempty"`
}

// NewEntry is what the gatekeeper records when a visitor arrives.
type NewEntry struct {
	VisitorName string
	Phone       string
	Purpose     string
	UnitID      string
}

// PreRegistration describes a visitor admitted through a redeemed gate pass.
type PreRegistration struct {
	SocietyID    string
	UnitID       string
	VisitorName  string
	ResidentID   string
	GatekeeperID string
	GatePassID   string
	At           time.Time
}

var (
	ErrNotFound          = errors.New("visitor entry not found")
	ErrInvalidTransition = errors.New("invalid visitor transition")
	ErrForbidden         = errors.New("not allowed to act on this visitor entry")
	ErrInvalidInput      = errors.New("invalid visitor entry")
)
