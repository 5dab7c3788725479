package gatepass

import (
	"errors"
	"fmt"
	"time"

	"gatehouse.org/internal/admission"
)

// Collection holds gate passes.
const Collection = "gate_passes"

// Status of a pass. Exactly one holds at a time; used and expired are final.
type Status string

const (
	StatusActive  Status = "active"
	StatusUsed    Status = "used"
	StatusExpired Status = "expired"
)

// Pass is a one-time entry token a resident hands to an expected visitor.
type Pass struct {
	ID             string     `json:"id"`
	SocietyID      string     `json:"society_id"`
	ResidentID     string     `json:"resident_id"`
	UnitID         string     `json:"unit_id"`
	VisitorName    string     `json:"visitor_name"`
	Token          string     `json:"token"`
	Status         Status     `json:"status"`
	IssuedAt       time.Time  `json:"issued_at"`
	ValidUntil     time.Time  `json:"valid_until"`
	RedeemedBy     string     `json:"redeemed_by,omitempty"`
	RedeemedAt     *time.Time `json:"redeemed_at,omitempty"`
	VisitorEntryID string     `json:"visitor_entry_id,omitempty"`
}

// Elapsed reports whether the pass is past its validity window at now.
func (p Pass) Elapsed(now time.Time) bool {
	return !now.Before(p.ValidUntil)
}

// IssueRequest asks for a new pass. UnitID is only read for admins, who have no
// unit of their own.
type IssueRequest struct {
	VisitorName   string
	ValidityHours int
	UnitID        string
}

// Redemption is the outcome of a successful redeem: the consumed pass and the
// approved visitor entry it produced.
type Redemption struct {
	Pass  Pass            `json:"pass"`
	Entry admission.Entry `json:"entry"`
}

var (
	ErrNotFound            = errors.New("gate pass not found")
	ErrExpired             = fmt.Errorf("gate pass expired: %w", ErrNotFound)
	ErrAlreadyUsed         = errors.New("gate pass already used")
	ErrTokenSpaceExhausted = errors.New("no free gate pass token")
	ErrInvalidValidity     = errors.New("invalid gate pass validity")
	ErrInvalidInput        = errors.New("invalid gate pass request")
	ErrForbidden           = errors.New("not allowed to act on gate passes")
)
