package facility

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

const (
	FacilitiesCollection = "facilities"
	BookingsCollection   = "facility_bookings"
	DateLayout           = "2006-01-02"
)

// Status of a booking. Pending and confirmed bookings hold their slot.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// Holds reports whether a booking in status s occupies its interval.
func (s Status) Holds() bool {
	return s == StatusPending || s == StatusConfirmed
}

// Facility is a shared amenity that can be reserved by time slot.
type Facility struct {
	ID               string    `json:"id"`
	SocietyID        string    `json:"society_id"`
	Name             string    `json:"name"`
	RequiresApproval bool      `json:"requires_approval"`
	OpensAt          string    `json:"opens_at,omitempty"`
	ClosesAt         string    `json:"closes_at,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Booking reserves [Start, End) of one facility on one date.
type Booking struct {
	ID               string     `json:"id"`
	FacilityID       string     `json:"facility_id"`
	SocietyID        string     `json:"society_id"`
	UserID           string     `json:"user_id"`
	UnitID           string     `json:"unit_id,omitempty"`
	Date             string     `json:"date"`
	Start            string     `json:"start"`
	End              string     `json:"end"`
	RequiresApproval bool       `json:"requires_approval"`
	Status           Status     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	ConfirmedBy      string     `json:"confirmed_by,omitempty"`
	ConfirmedAt      *time.Time `json:"confirmed_at,omitempty"`
	CancelledBy      string     `json:"cancelled_by,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	Notes            string     `json:"notes,omitempty"`
}

// Interval returns the booking's slot. The stored times are assumed valid.
func (b Booking) Interval() Interval {
	iv, _ := ParseInterval(b.Start, b.End)
	return iv
}

// BookRequest asks for a slot.
type BookRequest struct {
	FacilityID string
	Date       string
	Start      string
	End        string
	Notes      string
}

// NewFacility describes a facility to create.
type NewFacility struct {
	Name             string
	RequiresApproval bool
	OpensAt          string
	ClosesAt         string
}

var clockPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):([0-5][0-9])$`)

// EndOfDay is "24:00", accepted only as the end of an interval.
const EndOfDay = "24:00"

// Interval is a half-open range of minutes after midnight.
type Interval struct {
	Start int
	End   int
}

// Overlaps reports whether the half-open intervals share any minute.
// Touching endpoints do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start < o.End && i.End > o.Start
}

// Within reports whether i lies inside the window o.
func (i Interval) Within(o Interval) bool {
	return i.Start >= o.Start && i.End <= o.End
}

// ParseClock parses 24h "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	m := clockPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: time %q is not HH:MM", ErrInvalidInterval, s)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	return h*60 + mm, nil
}

// ParseEndClock is ParseClock that also accepts EndOfDay as 1440.
func ParseEndClock(s string) (int, error) {
	if s == EndOfDay {
		return 24 * 60, nil
	}
	return ParseClock(s)
}

// ParseInterval parses and checks start < end. Only end may be EndOfDay.
func ParseInterval(start, end string) (Interval, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Interval{}, err
	}
	e, err := ParseEndClock(end)
	if err != nil {
		return Interval{}, err
	}
	if s >= e {
		return Interval{}, fmt.Errorf("%w: start %s is not before end %s", ErrInvalidInterval, start, end)
	}
	return Interval{Start: s, End: e}, nil
}

// ConflictError names the booking that already holds an overlapping slot.
type ConflictError struct {
	Booking Booking
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("slot clashes with booking %s on %s %s-%s",
		e.Booking.ID, e.Booking.Date, e.Booking.Start, e.Booking.End)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

var (
	ErrConflict          = errors.New("facility slot already booked")
	ErrInvalidInterval   = errors.New("invalid booking interval")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid booking transition")
	ErrForbidden         = errors.New("not allowed to act on this booking")
	ErrInvalidInput      = errors.New("invalid facility request")
)
