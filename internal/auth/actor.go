package auth

import (
	"context"
	"fmt"
	"strings"
)

// Role is one of the three fixed society roles.
type Role string

const (
	RoleGatekeeper Role = "gatekeeper"
	RoleResident   Role = "resident"
	RoleAdmin      Role = "admin"
)

// ParseRole normalises and validates a role name. "guard" is accepted as an alias.
func ParseRole(raw string) (Role, error) {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "gatekeeper", "guard":
		return RoleGatekeeper, nil
	case "resident":
		return RoleResident, nil
	case "admin", "administrator":
		return RoleAdmin, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
}

// Actor is the authenticated caller of a domain operation.
type Actor struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	UnitID    string `json:"unit_id,omitempty"`
	SocietyID string `json:"society_id"`
}

// Validate checks that the actor carries the scoping its role needs.
func (a Actor) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: actor id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(a.SocietyID) == "" {
		return fmt.Errorf("%w: society id is required", ErrInvalidInput)
	}
	if _, err := ParseRole(string(a.Role)); err != nil {
		return err
	}
	if a.Role == RoleResident && strings.TrimSpace(a.UnitID) == "" {
		return fmt.Errorf("%w: resident must belong to a unit", ErrInvalidInput)
	}
	return nil
}

func (a Actor) Is(role Role) bool { return a.Role == role }

// InSociety reports whether the actor is scoped to societyID.
func (a Actor) InSociety(societyID string) bool {
	return a.SocietyID != "" && a.SocietyID == societyID
}

// Provider resolves the actor behind a request.
type Provider interface {
	CurrentActor(ctx context.Context) (Actor, error)
}

// ContextProvider reads the actor attached by ContextWithActor.
type ContextProvider struct{}

func (ContextProvider) CurrentActor(ctx context.Context) (Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return Actor{}, ErrUnauthenticated
	}
	return actor, nil
}

// Static always returns the same actor. Used by tools and tests.
type Static Actor

func (s Static) CurrentActor(context.Context) (Actor, error) {
	return Actor(s), nil
}
