// Package gatepass issues and redeems one-time numeric gate passes. Issue and
// redeem run in an atomic section per society token namespace, so an active
// token is unique and a pass can be consumed once.
package gatepass

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"gatehouse.org/internal/admission"
	"gatehouse.org/internal/audit"
	"gatehouse.org/internal/auth"
	"gatehouse.org/internal/docstore"
	"gatehouse.org/internal/ids"
	"gatehouse.org/internal/notify"
	"gatehouse.org/internal/obs"
)

const (
	MinTokenDigits          = 6
	MaxTokenDigits          = 18
	DefaultMaxValidityHours = 72
	defaultAttempts         = 16
)

// TokenGenerator returns a numeric token with the given number of digits.
type TokenGenerator func(digits int) (string, error)

// RandomToken draws a uniformly distributed token from crypto/rand.
func RandomToken(digits int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n.Int64()), nil
}

// Service owns every gate pass mutation.
type Service struct {
	store       docstore.Store
	admission   *admission.Engine
	notify      notify.Dispatcher
	now         func() time.Time
	token       TokenGenerator
	digits      int
	maxValidity int
	attempts    int
}

// Option configures a Service.
type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithNotifier(d notify.Dispatcher) Option {
	return func(s *Service) {
		if d != nil {
			s.notify = d
		}
	}
}

// WithTokenDigits sets the token length, clamped to MinTokenDigits..MaxTokenDigits.
func WithTokenDigits(n int) Option {
	return func(s *Service) {
		s.digits = min(max(n, MinTokenDigits), MaxTokenDigits)
	}
}

func WithMaxValidityHours(h int) Option {
	return func(s *Service) {
		if h > 0 {
			s.maxValidity = h
		}
	}
}

func WithTokenGenerator(g TokenGenerator) Option {
	return func(s *Service) {
		if g != nil {
			s.token = g
		}
	}
}

// WithAttempts bounds token regeneration on collision.
func WithAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.attempts = n
		}
	}
}

func NewService(store docstore.Store, engine *admission.Engine, opts ...Option) *Service {
	s := &Service{
		store:       store,
		admission:   engine,
		notify:      notify.Discard{},
		now:         func() time.Time { return time.Now().UTC() },
		token:       RandomToken,
		digits:      MinTokenDigits,
		maxValidity: DefaultMaxValidityHours,
		attempts:    defaultAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func namespace(societyID string) string {
	return Collection + "/" + societyID + "/tokens"
}

// Issue creates an active pass with a token not held by any other active pass of
// the society. Residents and admins only.
func (s *Service) Issue(ctx context.Context, actor auth.Actor, req IssueRequest) (Pass, error) {
	if err := actor.Validate(); err != nil {
		return Pass{}, err
	}
	unitID := actor.UnitID
	switch actor.Role {
	case auth.RoleResident:
	case auth.RoleAdmin:
		if strings.TrimSpace(req.UnitID) != "" {
			unitID = strings.TrimSpace(req.UnitID)
		}
	default:
		obs.ObserveRejection("gate_pass", "forbidden")
		return Pass{}, fmt.Errorf("%w: only residents and admins issue passes", ErrForbidden)
	}
	if unitID == "" {
		return Pass{}, fmt.Errorf("%w: unit is required", ErrInvalidInput)
	}
	name := strings.TrimSpace(req.VisitorName)
	if name == "" {
		return Pass{}, fmt.Errorf("%w: visitor name is required", ErrInvalidInput)
	}
	if req.ValidityHours < 1 || req.ValidityHours > s.maxValidity {
		return Pass{}, fmt.Errorf("%w: %d hours, allowed 1..%d", ErrInvalidValidity, req.ValidityHours, s.maxValidity)
	}

	now := s.now()
	pass := Pass{
		ID:          ids.NewAt(now),
		SocietyID:   actor.SocietyID,
		ResidentID:  actor.ID,
		UnitID:      unitID,
		VisitorName: name,
		Status:      StatusActive,
		IssuedAt:    now,
		ValidUntil:  now.Add(time.Duration(req.ValidityHours) * time.Hour),
	}

	err := s.store.Atomically(ctx, namespace(actor.SocietyID), func(ctx context.Context, tx docstore.Tx) error {
		for i := 0; i < s.attempts; i++ {
			token, err := s.token(s.digits)
			if err != nil {
				return err
			}
			clash, err := tx.Query(ctx, Collection, docstore.Where(
				docstore.Eq("society_id", actor.SocietyID),
				docstore.Eq("token", token),
				docstore.Eq("status", string(StatusActive)),
			).Take(1))
			if err != nil {
				return fmt.Errorf("check token: %w", err)
			}
			if len(clash) > 0 {
				continue
			}
			pass.Token = token
			fields, err := docstore.Encode(pass)
			if err != nil {
				return err
			}
			doc, err := tx.Create(ctx, Collection, docstore.Document{ID: pass.ID, Fields: fields})
			if err != nil {
				return fmt.Errorf("create gate pass: %w", err)
			}
			pass, err = decode(doc)
			return err
		}
		return fmt.Errorf("%w after %d attempts", ErrTokenSpaceExhausted, s.attempts)
	})
	if err != nil {
		if errors.Is(err, ErrTokenSpaceExhausted) {
			obs.ObserveRejection("gate_pass", "token_space_exhausted")
		}
		return Pass{}, err
	}

	obs.ObserveTransition("gate_pass", "", string(StatusActive))
	s.audit(ctx, "gate_pass.issued", actor, pass)
	s.notify.Enqueue(ctx, notify.PassIssued, notify.User(pass.SocietyID, pass.ResidentID), map[string]any{
		"pass_id":      pass.ID,
		"visitor_name": pass.VisitorName,
		"valid_until":  pass.ValidUntil,
	})
	return pass, nil
}

// Redeem consumes the pass holding token and admits its visitor as approved.
// Gatekeepers only.
func (s *Service) Redeem(ctx context.Context, actor auth.Actor, societyID, token string) (Redemption, error) {
	if err := actor.Validate(); err != nil {
		return Redemption{}, err
	}
	if !actor.Is(auth.RoleGatekeeper) {
		obs.ObserveRejection("gate_pass", "forbidden")
		return Redemption{}, fmt.Errorf("%w: only a gatekeeper redeems passes", ErrForbidden)
	}
	if societyID == "" {
		societyID = actor.SocietyID
	}
	if !actor.InSociety(societyID) {
		return Redemption{}, fmt.Errorf("%w: society %s", ErrForbidden, societyID)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Redemption{}, fmt.Errorf("%w: empty token", ErrNotFound)
	}

	var (
		out     Redemption
		outcome error
		marked  bool
	)
	err := s.store.Atomically(ctx, namespace(societyID), func(ctx context.Context, tx docstore.Tx) error {
		docs, err := tx.Query(ctx, Collection, docstore.Where(
			docstore.Eq("society_id", societyID),
			docstore.Eq("token", token),
		).OrderBy(docstore.Desc(docstore.FieldCreatedAt)))
		if err != nil {
			return fmt.Errorf("find gate pass: %w", err)
		}
		if len(docs) == 0 {
			return fmt.Errorf("%w: token %s", ErrNotFound, token)
		}
		passes, err := docstore.DecodeAll[Pass](docs)
		if err != nil {
			return err
		}
		pass := passes[0]
		for _, p := range passes {
			if p.Status == StatusActive {
				pass = p
				break
			}
		}

		now := s.now()
		switch {
		case pass.Status == StatusUsed:
			return fmt.Errorf("%w: token %s", ErrAlreadyUsed, token)
		case pass.Status == StatusExpired:
			return fmt.Errorf("%w: token %s", ErrExpired, token)
		case pass.Elapsed(now):
			// Mark it and commit, but report the expiry to the caller.
			if _, err := tx.ConditionalUpdate(ctx, Collection, pass.ID,
				docstore.Fields{"status": string(StatusActive)},
				docstore.Fields{"status": string(StatusExpired)}); err != nil {
				return fmt.Errorf("expire gate pass: %w", err)
			}
			outcome = fmt.Errorf("%w: token %s", ErrExpired, token)
			marked = true
			return nil
		}

		if _, err := tx.ConditionalUpdate(ctx, Collection, pass.ID,
			docstore.Fields{"status": string(StatusActive)},
			docstore.Fields{"status": string(StatusUsed), "redeemed_by": actor.ID, "redeemed_at": now},
		); err != nil {
			if errors.Is(err, docstore.ErrPreconditionFailed) {
				return lostRedeem(ctx, tx, pass.ID, token, err)
			}
			return fmt.Errorf("redeem gate pass: %w", err)
		}

		entry, err := s.admission.AdmitPreRegistered(ctx, tx, admission.PreRegistration{
			SocietyID:    pass.SocietyID,
			UnitID:       pass.UnitID,
			VisitorName:  pass.VisitorName,
			ResidentID:   pass.ResidentID,
			GatekeeperID: actor.ID,
			GatePassID:   pass.ID,
			At:           now,
		})
		if err != nil {
			return err
		}

		doc, err := tx.ConditionalUpdate(ctx, Collection, pass.ID,
			docstore.Fields{"status": string(StatusUsed)},
			docstore.Fields{"visitor_entry_id": entry.ID})
		if err != nil {
			return fmt.Errorf("link visitor entry: %w", err)
		}
		redeemed, err := decode(doc)
		if err != nil {
			return err
		}
		out = Redemption{Pass: redeemed, Entry: entry}
		return nil
	})
	if err == nil {
		err = outcome
	}
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyUsed):
			obs.ObserveRejection("gate_pass", "already_used")
		case errors.Is(err, ErrExpired):
			if marked {
				obs.ObserveTransition("gate_pass", string(StatusActive), string(StatusExpired))
			}
			obs.ObserveRejection("gate_pass", "expired")
		case errors.Is(err, ErrNotFound):
			obs.ObserveRejection("gate_pass", "not_found")
		}
		return Redemption{}, err
	}

	obs.ObserveTransition("gate_pass", string(StatusActive), string(StatusUsed))
	obs.ObserveTransition("visitor", "", string(admission.StatusApproved))
	s.audit(ctx, "gate_pass.redeemed", actor, out.Pass)
	s.notify.Enqueue(ctx, notify.PassRedeemed, notify.User(out.Pass.SocietyID, out.Pass.ResidentID), map[string]any{
		"pass_id":      out.Pass.ID,
		"entry_id":     out.Entry.ID,
		"visitor_name": out.Pass.VisitorName,
	})
	return out, nil
}

// lostRedeem reports why the active -> used update found the pass no longer
// active. The expiry sweep may have moved it without holding the token lock.
func lostRedeem(ctx context.Context, tx docstore.Tx, id, token string, cause error) error {
	doc, err := tx.Get(ctx, Collection, id)
	if err != nil {
		return fmt.Errorf("reload gate pass: %w", err)
	}
	current, err := decode(doc)
	if err != nil {
		return err
	}
	if current.Status == StatusExpired {
		return fmt.Errorf("%w: token %s: %w", ErrExpired, token, cause)
	}
	return fmt.Errorf("%w: token %s: %w", ErrAlreadyUsed, token, cause)
}

// ExpireElapsed marks every active pass past its validity window as expired and
// returns how many it moved. Redemption does not depend on it.
func (s *Service) ExpireElapsed(ctx context.Context) (int, error) {
	docs, err := s.store.Query(ctx, Collection, docstore.Where(docstore.Eq("status", string(StatusActive))))
	if err != nil {
		return 0, fmt.Errorf("list active passes: %w", err)
	}
	passes, err := docstore.DecodeAll[Pass](docs)
	if err != nil {
		return 0, err
	}
	now := s.now()
	n := 0
	for _, p := range passes {
		if !p.Elapsed(now) {
			continue
		}
		_, err := s.store.ConditionalUpdate(ctx, Collection, p.ID,
			docstore.Fields{"status": string(StatusActive)},
			docstore.Fields{"status": string(StatusExpired)})
		if errors.Is(err, docstore.ErrPreconditionFailed) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("expire gate pass %s: %w", p.ID, err)
		}
		obs.ObserveTransition("gate_pass", string(StatusActive), string(StatusExpired))
		n++
	}
	return n, nil
}

func (s *Service) audit(ctx context.Context, event string, actor auth.Actor, pass Pass) {
	err := audit.LogEvent(ctx, event, map[string]any{
		"pass_id":  pass.ID,
		"unit_id":  pass.UnitID,
		"status":   string(pass.Status),
		"by":       actor.ID,
		"entry_id": pass.VisitorEntryID,
	})
	if err != nil {
		obs.Logger().Warn("audit log failed", zap.String("event", event), zap.Error(err))
	}
}

func decode(doc docstore.Document) (Pass, error) {
	var p Pass
	if err := docstore.Decode(doc, &p); err != nil {
		return Pass{}, err
	}
	return p, nil
}
