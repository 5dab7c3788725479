// Package client is a small HTTP client for the gatehouse API, used by the
// smoke tool and by operators' scripts.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"gatehouse.org/internal/admission"
	"gatehouse.org/internal/auth"
	"gatehouse.org/internal/facility"
	"gatehouse.org/internal/gatepass"
)

// APIError is a non-2xx response.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string

	sentinel error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gatehouse: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("gatehouse: %d: %s", e.Status, e.Message)
}

// Unwrap exposes the matching domain error, so errors.Is works on both sides
// of the wire.
func (e *APIError) Unwrap() error { return e.sentinel }

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client talks to one gatehouse instance as one actor.
type Client struct {
	base  *url.URL
	http  *http.Client
	token string
}

type Option func(*Client)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("gatehouse: unsupported scheme %q", u.Scheme)
	}
	c := &Client{base: u, http: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// As returns a copy of c acting with token.
func (c *Client) As(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// DevToken asks a server running with dev tokens enabled for an actor token.
func (c *Client) DevToken(ctx context.Context, actor auth.Actor) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/auth/token", map[string]any{
		"user_id":    actor.ID,
		"role":       string(actor.Role),
		"unit_id":    actor.UnitID,
		"society_id": actor.SocietyID,
	}, &out)
	return out.Token, err
}

func (c *Client) CreateVisitor(ctx context.Context, in admission.NewEntry) (admission.Entry, error) {
	var out admission.Entry
	err := c.do(ctx, http.MethodPost, "/v1/visitors", map[string]any{
		"visitor_name": in.VisitorName,
		"phone":        in.Phone,
		"purpose":      in.Purpose,
		"unit_id":      in.UnitID,
	}, &out)
	return out, err
}

func (c *Client) Visitor(ctx context.Context, id string) (admission.Entry, error) {
	var out admission.Entry
	err := c.do(ctx, http.MethodGet, "/v1/visitors/"+url.PathEscape(id), nil, &out)
	return out, err
}

// VisitorStep runs approve, deny, enter or exit on an entry.
func (c *Client) VisitorStep(ctx context.Context, id, step string) (admission.Entry, error) {
	var out admission.Entry
	err := c.do(ctx, http.MethodPost, "/v1/visitors/"+url.PathEscape(id)+"/"+step, nil, &out)
	return out, err
}

func (c *Client) IssuePass(ctx context.Context, req gatepass.IssueRequest) (gatepass.Pass, error) {
	var out gatepass.Pass
	err := c.do(ctx, http.MethodPost, "/v1/gate-passes", map[string]any{
		"visitor_name":   req.VisitorName,
		"validity_hours": req.ValidityHours,
		"unit_id":        req.UnitID,
	}, &out)
	return out, err
}

func (c *Client) RedeemPass(ctx context.Context, token string) (gatepass.Redemption, error) {
	var out gatepass.Redemption
	err := c.do(ctx, http.MethodPost, "/v1/gate-passes/redeem", map[string]any{"token": token}, &out)
	return out, err
}

func (c *Client) CreateFacility(ctx context.Context, in facility.NewFacility) (facility.Facility, error) {
	var out facility.Facility
	err := c.do(ctx, http.MethodPost, "/v1/facilities", map[string]any{
		"name":              in.Name,
		"requires_approval": in.RequiresApproval,
		"opens_at":          in.OpensAt,
		"closes_at":         in.ClosesAt,
	}, &out)
	return out, err
}

func (c *Client) Book(ctx context.Context, req facility.BookRequest) (facility.Booking, error) {
	var out facility.Booking
	err := c.do(ctx, http.MethodPost, "/v1/bookings", map[string]any{
		"facility_id": req.FacilityID,
		"date":        req.Date,
		"start":       req.Start,
		"end":         req.End,
		"notes":       req.Notes,
	}, &out)
	return out, err
}

// BookingStep runs cancel or confirm on a booking.
func (c *Client) BookingStep(ctx context.Context, id, step string) (facility.Booking, error) {
	var out facility.Booking
	err := c.do(ctx, http.MethodPost, "/v1/bookings/"+url.PathEscape(id)+"/"+step, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb struct {
			Error     string `json:"error"`
			Code      string `json:"code"`
			RequestID string `json:"request_id"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
		if eb.Error == "" {
			eb.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{
			Status:    resp.StatusCode,
			Code:      eb.Code,
			Message:   eb.Error,
			RequestID: eb.RequestID,
			sentinel:  mapAPIError(path, eb.Code),
		}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// mapAPIError turns an error code back into the domain sentinel of the
// resource named by path.
func mapAPIError(path, code string) error {
	switch {
	case strings.HasPrefix(path, "/v1/visitors"):
		switch code {
		case "invalid_transition":
			return admission.ErrInvalidTransition
		case "not_found":
			return admission.ErrNotFound
		case "forbidden":
			return admission.ErrForbidden
		case "invalid_request", "validation_error":
			return admission.ErrInvalidInput
		}
	case strings.HasPrefix(path, "/v1/gate-passes"):
		switch code {
		case "expired":
			return gatepass.ErrExpired
		case "already_used":
			return gatepass.ErrAlreadyUsed
		case "not_found":
			return gatepass.ErrNotFound
		case "forbidden":
			return gatepass.ErrForbidden
		case "invalid_request", "validation_error":
			return gatepass.ErrInvalidInput
		}
	case strings.HasPrefix(path, "/v1/bookings"), strings.HasPrefix(path, "/v1/facilities"):
		switch code {
		case "conflict":
			return facility.ErrConflict
		case "invalid_transition":
			return facility.ErrInvalidTransition
		case "not_found":
			return facility.ErrNotFound
		case "forbidden":
			return facility.ErrForbidden
		case "invalid_request", "validation_error":
			return facility.ErrInvalidInput
		}
	}
	return nil
}
