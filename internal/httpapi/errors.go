package httpapi

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"gatehouse.org/internal/admission"
	"gatehouse.org/internal/auth"
	"gatehouse.org/internal/docstore"
	"gatehouse.org/internal/facility"
	"gatehouse.org/internal/gatepass"
	"gatehouse.org/internal/liveview"
	"gatehouse.org/internal/obs"
)

// writeDomainError maps engine outcomes to statuses. Anything unrecognised is
// logged and reported as a bare 500.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *facility.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeErrorBody(w, r, http.StatusConflict, map[string]any{
			"error":               err.Error(),
			"code":                "conflict",
			"conflicting_booking": conflict.Booking,
		})
	case errors.Is(err, gatepass.ErrExpired):
		writeCoded(w, r, http.StatusGone, "expired", err)
	case errors.Is(err, gatepass.ErrAlreadyUsed):
		writeCoded(w, r, http.StatusConflict, "already_used", err)
	case errors.Is(err, admission.ErrInvalidTransition), errors.Is(err, facility.ErrInvalidTransition):
		writeCoded(w, r, http.StatusConflict, "invalid_transition", err)
	case errors.Is(err, admission.ErrNotFound), errors.Is(err, gatepass.ErrNotFound), errors.Is(err, facility.ErrNotFound):
		writeCoded(w, r, http.StatusNotFound, "not_found", err)
	case errors.Is(err, admission.ErrForbidden), errors.Is(err, gatepass.ErrForbidden), errors.Is(err, facility.ErrForbidden):
		writeCoded(w, r, http.StatusForbidden, "forbidden", err)
	case errors.Is(err, admission.ErrInvalidInput),
		errors.Is(err, gatepass.ErrInvalidInput),
		errors.Is(err, gatepass.ErrInvalidValidity),
		errors.Is(err, facility.ErrInvalidInput),
		errors.Is(err, facility.ErrInvalidInterval),
		errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, liveview.ErrUnknownConcern),
		errors.Is(err, docstore.ErrInvalidQuery):
		writeCoded(w, r, http.StatusBadRequest, "invalid_request", err)
	case errors.Is(err, gatepass.ErrTokenSpaceExhausted), errors.Is(err, docstore.ErrUnavailable):
		writeCoded(w, r, http.StatusServiceUnavailable, "unavailable", err)
	case errors.Is(err, context.DeadlineExceeded):
		writeCoded(w, r, http.StatusGatewayTimeout, "timeout", err)
	default:
		obs.Logger().Error("request failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeCoded(w http.ResponseWriter, r *http.Request, code int, kind string, err error) {
	writeErrorBody(w, r, code, map[string]any{
		"error": err.Error(),
		"code":  kind,
	})
}
