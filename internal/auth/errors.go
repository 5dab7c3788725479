package auth

import "errors"

var (
	ErrInvalidInput    = errors.New("auth: invalid input")
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrInvalidToken    = errors.New("auth: invalid token")

	errMissingSecret = errors.New("auth: signing secret is not configured")
)
