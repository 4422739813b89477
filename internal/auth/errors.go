package auth

import (
	"errors"
	"fmt"
)

// Failure kinds surfaced by the engine and validator. Callers match them with errors.Is.
var (
	ErrInvalidCredentials        = errors.New("auth: invalid credentials")
	ErrInvalidToken              = errors.New("auth: invalid token")
	ErrTokenExpired              = errors.New("auth: token expired")
	ErrTokenAlreadyUsed          = errors.New("auth: token already used")
	ErrForbidden                 = errors.New("auth: forbidden")
	ErrAuthenticationUnavailable = errors.New("auth: authentication unavailable")
)

var (
	// ErrNotFound is returned by repositories when a record does not exist.
	ErrNotFound = errors.New("auth: not found")
	// ErrAlreadyExists is returned by repositories on unique key conflicts.
	ErrAlreadyExists = errors.New("auth: already exists")
	// ErrRevocationUnsupported is returned by Validator.Revoke without a deny-list.
	ErrRevocationUnsupported = errors.New("auth: revocation not configured")
)

// unavailable wraps an infrastructure failure so that both the failure kind and
// the underlying cause remain reachable through errors.Is.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrAuthenticationUnavailable, op, err)
}

// Reason maps err to a stable snake_case code suitable for metric labels and API bodies.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrTokenAlreadyUsed):
		return "token_already_used"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrAuthenticationUnavailable):
		return "authentication_unavailable"
	default:
		return "internal"
	}
}
