package auth

import (
	"context"
	"errors"
	"slices"
)

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithDenyList enables revocation checks against d.
func WithDenyList(d DenyList) ValidatorOption {
	return func(v *Validator) {
		v.deny = d
	}
}

// WithPrincipalLookup makes Authenticate reload the credential record by id so
// that deleted users are rejected and role changes apply immediately.
func WithPrincipalLookup(creds CredentialRepository) ValidatorOption {
	return func(v *Validator) {
		v.creds = creds
	}
}

// Validator resolves bearer tokens into principals.
type Validator struct {
	codec *TokenCodec
	deny  DenyList
	creds CredentialRepository
}

// NewValidator constructs a Validator. Without options validation is stateless.
func NewValidator(codec *TokenCodec, opts ...ValidatorOption) *Validator {
	v := &Validator{codec: codec}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Authenticate verifies bearerToken and returns the principal it identifies.
func (v *Validator) Authenticate(ctx context.Context, bearerToken string) (Principal, error) {
	claims, err := v.codec.Verify(bearerToken)
	if err != nil {
		return Principal{}, err
	}
	if v.deny != nil {
		revoked, err := v.deny.IsRevoked(ctx, claims.ID)
		if err != nil {
			return Principal{}, unavailable("check deny-list", err)
		}
		if revoked {
			return Principal{}, ErrInvalidToken
		}
	}
	if v.creds == nil {
		return claims.Principal(), nil
	}

	rec, err := v.creds.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrInvalidToken
		}
		return Principal{}, unavailable("find credentials", err)
	}
	return rec.Principal(), nil
}

// Revoke adds the token's id to the deny-list until the token expires.
func (v *Validator) Revoke(ctx context.Context, bearerToken string) error {
	if v.deny == nil {
		return ErrRevocationUnsupported
	}
	claims, err := v.codec.Verify(bearerToken)
	if err != nil {
		return err
	}
	if err := v.deny.Revoke(ctx, claims.ID, claims.ExpiresAt); err != nil {
		return unavailable("revoke token", err)
	}
	return nil
}

// RequireRole fails with ErrForbidden unless p holds one of the allowed roles.
func RequireRole(p Principal, allowed ...Role) error {
	if !p.Role.Valid() || !slices.Contains(allowed, p.Role) {
		return ErrForbidden
	}
	return nil
}
