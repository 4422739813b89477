package auth

import (
	"context"
	"time"
)

// CredentialRepository resolves user credentials. Implementations return ErrNotFound
// when no record matches.
type CredentialRepository interface {
	FindByEmail(ctx context.Context, email string) (CredentialRecord, error)
	FindByID(ctx context.Context, id string) (CredentialRecord, error)
}

// AuthLinkRepository persists auth links keyed by token digest.
type AuthLinkRepository interface {
	Create(ctx context.Context, link AuthLink) error
	FindByToken(ctx context.Context, tokenHash string) (AuthLink, error)
	// TryConsume sets consumed_at to now only if the link is unconsumed and not
	// expired at now. It reports whether this call performed the transition and
	// must be a single atomic operation against the store.
	TryConsume(ctx context.Context, tokenHash string, now time.Time) (bool, error)
}

// DenyList records revoked session token ids until their natural expiry.
type DenyList interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}
