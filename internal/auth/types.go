package auth

import (
	"fmt"
	"strings"
	"time"
)

// Role gates access to protected operations.
type Role string

const (
	RoleUser    Role = "user"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleManager, RoleAdmin:
		return true
	}
	return false
}

// ParseRole normalizes and validates a role name.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !r.Valid() {
		return "", fmt.Errorf("auth: unknown role %q", raw)
	}
	return r, nil
}

// Principal is the authenticated identity. It never carries credential material.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// CredentialRecord is owned by the credential store and read-only to the engine.
type CredentialRecord struct {
	ID           string
	Email        string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
}

// Principal projects the record onto its public identity.
func (c CredentialRecord) Principal() Principal {
	return Principal{ID: c.ID, Email: c.Email, Role: c.Role}
}

// AuthLink is a persisted single-use login link. Only the digest of the token is stored.
type AuthLink struct {
	TokenHash  string
	Email      string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// Expired reports whether the link is past its expiry at now.
func (l AuthLink) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Consumed reports whether the link was already used.
func (l AuthLink) Consumed() bool {
	return l.ConsumedAt != nil
}

// Claims are the verified contents of a session token.
type Claims struct {
	ID        string
	Subject   string
	Email     string
	Role      Role
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Principal rebuilds the principal carried by the token.
func (c Claims) Principal() Principal {
	return Principal{ID: c.Subject, Email: c.Email, Role: c.Role}
}

// LoginResult is returned by a successful password login.
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Principal Principal `json:"principal"`
}

// AuthLinkDescriptor is handed to the delivery collaborator (e.g. an email sender).
type AuthLinkDescriptor struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
