package auth

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer   = "orderdesk"
	minSecretLength = 32
	// Tolerated clock skew when checking issued-at.
	clockSkew = 5 * time.Second
)

// CodecConfig carries the signing material for a TokenCodec. Either Secret
// (HS256) or the PEM key pair (RS256) must be set.
type CodecConfig struct {
	Issuer        string
	Secret        []byte
	PrivateKeyPEM string
	PublicKeyPEM  string
	KeyID         string
	Clock         func() time.Time
}

// TokenCodec signs and verifies session tokens. It holds no mutable state and
// is safe for concurrent use.
type TokenCodec struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	issuer    string
	keyID     string
	now       func() time.Time
}

type sessionClaims struct {
	Email string `json:"email,omitempty"`
	Role  Role   `json:"role"`
	jwt.RegisteredClaims
}

// NewTokenCodec builds a codec from explicit key material.
func NewTokenCodec(cfg CodecConfig) (*TokenCodec, error) {
	c := &TokenCodec{
		issuer: strings.TrimSpace(cfg.Issuer),
		keyID:  strings.TrimSpace(cfg.KeyID),
		now:    cfg.Clock,
	}
	if c.issuer == "" {
		c.issuer = defaultIssuer
	}
	if c.now == nil {
		c.now = time.Now
	}

	privatePEM := strings.TrimSpace(cfg.PrivateKeyPEM)
	publicPEM := strings.TrimSpace(cfg.PublicKeyPEM)
	switch {
	case privatePEM != "" || publicPEM != "":
		if privatePEM == "" || publicPEM == "" {
			return nil, errors.New("auth: both private and public keys are required")
		}
		priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privatePEM))
		if err != nil {
			return nil, fmt.Errorf("auth: parse private key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicPEM))
		if err != nil {
			return nil, fmt.Errorf("auth: parse public key: %w", err)
		}
		c.method = jwt.SigningMethodRS256
		c.signKey = priv
		c.verifyKey = pub
	case len(cfg.Secret) > 0:
		if len(cfg.Secret) < minSecretLength {
			return nil, fmt.Errorf("auth: secret must be at least %d bytes", minSecretLength)
		}
		secret := bytes.Clone(cfg.Secret)
		c.method = jwt.SigningMethodHS256
		c.signKey = secret
		c.verifyKey = secret
	default:
		return nil, errors.New("auth: signing key is not configured")
	}
	return c, nil
}

// Algorithm reports the JWS algorithm used by the codec.
func (c *TokenCodec) Algorithm() string {
	return c.method.Alg()
}

// Issue signs a token for p valid for ttl. Timestamps are truncated to whole
// seconds so that Verify returns exactly the claims reported here.
func (c *TokenCodec) Issue(p Principal, ttl time.Duration) (string, Claims, error) {
	subject := strings.TrimSpace(p.ID)
	if subject == "" {
		return "", Claims{}, errors.New("auth: token subject is required")
	}
	if !p.Role.Valid() {
		return "", Claims{}, fmt.Errorf("auth: cannot issue token for role %q", p.Role)
	}
	if ttl < time.Second {
		return "", Claims{}, errors.New("auth: ttl must be at least one second")
	}

	now := c.now().UTC().Truncate(time.Second)
	claims := Claims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Email:     p.Email,
		Role:      p.Role,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl).Truncate(time.Second),
	}

	token := jwt.NewWithClaims(c.method, sessionClaims{
		Email: claims.Email,
		Role:  claims.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   claims.Subject,
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
			ID:        claims.ID,
		},
	})
	if c.keyID != "" {
		token.Header["kid"] = c.keyID
	}
	signed, err := token.SignedString(c.signKey)
	if err != nil {
		return "", Claims{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, claims, nil
}

// Verify checks the signature and lifetime of token. It performs no I/O.
func (c *TokenCodec) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}

	var sc sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &sc, func(*jwt.Token) (any, error) {
		return c.verifyKey, nil
	}, jwt.WithValidMethods([]string{c.method.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	return c.validate(&sc)
}

func (c *TokenCodec) validate(sc *sessionClaims) (Claims, error) {
	if sc.Issuer != c.issuer {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(sc.Subject) == "" || !sc.Role.Valid() {
		return Claims{}, ErrInvalidToken
	}
	if sc.IssuedAt == nil || sc.ExpiresAt == nil {
		return Claims{}, ErrInvalidToken
	}
	issuedAt := sc.IssuedAt.Time.UTC()
	expiresAt := sc.ExpiresAt.Time.UTC()
	if expiresAt.Before(issuedAt) {
		return Claims{}, ErrInvalidToken
	}

	now := c.now()
	if issuedAt.After(now.Add(clockSkew)) {
		return Claims{}, ErrInvalidToken
	}
	if sc.NotBefore != nil && now.Before(sc.NotBefore.Time) {
		return Claims{}, ErrInvalidToken
	}
	if now.After(expiresAt) {
		return Claims{}, ErrTokenExpired
	}

	return Claims{
		ID:        sc.ID,
		Subject:   sc.Subject,
		Email:     sc.Email,
		Role:      sc.Role,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}
