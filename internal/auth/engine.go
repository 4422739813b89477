package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"
)

const (
	defaultSessionTTL  = time.Hour
	defaultAuthLinkTTL = 15 * time.Minute
	linkTokenBytes     = 32
)

// Operation names reported to the Observer.
const (
	OpLogin            = "login"
	OpCreateAuthLink   = "create_auth_link"
	OpValidateAuthLink = "validate_auth_link"
	OpExchangeAuthLink = "exchange_auth_link"
	OpIssueSession     = "issue_session"
)

// Observer receives the outcome of every engine operation. outcome is Reason(err).
type Observer interface {
	Observe(op, outcome string, elapsed time.Duration)
}

// EngineOption configures Engine behavior.
type EngineOption func(*Engine) error

// WithSessionTTL configures session token lifetime.
func WithSessionTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl < time.Second {
			return fmt.Errorf("auth: session ttl %s is too short", ttl)
		}
		e.sessionTTL = ttl
		return nil
	}
}

// WithAuthLinkTTL configures auth link lifetime.
func WithAuthLinkTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl <= 0 {
			return fmt.Errorf("auth: auth link ttl %s must be positive", ttl)
		}
		e.linkTTL = ttl
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) error {
		if fn != nil {
			e.now = fn
		}
		return nil
	}
}

// WithLogger sets the logger used for infrastructure failures.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) error {
		if logger != nil {
			e.logger = logger
		}
		return nil
	}
}

// WithObserver installs an operation observer, typically a metrics recorder.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) error {
		e.observer = o
		return nil
	}
}

// WithTokenSource overrides the entropy source for auth link tokens.
func WithTokenSource(r io.Reader) EngineOption {
	return func(e *Engine) error {
		if r != nil {
			e.random = r
		}
		return nil
	}
}

// WithPasswordScheme selects the scheme of the hash compared against when a
// login names an unknown email. It should match the scheme new hashes use.
func WithPasswordScheme(s PasswordScheme) EngineOption {
	return func(e *Engine) error {
		if !s.Valid() {
			return fmt.Errorf("auth: unsupported password scheme %q", s)
		}
		e.scheme = s
		return nil
	}
}

// Engine orchestrates password login and the auth link flow.
type Engine struct {
	creds      CredentialRepository
	links      AuthLinkRepository
	codec      *TokenCodec
	now        func() time.Time
	sessionTTL time.Duration
	linkTTL    time.Duration
	logger     *slog.Logger
	observer   Observer
	random     io.Reader
	scheme     PasswordScheme

	dummyOnce sync.Once
	dummyHash string
}

// NewEngine constructs an Engine over the given repositories.
func NewEngine(creds CredentialRepository, links AuthLinkRepository, codec *TokenCodec, opts ...EngineOption) (*Engine, error) {
	if creds == nil {
		return nil, errors.New("auth: credential repository is required")
	}
	if links == nil {
		return nil, errors.New("auth: auth link repository is required")
	}
	if codec == nil {
		return nil, errors.New("auth: token codec is required")
	}
	e := &Engine{
		creds:      creds,
		links:      links,
		codec:      codec,
		now:        time.Now,
		sessionTTL: defaultSessionTTL,
		linkTTL:    defaultAuthLinkTTL,
		logger:     slog.Default(),
		random:     rand.Reader,
		scheme:     SchemeBcrypt,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// SessionTTL reports the configured session lifetime.
func (e *Engine) SessionTTL() time.Duration { return e.sessionTTL }

// AuthLinkTTL reports the configured auth link lifetime.
func (e *Engine) AuthLinkTTL() time.Duration { return e.linkTTL }

// Login verifies email and password and issues a session token. Unknown emails
// and wrong passwords both fail with ErrInvalidCredentials.
func (e *Engine) Login(ctx context.Context, email, password string) (res LoginResult, err error) {
	start := time.Now()
	defer func() { e.observe(OpLogin, start, err) }()

	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return LoginResult{}, ErrInvalidCredentials
	}

	rec, err := e.creds.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Spend the same hashing work as a real comparison.
			_ = VerifyPassword(e.dummy(), password)
			return LoginResult{}, ErrInvalidCredentials
		}
		e.logger.ErrorContext(ctx, "credential lookup failed", "op", OpLogin, "error", err)
		return LoginResult{}, unavailable("find credentials", err)
	}
	if err := VerifyPassword(rec.PasswordHash, password); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	return e.issue(ctx, rec.Principal())
}

// CreateAuthLink persists a fresh single-use link for email. The credential
// store is not consulted, so the response is the same whether or not the email
// belongs to a user; links for unknown emails fail validation later.
func (e *Engine) CreateAuthLink(ctx context.Context, email string) (desc AuthLinkDescriptor, err error) {
	start := time.Now()
	defer func() { e.observe(OpCreateAuthLink, start, err) }()

	email = NormalizeEmail(email)
	if !validEmail(email) {
		return AuthLinkDescriptor{}, ErrInvalidCredentials
	}

	token, err := e.newLinkToken()
	if err != nil {
		return AuthLinkDescriptor{}, unavailable("generate link token", err)
	}
	now := e.now().UTC()
	link := AuthLink{
		TokenHash: HashLinkToken(token),
		Email:     email,
		CreatedAt: now,
		ExpiresAt: now.Add(e.linkTTL),
	}
	if err := e.links.Create(ctx, link); err != nil {
		e.logger.ErrorContext(ctx, "auth link write failed", "op", OpCreateAuthLink, "error", err)
		return AuthLinkDescriptor{}, unavailable("store auth link", err)
	}
	return AuthLinkDescriptor{Token: token, ExpiresAt: link.ExpiresAt}, nil
}

// ValidateAuthLink consumes the link identified by token and returns its principal.
// At most one of any number of concurrent calls for the same token succeeds.
func (e *Engine) ValidateAuthLink(ctx context.Context, token string) (p Principal, err error) {
	start := time.Now()
	defer func() { e.observe(OpValidateAuthLink, start, err) }()

	hash, rec, now, err := e.resolveLink(ctx, OpValidateAuthLink, token)
	if err != nil {
		return Principal{}, err
	}
	if err := e.consumeLink(ctx, OpValidateAuthLink, hash, now); err != nil {
		return Principal{}, err
	}
	return rec.Principal(), nil
}

// ExchangeAuthLink trades a link token for a session token. The session is
// signed before the link is consumed, so a signing failure leaves the link
// usable; the signed token is only returned if this call wins the consume.
func (e *Engine) ExchangeAuthLink(ctx context.Context, token string) (res LoginResult, err error) {
	start := time.Now()
	defer func() { e.observe(OpExchangeAuthLink, start, err) }()

	hash, rec, now, err := e.resolveLink(ctx, OpExchangeAuthLink, token)
	if err != nil {
		return LoginResult{}, err
	}
	res, err = e.issue(ctx, rec.Principal())
	if err != nil {
		return LoginResult{}, err
	}
	if err := e.consumeLink(ctx, OpExchangeAuthLink, hash, now); err != nil {
		return LoginResult{}, err
	}
	return res, nil
}

// resolveLink checks that token names a live, unconsumed link whose email
// still belongs to a user. Nothing is written.
func (e *Engine) resolveLink(ctx context.Context, op, token string) (string, CredentialRecord, time.Time, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", CredentialRecord{}, time.Time{}, ErrInvalidToken
	}
	hash := HashLinkToken(token)

	link, err := e.links.FindByToken(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", CredentialRecord{}, time.Time{}, ErrInvalidToken
		}
		e.logger.ErrorContext(ctx, "auth link lookup failed", "op", op, "error", err)
		return "", CredentialRecord{}, time.Time{}, unavailable("find auth link", err)
	}

	now := e.now().UTC()
	if link.Expired(now) {
		return "", CredentialRecord{}, time.Time{}, ErrTokenExpired
	}
	if link.Consumed() {
		return "", CredentialRecord{}, time.Time{}, ErrTokenAlreadyUsed
	}

	rec, err := e.creds.FindByEmail(ctx, link.Email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", CredentialRecord{}, time.Time{}, ErrInvalidToken
		}
		e.logger.ErrorContext(ctx, "credential lookup failed", "op", op, "error", err)
		return "", CredentialRecord{}, time.Time{}, unavailable("find credentials", err)
	}
	return hash, rec, now, nil
}

func (e *Engine) consumeLink(ctx context.Context, op, hash string, now time.Time) error {
	ok, err := e.links.TryConsume(ctx, hash, now)
	if err != nil {
		e.logger.ErrorContext(ctx, "auth link consume failed", "op", op, "error", err)
		return unavailable("consume auth link", err)
	}
	if !ok {
		return ErrTokenAlreadyUsed
	}
	return nil
}

// IssueSession issues a session token for a principal that was already
// authenticated, e.g. by ValidateAuthLink.
func (e *Engine) IssueSession(ctx context.Context, p Principal) (res LoginResult, err error) {
	start := time.Now()
	defer func() { e.observe(OpIssueSession, start, err) }()
	return e.issue(ctx, p)
}

func (e *Engine) issue(ctx context.Context, p Principal) (LoginResult, error) {
	token, claims, err := e.codec.Issue(p, e.sessionTTL)
	if err != nil {
		e.logger.ErrorContext(ctx, "session token issue failed", "subject", p.ID, "error", err)
		return LoginResult{}, unavailable("issue session", err)
	}
	return LoginResult{Token: token, ExpiresAt: claims.ExpiresAt, Principal: p}, nil
}

func (e *Engine) newLinkToken() (string, error) {
	buf := make([]byte, linkTokenBytes)
	if _, err := io.ReadFull(e.random, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (e *Engine) dummy() string {
	e.dummyOnce.Do(func() {
		buf := make([]byte, 16)
		_, _ = rand.Read(buf)
		e.dummyHash, _ = e.scheme.Hash(hex.EncodeToString(buf))
	})
	return e.dummyHash
}

func (e *Engine) observe(op string, start time.Time, err error) {
	if e.observer == nil {
		return
	}
	e.observer.Observe(op, Reason(err), time.Since(start))
}

// HashLinkToken returns the storage key for a raw auth link token.
func HashLinkToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	if email == "" {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}
