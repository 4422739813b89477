// Package config loads service settings from ORDERDESK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

const prefix = "ORDERDESK_"

// Storage adapters accepted by DBAdapter.
const (
	AdapterMemory   = "memory"
	AdapterSQLite   = "sqlite"
	AdapterPostgres = "postgres"
)

// Password hashing schemes accepted by PasswordScheme.
const (
	SchemeBcrypt   = "bcrypt"
	SchemeArgon2id = "argon2id"
)

const minSecretLength = 32

type Config struct {
	Env      string
	HTTPAddr string
	GRPCAddr string
	LogLevel string

	AuthSecret     string
	AuthPrivateKey string
	AuthPublicKey  string
	AuthIssuer     string
	SessionTTL     time.Duration
	AuthLinkTTL    time.Duration
	PasswordScheme string

	// StatelessSessions skips the per-request user lookup; sessions stay valid
	// until expiry or revocation even if the account changes.
	StatelessSessions bool

	// TrustedProxies are the peers whose X-Forwarded-For header is honoured.
	TrustedProxies []netip.Prefix

	DBAdapter  string
	PGDSN      string
	SQLiteFile string

	RedisAddr     string
	RedisPassword string

	BootstrapAdminEmail    string
	BootstrapAdminPassword string

	// ExposeLinkTokens returns raw auth link tokens in API responses. Development only.
	ExposeLinkTokens bool
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(lookup func(string) string) (Config, error) {
	get := func(key, def string) string {
		v := strings.TrimSpace(lookup(prefix + key))
		if v == "" {
			return def
		}
		return v
	}

	cfg := Config{
		Env:                    strings.ToLower(get("ENV", "development")),
		HTTPAddr:               get("HTTP_ADDR", ":8080"),
		GRPCAddr:               get("GRPC_ADDR", ""),
		LogLevel:               get("LOG_LEVEL", "info"),
		AuthSecret:             get("AUTH_SECRET", ""),
		AuthPrivateKey:         get("AUTH_PRIVATE_KEY", ""),
		AuthPublicKey:          get("AUTH_PUBLIC_KEY", ""),
		AuthIssuer:             get("AUTH_ISSUER", "orderdesk"),
		PasswordScheme:         strings.ToLower(get("PASSWORD_SCHEME", SchemeBcrypt)),
		DBAdapter:              strings.ToLower(get("DB_ADAPTER", AdapterMemory)),
		PGDSN:                  get("PG_DSN", ""),
		SQLiteFile:             get("SQLITE_FILE", "orderdesk.db"),
		RedisAddr:              get("REDIS_ADDR", ""),
		RedisPassword:          get("REDIS_PASSWORD", ""),
		BootstrapAdminEmail:    get("BOOTSTRAP_ADMIN_EMAIL", ""),
		BootstrapAdminPassword: get("BOOTSTRAP_ADMIN_PASSWORD", ""),
	}

	var err error
	if cfg.SessionTTL, err = time.ParseDuration(get("SESSION_TTL", "1h")); err != nil {
		return Config{}, fmt.Errorf("config: %sSESSION_TTL: %w", prefix, err)
	}
	if cfg.AuthLinkTTL, err = time.ParseDuration(get("AUTH_LINK_TTL", "15m")); err != nil {
		return Config{}, fmt.Errorf("config: %sAUTH_LINK_TTL: %w", prefix, err)
	}
	if cfg.ExposeLinkTokens, err = strconv.ParseBool(get("EXPOSE_LINK_TOKENS", "false")); err != nil {
		return Config{}, fmt.Errorf("config: %sEXPOSE_LINK_TOKENS: %w", prefix, err)
	}
	if cfg.StatelessSessions, err = strconv.ParseBool(get("STATELESS_SESSIONS", "false")); err != nil {
		return Config{}, fmt.Errorf("config: %sSTATELESS_SESSIONS: %w", prefix, err)
	}
	if cfg.TrustedProxies, err = parsePrefixes(get("TRUSTED_PROXIES", "")); err != nil {
		return Config{}, fmt.Errorf("config: %sTRUSTED_PROXIES: %w", prefix, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parsePrefixes reads a comma-separated list of CIDRs or bare addresses.
func parsePrefixes(raw string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			p, err := netip.ParsePrefix(part)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Production reports whether the service runs in production mode.
func (c Config) Production() bool {
	return c.Env == "production" || c.Env == "prod"
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error

	switch {
	case c.AuthPrivateKey != "" || c.AuthPublicKey != "":
		if c.AuthPrivateKey == "" || c.AuthPublicKey == "" {
			errs = append(errs, errors.New("both AUTH_PRIVATE_KEY and AUTH_PUBLIC_KEY are required for RS256"))
		}
	case c.AuthSecret == "":
		errs = append(errs, errors.New("AUTH_SECRET is required"))
	case len(c.AuthSecret) < minSecretLength:
		errs = append(errs, fmt.Errorf("AUTH_SECRET must be at least %d bytes", minSecretLength))
	}
	if c.Production() && strings.Contains(strings.ToLower(c.AuthSecret), "change-me") {
		errs = append(errs, errors.New("AUTH_SECRET still holds the placeholder value"))
	}
	if c.Production() && c.ExposeLinkTokens {
		errs = append(errs, errors.New("EXPOSE_LINK_TOKENS must be disabled in production"))
	}

	if c.SessionTTL < time.Second {
		errs = append(errs, errors.New("SESSION_TTL must be at least 1s"))
	}
	if c.AuthLinkTTL <= 0 {
		errs = append(errs, errors.New("AUTH_LINK_TTL must be positive"))
	}

	switch c.PasswordScheme {
	case SchemeBcrypt, SchemeArgon2id:
	default:
		errs = append(errs, fmt.Errorf("unsupported PASSWORD_SCHEME %q", c.PasswordScheme))
	}

	switch c.DBAdapter {
	case AdapterMemory:
	case AdapterSQLite:
		if c.SQLiteFile == "" {
			errs = append(errs, errors.New("SQLITE_FILE is required for the sqlite adapter"))
		}
	case AdapterPostgres:
		if c.PGDSN == "" {
			errs = append(errs, errors.New("PG_DSN is required for the postgres adapter"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported DB_ADAPTER %q", c.DBAdapter))
	}

	if (c.BootstrapAdminEmail == "") != (c.BootstrapAdminPassword == "") {
		errs = append(errs, errors.New("BOOTSTRAP_ADMIN_EMAIL and BOOTSTRAP_ADMIN_PASSWORD must be set together"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// LogValue implements slog.LogValuer. Secrets are never rendered.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("env", c.Env),
		slog.String("http_addr", c.HTTPAddr),
		slog.String("grpc_addr", c.GRPCAddr),
		slog.String("log_level", c.LogLevel),
		slog.String("auth_issuer", c.AuthIssuer),
		slog.String("signing", c.signingMode()),
		slog.Duration("session_ttl", c.SessionTTL),
		slog.Duration("auth_link_ttl", c.AuthLinkTTL),
		slog.String("password_scheme", c.PasswordScheme),
		slog.Bool("stateless_sessions", c.StatelessSessions),
		slog.Int("trusted_proxies", len(c.TrustedProxies)),
		slog.String("db_adapter", c.DBAdapter),
		slog.Bool("redis", c.RedisAddr != ""),
		slog.Bool("bootstrap_admin", c.BootstrapAdminEmail != ""),
		slog.Bool("expose_link_tokens", c.ExposeLinkTokens),
	)
}

func (c Config) signingMode() string {
	if c.AuthPrivateKey != "" {
		return "RS256"
	}
	return "HS256"
}
