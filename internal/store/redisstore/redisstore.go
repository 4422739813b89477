// Package redisstore keeps auth links and the session deny-list in Redis so
// that several API instances share single-use and revocation state.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"orderdesk.org/internal/auth"
)

const (
	linkPrefix    = "authlink:"
	revokedPrefix = "revoked:"

	// Links outlive their expiry so late lookups report expiry, not absence.
	defaultRetention = 24 * time.Hour
)

var (
	_ auth.AuthLinkRepository = (*AuthLinks)(nil)
	_ auth.DenyList           = (*DenyList)(nil)
)

// Connect dials addr and verifies the connection.
func Connect(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'email', ARGV[1], 'created_at', ARGV[2], 'expires_at', ARGV[3], 'consumed_at', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

var consumeScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'expires_at', 'consumed_at')
if not v[1] then
  return 0
end
if v[2] ~= '' then
  return 0
end
if tonumber(ARGV[1]) > tonumber(v[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'consumed_at', ARGV[1])
return 1
`)

// AuthLinks stores each link as a hash keyed by its token digest.
type AuthLinks struct {
	client    redis.UniversalClient
	retention time.Duration
}

// NewAuthLinks creates a Redis-backed auth link store.
func NewAuthLinks(client redis.UniversalClient) *AuthLinks {
	return &AuthLinks{client: client, retention: defaultRetention}
}

func (s *AuthLinks) key(tokenHash string) string {
	return linkPrefix + tokenHash
}

func (s *AuthLinks) Create(ctx context.Context, link auth.AuthLink) error {
	consumed := ""
	if link.ConsumedAt != nil {
		consumed = strconv.FormatInt(link.ConsumedAt.UnixMilli(), 10)
	}
	ttl := link.ExpiresAt.Sub(link.CreatedAt) + s.retention
	if ttl < s.retention {
		ttl = s.retention
	}

	created, err := createScript.Run(ctx, s.client, []string{s.key(link.TokenHash)},
		link.Email,
		link.CreatedAt.UnixMilli(),
		link.ExpiresAt.UnixMilli(),
		consumed,
		ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("redisstore: create auth link: %w", err)
	}
	if created == 0 {
		return auth.ErrAlreadyExists
	}
	return nil
}

func (s *AuthLinks) FindByToken(ctx context.Context, tokenHash string) (auth.AuthLink, error) {
	fields, err := s.client.HGetAll(ctx, s.key(tokenHash)).Result()
	if err != nil {
		return auth.AuthLink{}, fmt.Errorf("redisstore: get auth link: %w", err)
	}
	if len(fields) == 0 {
		return auth.AuthLink{}, auth.ErrNotFound
	}

	link := auth.AuthLink{TokenHash: tokenHash, Email: fields["email"]}
	if link.CreatedAt, err = parseMillis(fields["created_at"]); err != nil {
		return auth.AuthLink{}, fmt.Errorf("redisstore: created_at: %w", err)
	}
	if link.ExpiresAt, err = parseMillis(fields["expires_at"]); err != nil {
		return auth.AuthLink{}, fmt.Errorf("redisstore: expires_at: %w", err)
	}
	if raw := fields["consumed_at"]; raw != "" {
		t, err := parseMillis(raw)
		if err != nil {
			return auth.AuthLink{}, fmt.Errorf("redisstore: consumed_at: %w", err)
		}
		link.ConsumedAt = &t
	}
	return link, nil
}

// TryConsume runs the check-and-set as one Lua script.
func (s *AuthLinks) TryConsume(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	n, err := consumeScript.Run(ctx, s.client, []string{s.key(tokenHash)}, now.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("redisstore: consume auth link: %w", err)
	}
	return n == 1, nil
}

// DenyList records revoked token ids with a TTL matching the token lifetime.
type DenyList struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewDenyList creates a Redis deny-list. A nil clock defaults to time.Now.
func NewDenyList(client redis.UniversalClient, clock func() time.Time) *DenyList {
	if clock == nil {
		clock = time.Now
	}
	return &DenyList{client: client, now: clock}
}

func (d *DenyList) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	ttl := until.Sub(d.now())
	if ttl <= 0 {
		return nil
	}
	// Redis rejects sub-millisecond expirations.
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	if err := d.client.Set(ctx, revokedPrefix+tokenID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: revoke: %w", err)
	}
	return nil
}

func (d *DenyList) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := d.client.Exists(ctx, revokedPrefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("redisstore: check revocation: %w", err)
	}
	return n > 0, nil
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
