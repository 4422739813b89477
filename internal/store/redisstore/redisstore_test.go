package redisstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"orderdesk.org/internal/auth"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestAuthLinksCreateAndFind(t *testing.T) {
	mr, client := newTestClient(t)
	s := NewAuthLinks(client)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	link := auth.AuthLink{TokenHash: "h1", Email: "a@x.com", CreatedAt: now, ExpiresAt: now.Add(15 * time.Minute)}
	if err := s.Create(ctx, link); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, link); !errors.Is(err, auth.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if ttl := mr.TTL(linkPrefix + "h1"); ttl <= 15*time.Minute {
		t.Fatalf("expected key to outlive link expiry, ttl=%s", ttl)
	}

	got, err := s.FindByToken(ctx, "h1")
	if err != nil {
		t.Fatalf("FindByToken: %v", err)
	}
	if got.Email != "a@x.com" || !got.CreatedAt.Equal(now) || !got.ExpiresAt.Equal(link.ExpiresAt) || got.Consumed() {
		t.Fatalf("unexpected link: %+v", got)
	}
	if _, err := s.FindByToken(ctx, "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAuthLinksTryConsume(t *testing.T) {
	_, client := newTestClient(t)
	s := NewAuthLinks(client)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	_ = s.Create(ctx, auth.AuthLink{TokenHash: "h1", Email: "a@x.com", CreatedAt: now, ExpiresAt: now.Add(time.Minute)})
	_ = s.Create(ctx, auth.AuthLink{TokenHash: "h2", Email: "a@x.com", CreatedAt: now, ExpiresAt: now})

	if ok, err := s.TryConsume(ctx, "h1", now); err != nil || !ok {
		t.Fatalf("first consume: ok=%v err=%v", ok, err)
	}
	if ok, err := s.TryConsume(ctx, "h1", now); err != nil || ok {
		t.Fatalf("second consume: ok=%v err=%v", ok, err)
	}
	got, err := s.FindByToken(ctx, "h1")
	if err != nil {
		t.Fatalf("FindByToken: %v", err)
	}
	if got.ConsumedAt == nil || !got.ConsumedAt.Equal(now) {
		t.Fatalf("consumed_at = %v, want %v", got.ConsumedAt, now)
	}

	if ok, _ := s.TryConsume(ctx, "h2", now.Add(time.Second)); ok {
		t.Fatalf("expected expired link to stay unconsumed")
	}
	if ok, _ := s.TryConsume(ctx, "h2", now); !ok {
		t.Fatalf("expected consume at the expiry instant to succeed")
	}
	if ok, _ := s.TryConsume(ctx, "missing", now); ok {
		t.Fatalf("expected missing link to fail")
	}
}

func TestAuthLinksConcurrentConsume(t *testing.T) {
	_, client := newTestClient(t)
	s := NewAuthLinks(client)
	ctx := context.Background()
	now := time.Now().UTC()
	_ = s.Create(ctx, auth.AuthLink{TokenHash: "race", Email: "a@x.com", CreatedAt: now, ExpiresAt: now.Add(time.Minute)})

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryConsume(ctx, "race", now)
			if err != nil {
				t.Errorf("TryConsume: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected one winner, got %d", wins.Load())
	}
}

func TestStoreErrorsAreReturned(t *testing.T) {
	mr, client := newTestClient(t)
	s := NewAuthLinks(client)
	mr.Close()

	if _, err := s.TryConsume(context.Background(), "h1", time.Now()); err == nil {
		t.Fatalf("expected error from closed server")
	}
}

func TestDenyListErrorsAreReturned(t *testing.T) {
	mr, client := newTestClient(t)
	d := NewDenyList(client, nil)
	mr.Close()

	revoked, err := d.IsRevoked(context.Background(), "jti-1")
	if err == nil || revoked {
		t.Fatalf("expected error from closed server, got revoked=%v err=%v", revoked, err)
	}
}

func TestDenyList(t *testing.T) {
	mr, client := newTestClient(t)
	now := time.Now()
	d := NewDenyList(client, func() time.Time { return now })
	ctx := context.Background()

	if err := d.Revoke(ctx, "jti-1", now.Add(time.Minute)); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := d.Revoke(ctx, "jti-old", now.Add(-time.Minute)); err != nil {
		t.Fatalf("Revoke expired: %v", err)
	}

	if revoked, err := d.IsRevoked(ctx, "jti-1"); err != nil || !revoked {
		t.Fatalf("expected jti-1 revoked: %v %v", revoked, err)
	}
	if revoked, _ := d.IsRevoked(ctx, "jti-old"); revoked {
		t.Fatalf("already expired token should not be stored")
	}

	mr.FastForward(2 * time.Minute)
	if revoked, _ := d.IsRevoked(ctx, "jti-1"); revoked {
		t.Fatalf("expected entry to expire with the token")
	}
}

func TestEngineWithRedisLinks(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()

	hash, err := auth.HashPassword("secret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	creds := staticCredentials{rec: auth.CredentialRecord{ID: "u1", Email: "a@x.com", PasswordHash: hash, Role: auth.RoleUser}}
	codec, err := auth.NewTokenCodec(auth.CodecConfig{Secret: []byte("0123456789abcdef0123456789abcdef")})
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	engine, err := auth.NewEngine(creds, NewAuthLinks(client), codec)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	desc, err := engine.CreateAuthLink(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("CreateAuthLink: %v", err)
	}
	if p, err := engine.ValidateAuthLink(ctx, desc.Token); err != nil || p.ID != "u1" {
		t.Fatalf("ValidateAuthLink: %+v %v", p, err)
	}
	if _, err := engine.ValidateAuthLink(ctx, desc.Token); !errors.Is(err, auth.ErrTokenAlreadyUsed) {
		t.Fatalf("expected ErrTokenAlreadyUsed, got %v", err)
	}
}

type staticCredentials struct {
	rec auth.CredentialRecord
}

func (s staticCredentials) FindByEmail(_ context.Context, email string) (auth.CredentialRecord, error) {
	if email != s.rec.Email {
		return auth.CredentialRecord{}, auth.ErrNotFound
	}
	return s.rec, nil
}

func (s staticCredentials) FindByID(_ context.Context, id string) (auth.CredentialRecord, error) {
	if id != s.rec.ID {
		return auth.CredentialRecord{}, auth.ErrNotFound
	}
	return s.rec, nil
}
