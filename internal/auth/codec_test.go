package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestCodec(t *testing.T, clock *fakeClock, cfg CodecConfig) *TokenCodec {
	t.Helper()
	if cfg.Secret == nil && cfg.PrivateKeyPEM == "" {
		cfg.Secret = testSecret
	}
	cfg.Clock = clock.Now
	c, err := NewTokenCodec(cfg)
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	return c
}

func TestCodecRoundTrip(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 500, time.UTC)}
	codec := newTestCodec(t, clock, CodecConfig{KeyID: "k1"})

	p := Principal{ID: "u1", Email: "a@x.com", Role: RoleManager}
	token, issued, err := codec.Issue(p, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Fatalf("expected compact JWS, got %q", token)
	}
	if issued.ID == "" {
		t.Fatalf("expected token id")
	}
	if !issued.IssuedAt.Equal(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("issued-at not truncated: %v", issued.IssuedAt)
	}

	got, err := codec.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.ID != issued.ID || got.Subject != issued.Subject || got.Role != issued.Role ||
		!got.IssuedAt.Equal(issued.IssuedAt) || !got.ExpiresAt.Equal(issued.ExpiresAt) {
		t.Fatalf("claims mismatch: issued %+v, verified %+v", issued, got)
	}
	if got.Principal() != p {
		t.Fatalf("principal mismatch: %+v", got.Principal())
	}
	if codec.Algorithm() != "HS256" {
		t.Fatalf("unexpected algorithm %s", codec.Algorithm())
	}
}

func TestCodecExpiryBoundary(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	codec := newTestCodec(t, clock, CodecConfig{})

	token, _, err := codec.Issue(Principal{ID: "u1", Role: RoleUser}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	for _, offset := range []time.Duration{0, 30 * time.Minute, time.Hour} {
		clock.now = start.Add(offset)
		if _, err := codec.Verify(token); err != nil {
			t.Fatalf("Verify at +%s: %v", offset, err)
		}
	}

	clock.now = start.Add(time.Hour + time.Second)
	if _, err := codec.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestCodecRejectsTamperedPayload(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	codec := newTestCodec(t, clock, CodecConfig{})

	token, _, err := codec.Issue(Principal{ID: "u1", Role: RoleUser}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	parts := strings.Split(token, ".")
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	forged := strings.Replace(string(payload), `"role":"user"`, `"role":"admin"`, 1)
	if forged == string(payload) {
		t.Fatalf("payload did not contain role claim: %s", payload)
	}
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(forged))

	if _, err := codec.Verify(strings.Join(parts, ".")); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestCodecRejectsForeignTokens(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	codec := newTestCodec(t, clock, CodecConfig{})
	other := newTestCodec(t, clock, CodecConfig{Secret: []byte("ffffffffffffffffffffffffffffffff")})
	otherIssuer := newTestCodec(t, clock, CodecConfig{Issuer: "elsewhere"})

	p := Principal{ID: "u1", Role: RoleUser}
	for name, c := range map[string]*TokenCodec{"secret": other, "issuer": otherIssuer} {
		token, _, err := c.Issue(p, time.Hour)
		if err != nil {
			t.Fatalf("%s: Issue: %v", name, err)
		}
		if _, err := codec.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, sessionClaims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultIssuer,
			Subject:   "u1",
			IssuedAt:  jwt.NewNumericDate(clock.now),
			ExpiresAt: jwt.NewNumericDate(clock.now.Add(time.Hour)),
		},
	})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := codec.Verify(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected alg none to be rejected, got %v", err)
	}

	for _, garbage := range []string{"", "   ", "abc", "a.b.c"} {
		if _, err := codec.Verify(garbage); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Verify(%q): expected ErrInvalidToken, got %v", garbage, err)
		}
	}
}

func TestCodecRejectsFutureIssuedAt(t *testing.T) {
	start := time.Now()
	issuer := newTestCodec(t, &fakeClock{now: start.Add(time.Minute)}, CodecConfig{})
	verifier := newTestCodec(t, &fakeClock{now: start}, CodecConfig{})

	token, _, err := issuer.Issue(Principal{ID: "u1", Role: RoleUser}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestCodecRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	clock := &fakeClock{now: time.Now()}
	rs := newTestCodec(t, clock, CodecConfig{PrivateKeyPEM: string(privPEM), PublicKeyPEM: string(pubPEM)})
	if rs.Algorithm() != "RS256" {
		t.Fatalf("unexpected algorithm %s", rs.Algorithm())
	}

	token, _, err := rs.Issue(Principal{ID: "u1", Role: RoleAdmin}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := rs.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Role != RoleAdmin {
		t.Fatalf("unexpected role %s", claims.Role)
	}

	hs := newTestCodec(t, clock, CodecConfig{})
	if _, err := hs.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected HS codec to reject RS token, got %v", err)
	}
	hsToken, _, _ := hs.Issue(Principal{ID: "u1", Role: RoleAdmin}, time.Hour)
	if _, err := rs.Verify(hsToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected RS codec to reject HS token, got %v", err)
	}

	if _, err := NewTokenCodec(CodecConfig{PrivateKeyPEM: string(privPEM)}); err == nil {
		t.Fatalf("expected error when public key is missing")
	}
}

func TestNewTokenCodecValidation(t *testing.T) {
	if _, err := NewTokenCodec(CodecConfig{}); err == nil {
		t.Fatalf("expected error without key material")
	}
	if _, err := NewTokenCodec(CodecConfig{Secret: []byte("short")}); err == nil {
		t.Fatalf("expected error for short secret")
	}
	if _, err := NewTokenCodec(CodecConfig{PrivateKeyPEM: "x", PublicKeyPEM: "y"}); err == nil {
		t.Fatalf("expected error for malformed PEM")
	}
}

func TestCodecIssueValidation(t *testing.T) {
	codec := newTestCodec(t, &fakeClock{now: time.Now()}, CodecConfig{})
	cases := []struct {
		name string
		p    Principal
		ttl  time.Duration
	}{
		{"empty subject", Principal{Role: RoleUser}, time.Hour},
		{"unknown role", Principal{ID: "u1", Role: "root"}, time.Hour},
		{"short ttl", Principal{ID: "u1", Role: RoleUser}, time.Millisecond},
	}
	for _, tc := range cases {
		if _, _, err := codec.Issue(tc.p, tc.ttl); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
