package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"orderdesk.org/internal/auth"
	"orderdesk.org/internal/store/memory"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

type recordingDeliverer struct {
	mu    sync.Mutex
	sent  map[string]auth.AuthLinkDescriptor
	fails bool
}

func (d *recordingDeliverer) DeliverAuthLink(_ context.Context, email string, link auth.AuthLinkDescriptor) error {
	if d.fails {
		return errors.New("smtp down")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sent == nil {
		d.sent = make(map[string]auth.AuthLinkDescriptor)
	}
	d.sent[email] = link
	return nil
}

func (d *recordingDeliverer) last(email string) (auth.AuthLinkDescriptor, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	link, ok := d.sent[email]
	return link, ok
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()
	return buildTestAPI(t, true, opts...)
}

func buildTestAPI(t *testing.T, withDenyList bool, opts ...Option) *apiClient {
	t.Helper()

	creds := memory.NewCredentials()
	for email, user := range map[string]struct {
		password string
		role     auth.Role
	}{
		"a@x.com":    {"secret", auth.RoleUser},
		"root@x.com": {"admin-pass", auth.RoleAdmin},
	} {
		hash, err := auth.HashPassword(user.password)
		if err != nil {
			t.Fatalf("hash password: %v", err)
		}
		if _, err := creds.CreateUser(context.Background(), auth.CredentialRecord{
			Email:        email,
			PasswordHash: hash,
			Role:         user.role,
		}); err != nil {
			t.Fatalf("create user: %v", err)
		}
	}

	codec, err := auth.NewTokenCodec(auth.CodecConfig{Secret: []byte("0123456789abcdef0123456789abcdef")})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	engine, err := auth.NewEngine(creds, memory.NewAuthLinks(), codec)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	vopts := []auth.ValidatorOption{auth.WithPrincipalLookup(creds)}
	if withDenyList {
		vopts = append(vopts, auth.WithDenyList(memory.NewDenyList(nil)))
	}
	validator := auth.NewValidator(codec, vopts...)

	opts = append([]Option{WithRateLimit(100, 100)}, opts...)
	api := New(engine, validator, ReadyProbe{}, "test", opts...)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) login(email, password string) auth.LoginResult {
	c.t.Helper()
	resp := c.post("/v1/auth/login", loginRequest{Email: email, Password: password}, nil)
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		c.t.Fatalf("unexpected login status: %d", resp.StatusCode)
	}
	res := decode[auth.LoginResult](c.t, resp)
	if res.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return res
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestLoginAndMe(t *testing.T) {
	api := newTestAPI(t)
	res := api.login(" A@X.com ", "secret")
	if res.Principal.Email != "a@x.com" || res.Principal.Role != auth.RoleUser {
		t.Fatalf("unexpected principal: %+v", res.Principal)
	}

	resp := api.get("/v1/auth/me", nil, bearerHeader(res.Token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	me := decode[auth.Principal](t, resp)
	if me != res.Principal {
		t.Fatalf("me = %+v, want %+v", me, res.Principal)
	}
}

func TestLoginFailuresLookAlike(t *testing.T) {
	api := newTestAPI(t)

	wrongPassword := api.post("/v1/auth/login", loginRequest{Email: "a@x.com", Password: "nope"}, nil)
	unknownEmail := api.post("/v1/auth/login", loginRequest{Email: "ghost@x.com", Password: "nope"}, nil)
	if wrongPassword.StatusCode != http.StatusUnauthorized || unknownEmail.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected statuses: %d %d", wrongPassword.StatusCode, unknownEmail.StatusCode)
	}
	a := decode[map[string]any](t, wrongPassword)
	b := decode[map[string]any](t, unknownEmail)
	if a["error"] != b["error"] || a["reason"] != b["reason"] || a["reason"] != "invalid_credentials" {
		t.Fatalf("bodies differ: %v vs %v", a, b)
	}
}

func TestLoginValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/login", map[string]any{"email": "a@x.com", "password": "secret", "extra": 1}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", resp.StatusCode)
	}

	resp = api.get("/v1/auth/login", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed || resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("expected 405 with Allow, got %d %q", resp.StatusCode, resp.Header.Get("Allow"))
	}
}

func TestAuthLinkFlow(t *testing.T) {
	deliverer := &recordingDeliverer{}
	api := newTestAPI(t, WithLinkDeliverer(deliverer), WithExposedLinkTokens(true))

	resp := api.post("/v1/auth/links", linkRequest{Email: "A@x.com"}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	issued := decode[linkResponse](t, resp)
	sent, ok := deliverer.last("a@x.com")
	if !ok || sent.Token == "" || sent.Token != issued.Token {
		t.Fatalf("delivered %+v, response %+v", sent, issued)
	}

	resp = api.post("/v1/auth/links/validate", validateLinkRequest{Token: issued.Token}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected validate status: %d", resp.StatusCode)
	}
	session := decode[auth.LoginResult](t, resp)
	if session.Principal.Email != "a@x.com" {
		t.Fatalf("unexpected principal: %+v", session.Principal)
	}

	resp = api.get("/v1/auth/me", nil, bearerHeader(session.Token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session token rejected: %d", resp.StatusCode)
	}

	resp = api.post("/v1/auth/links/validate", validateLinkRequest{Token: issued.Token}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on reuse, got %d", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp); body["reason"] != "token_already_used" {
		t.Fatalf("unexpected reason: %v", body["reason"])
	}
}

func TestCreateLinkHidesAccountExistence(t *testing.T) {
	api := newTestAPI(t)

	known := api.post("/v1/auth/links", linkRequest{Email: "a@x.com"}, nil)
	unknown := api.post("/v1/auth/links", linkRequest{Email: "ghost@x.com"}, nil)
	if known.StatusCode != http.StatusAccepted || unknown.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected statuses: %d %d", known.StatusCode, unknown.StatusCode)
	}
	a := decode[map[string]any](t, known)
	b := decode[map[string]any](t, unknown)
	if len(a) != len(b) || a["status"] != b["status"] {
		t.Fatalf("responses differ: %v vs %v", a, b)
	}
	if _, ok := a["token"]; ok {
		t.Fatalf("token exposed without opt-in: %v", a)
	}
}

func TestCreateLinkErrors(t *testing.T) {
	api := newTestAPI(t)
	resp := api.post("/v1/auth/links", linkRequest{Email: "not-an-email"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	broken := newTestAPI(t, WithLinkDeliverer(&recordingDeliverer{fails: true}))
	resp = broken.post("/v1/auth/links", linkRequest{Email: "a@x.com"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on delivery failure, got %d", resp.StatusCode)
	}
}

func TestValidateLinkRejectsUnknownToken(t *testing.T) {
	api := newTestAPI(t)
	resp := api.post("/v1/auth/links/validate", validateLinkRequest{Token: "bogus"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp); body["reason"] != "invalid_token" {
		t.Fatalf("unexpected reason: %v", body["reason"])
	}
}

func TestMeRequiresBearer(t *testing.T) {
	api := newTestAPI(t)

	for name, headers := range map[string]map[string]string{
		"missing":      nil,
		"wrong scheme": {"Authorization": "Basic abc"},
		"garbage":      bearerHeader("not.a.jwt"),
	} {
		resp := api.get("/v1/auth/me", nil, headers)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, resp.StatusCode)
		}
		if resp.Header.Get("WWW-Authenticate") == "" {
			t.Fatalf("%s: expected WWW-Authenticate", name)
		}
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	api := newTestAPI(t)
	res := api.login("a@x.com", "secret")

	resp := api.post("/v1/auth/logout", nil, bearerHeader(res.Token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	resp = api.get("/v1/auth/me", nil, bearerHeader(res.Token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked token accepted: %d", resp.StatusCode)
	}
}

func TestLogoutWithoutDenyList(t *testing.T) {
	api := buildTestAPI(t, false)
	res := api.login("a@x.com", "secret")

	resp := api.post("/v1/auth/logout", nil, bearerHeader(res.Token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", resp.StatusCode)
	}
}

func TestAdminPingRequiresRole(t *testing.T) {
	api := newTestAPI(t)

	user := api.login("a@x.com", "secret")
	resp := api.get("/v1/admin/ping", nil, bearerHeader(user.Token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for user, got %d", resp.StatusCode)
	}

	admin := api.login("root@x.com", "admin-pass")
	resp = api.get("/v1/admin/ping", nil, bearerHeader(admin.Token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp); body["role"] != string(auth.RoleAdmin) {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestLoginIsRateLimited(t *testing.T) {
	api := newTestAPI(t, WithRateLimit(1, 1))

	first := api.post("/v1/auth/login", loginRequest{Email: "a@x.com", Password: "nope"}, nil)
	first.Body.Close()
	second := api.post("/v1/auth/login", loginRequest{Email: "a@x.com", Password: "nope"}, nil)
	second.Body.Close()
	if first.StatusCode != http.StatusUnauthorized || second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("unexpected statuses: %d %d", first.StatusCode, second.StatusCode)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	api := newTestAPI(t)
	resp := api.get("/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected healthz status: %d", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp); body["service"] != serviceName {
		t.Fatalf("unexpected healthz body: %v", body)
	}

	resp = api.get("/nowhere", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp); body["request_id"] == nil {
		t.Fatalf("expected request_id in 404 body: %v", body)
	}
}

func TestReadyProbeReportsFailures(t *testing.T) {
	ok := ReadyProbe{Checks: map[string]func(context.Context) error{
		"db": func(context.Context) error { return nil },
	}}
	if err := ok.Check(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	boom := errors.New("boom")
	failing := ReadyProbe{Checks: map[string]func(context.Context) error{
		"db":    func(context.Context) error { return nil },
		"redis": func(context.Context) error { return boom },
	}}
	if err := failing.Check(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	api := New(nil, nil, failing, "test")
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
