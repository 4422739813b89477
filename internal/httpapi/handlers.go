package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"orderdesk.org/internal/auth"
	"orderdesk.org/internal/obs"
)

const serviceName = "orderdesk-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe runs named dependency checks (database ping, redis ping).
type ReadyProbe struct {
	Checks map[string]func(context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	var errs []error
	for name, check := range rp.Checks {
		if check == nil {
			continue
		}
		if err := check(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Option configures the API.
type Option func(*API)

// WithLinkDeliverer sets where issued auth links are sent.
func WithLinkDeliverer(d LinkDeliverer) Option {
	return func(a *API) {
		if d != nil {
			a.links = d
		}
	}
}

// WithExposedLinkTokens echoes raw link tokens in POST /v1/auth/links responses.
func WithExposedLinkTokens(expose bool) Option {
	return func(a *API) { a.exposeLinkTokens = expose }
}

// WithRateLimit sets the per-IP budget for the unauthenticated auth endpoints.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

// WithTrustedProxies sets the proxies whose X-Forwarded-For is honoured
// when keying rate limits.
func WithTrustedProxies(proxies TrustedProxies) Option {
	return func(a *API) { a.proxies = proxies }
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string

	engine    *auth.Engine
	validator *auth.Validator
	links     LinkDeliverer

	exposeLinkTokens bool
	rateBurst        int
	ratePerSec       int
	proxies          TrustedProxies
}

func New(engine *auth.Engine, validator *auth.Validator, rp readinessChecker, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		engine:     engine,
		validator:  validator,
		links:      LogDeliverer{},
		rateBurst:  10,
		ratePerSec: 5,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.readyProbe == nil {
		a.readyProbe = ReadyProbe{}
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	limited := func(h http.HandlerFunc) http.Handler {
		return RateLimit(h, a.rateBurst, a.ratePerSec, a.proxies)
	}
	a.mux.Handle("/v1/auth/login", limited(a.handleLogin))
	a.mux.Handle("/v1/auth/links", limited(a.handleCreateLink))
	a.mux.Handle("/v1/auth/links/validate", limited(a.handleValidateLink))

	a.mux.Handle("/v1/auth/me", a.withAuth(http.HandlerFunc(a.handleMe)))
	a.mux.Handle("/v1/auth/logout", a.withAuth(http.HandlerFunc(a.handleLogout)))
	a.mux.Handle("/v1/admin/ping", a.withAuth(
		RequireRole(auth.RoleAdmin, auth.RoleManager)(http.HandlerFunc(a.handleAdminPing)),
	))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		obs.Logger().WarnContext(ctx, "readiness check failed", slog.Any("err", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
