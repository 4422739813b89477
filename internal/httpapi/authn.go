package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"orderdesk.org/internal/audit"
	"orderdesk.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth resolves the bearer token into a principal or rejects the request.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeUnauthorized(w, r, err.Error())
			return
		}

		principal, err := a.validator.Authenticate(r.Context(), token)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole admits only principals holding one of roles. It must run
// after authentication has placed a principal in the request context.
func RequireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				writeUnauthorized(w, r, "authentication required")
				return
			}
			if err := auth.RequireRole(p, roles...); err != nil {
				_ = audit.LogEvent(r.Context(), audit.EventAccessDenied, map[string]any{
					"path": r.URL.Path,
					"role": string(p.Role),
				})
				w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
				writeError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, r, http.StatusUnauthorized, msg)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
