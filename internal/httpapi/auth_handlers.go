package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"orderdesk.org/internal/audit"
	"orderdesk.org/internal/auth"
	"orderdesk.org/internal/obs"
)

// LinkDeliverer sends an issued auth link to its recipient.
type LinkDeliverer interface {
	DeliverAuthLink(ctx context.Context, email string, link auth.AuthLinkDescriptor) error
}

// LogDeliverer records that a link was issued without writing the token anywhere.
type LogDeliverer struct{}

func (LogDeliverer) DeliverAuthLink(ctx context.Context, email string, link auth.AuthLinkDescriptor) error {
	obs.Logger().InfoContext(ctx, "auth link issued",
		"email", email,
		"expires_at", link.ExpiresAt.Format(time.RFC3339),
	)
	return nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type linkRequest struct {
	Email string `json:"email"`
}

type linkResponse struct {
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
	Token     string    `json:"token,omitempty"`
}

type validateLinkRequest struct {
	Token string `json:"token"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.engine.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		_ = audit.LogEvent(r.Context(), audit.EventLoginFailed, map[string]any{
			"method": "password",
			"reason": auth.Reason(err),
		})
		writeAuthError(w, r, err)
		return
	}

	ctx := auth.ContextWithPrincipal(r.Context(), res.Principal)
	_ = audit.LogEvent(ctx, audit.EventLoginSucceeded, map[string]any{
		"method": "password",
		"role":   string(res.Principal.Role),
	})
	writeJSON(w, http.StatusOK, res)
}

// handleCreateLink answers identically for known and unknown emails.
func (a *API) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req linkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	desc, err := a.engine.CreateAuthLink(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, r, http.StatusBadRequest, "a valid email is required")
			return
		}
		writeAuthError(w, r, err)
		return
	}
	email := auth.NormalizeEmail(req.Email)
	if err := a.links.DeliverAuthLink(r.Context(), email, desc); err != nil {
		obs.Logger().ErrorContext(r.Context(), "auth link delivery failed", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "auth link delivery unavailable")
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLinkIssued, map[string]any{
		"expires_at": desc.ExpiresAt.Format(time.RFC3339),
	})

	resp := linkResponse{Status: "sent", ExpiresAt: desc.ExpiresAt}
	if a.exposeLinkTokens {
		resp.Token = desc.Token
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (a *API) handleValidateLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req validateLinkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.engine.ExchangeAuthLink(r.Context(), req.Token)
	if err != nil {
		_ = audit.LogEvent(r.Context(), audit.EventLinkRejected, map[string]any{
			"reason": auth.Reason(err),
		})
		writeAuthError(w, r, err)
		return
	}
	ctx := auth.ContextWithPrincipal(r.Context(), res.Principal)
	_ = audit.LogEvent(ctx, audit.EventLinkConsumed, nil)
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, r, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, _ := auth.TokenFromContext(r.Context())
	if err := a.validator.Revoke(r.Context(), token); err != nil {
		if errors.Is(err, auth.ErrRevocationUnsupported) {
			writeError(w, r, http.StatusNotImplemented, "logout is not supported by this deployment")
			return
		}
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLogout, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAdminPing(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"role":   p.Role,
	})
}

// writeAuthError maps engine and validator failures onto HTTP statuses.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	reason := auth.Reason(err)
	code, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		code, msg = http.StatusUnauthorized, "invalid email or password"
	case errors.Is(err, auth.ErrTokenExpired):
		code, msg = http.StatusUnauthorized, "token expired"
	case errors.Is(err, auth.ErrInvalidToken):
		code, msg = http.StatusUnauthorized, "invalid token"
	case errors.Is(err, auth.ErrTokenAlreadyUsed):
		code, msg = http.StatusConflict, "token already used"
	case errors.Is(err, auth.ErrForbidden):
		code, msg = http.StatusForbidden, "forbidden"
	case errors.Is(err, auth.ErrAuthenticationUnavailable):
		obs.Logger().ErrorContext(r.Context(), "authentication unavailable", "error", err)
		code, msg = http.StatusServiceUnavailable, "authentication temporarily unavailable"
	default:
		obs.Logger().ErrorContext(r.Context(), "unexpected auth error", "error", err)
	}
	if code == http.StatusUnauthorized {
		challenge := `Bearer error="invalid_token"`
		if errors.Is(err, auth.ErrInvalidCredentials) {
			challenge = "Bearer"
		}
		w.Header().Set("WWW-Authenticate", challenge)
	}
	payload := map[string]any{"error": msg, "reason": reason}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}
