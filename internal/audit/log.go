package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"orderdesk.org/internal/auth"
	"orderdesk.org/internal/obs"
)

// Audit event names.
const (
	EventLoginSucceeded = "auth.login.succeeded"
	EventLoginFailed    = "auth.login.failed"
	EventLinkIssued     = "auth.link.issued"
	EventLinkConsumed   = "auth.link.consumed"
	EventLinkRejected   = "auth.link.rejected"
	EventLogout         = "auth.logout"
	EventAccessDenied   = "auth.access_denied"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
// Fields must never carry passwords or raw tokens.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	attrs := []slog.Attr{
		slog.String("type", "audit"),
		slog.String("event", event),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		attrs = append(attrs, slog.String("user_id", userID))
	}
	group := make([]any, 0, len(fields))
	for k, v := range fields {
		group = append(group, slog.Any(k, v))
	}
	attrs = append(attrs, slog.Group("fields", group...))

	if ctx == nil {
		ctx = context.Background()
	}
	obs.Logger().LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}
