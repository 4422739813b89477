package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"orderdesk.org/internal/auth"
	"orderdesk.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	prev := obs.Logger()
	t.Cleanup(func() { obs.SetLogger(prev) })
	var buf bytes.Buffer
	obs.Setup("info", &buf)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithPrincipal(ctx, auth.Principal{ID: "user-42", Role: auth.RoleAdmin})

	if err := LogEvent(ctx, EventLoginSucceeded, map[string]any{"method": "password"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.Bytes()
	if len(line) == 0 {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != EventLoginSucceeded {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" {
		t.Fatalf("unexpected user id: %v", entry["user_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["method"] != "password" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event name")
	}
}
