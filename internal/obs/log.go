package obs

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var current atomic.Pointer[slog.Logger]

// Setup builds the shared JSON logger, installs it as the slog default and
// returns it. level accepts debug, info, warn and error; anything else is info.
func Setup(level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
	SetLogger(logger)
	return logger
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger returns the shared structured logger used across the service.
func Logger() *slog.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// SetLogger replaces the shared logger and the slog default.
func SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	current.Store(l)
	slog.SetDefault(l)
}
