package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger writes leveled, key-value log lines.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger writing to stdout at the given level ("debug",
// "info", "warn", "error"). format "json" selects JSON output; anything else
// is text.
func NewLogger(level, format string) *Logger {
	return New(os.Stdout, level, format)
}

// New creates a Logger writing to w.
func New(w io.Writer, level, format string) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(h)}
}

// Discard returns a Logger that drops everything. Used in tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// With returns a Logger that adds args to every line.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

func parseLevel(level string) slog.Level {
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
