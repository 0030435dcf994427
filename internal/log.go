package internal

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/guilherme-santos/availsync"
)

// ParseLevel maps LOG_LEVEL values to a slog level, defaulting to info.
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

func NewLogger(w io.Writer, level string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// CalendarLogger scopes logger to a calendar, every line carries its id and
// name.
func CalendarLogger(logger *slog.Logger, cal availsync.CalendarRef) *slog.Logger {
	return logger.With(slog.Group("calendar", "id", cal.ID, "name", cal.DisplayName))
}

// LoggerOrDefault returns slog.Default() for a nil logger.
func LoggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
