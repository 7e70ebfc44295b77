package logger

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/phrazzld/dbtester/internal/ciutil"
	"github.com/phrazzld/dbtester/internal/config"
)

// Setup builds the application's logger from configuration. Output goes to w.
//
// Formats:
//   - "json": slog JSON handler, wrapped by CIHandler when running in CI
//   - "text": slog text handler
//   - "console": colored human readable output via tint
func Setup(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level := ParseLevel(cfg.Level, w)

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json", "":
		opts := &slog.HandlerOptions{Level: level}
		if ciutil.IsCI() {
			handler = NewCIHandler(w, opts)
		} else {
			handler = slog.NewJSONHandler(w, opts)
		}
	case "text":
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	case "console":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	return slog.New(handler), nil
}

// ParseLevel parses a log level name (case-insensitive). If the level is
// invalid, info is used and a warning is written to w.
func ParseLevel(name string, w io.Writer) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}

	tmpLogger := slog.New(slog.NewTextHandler(w, nil))
	tmpLogger.Warn("invalid log level configured, using default level",
		"configured_level", name,
		"default_level", "info")
	return slog.LevelInfo
}

// Discard returns a logger that drops every record. Components use it when
// constructed with a nil logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}
