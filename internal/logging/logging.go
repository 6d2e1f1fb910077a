// Package logging provides helpers for structured, colorized logging across qhubctl.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
)

// Level represents a structured log level used by qhubctl.
type Level slog.Level

const (
	// LevelDebug represents the debug logging level.
	LevelDebug Level = Level(slog.LevelDebug)
	// LevelInfo represents the informational logging level.
	LevelInfo Level = Level(slog.LevelInfo)
	// LevelWarn represents the warning logging level.
	LevelWarn Level = Level(slog.LevelWarn)
	// LevelError represents the error logging level.
	LevelError Level = Level(slog.LevelError)
)

// Supported handler formats.
const (
	FormatTint = "tint"
	FormatJSON = "json"
	FormatText = "text"
)

// ParseLevel converts a textual log level into a Level value.
func ParseLevel(value string) Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// NewLogger constructs a slog.Logger configured with a tint handler and level.
func NewLogger(w io.Writer, level Level) *slog.Logger {
	logger, _ := NewLoggerWithFormat(w, level, FormatTint)
	return logger
}

// NewLoggerWithFormat constructs a slog.Logger for the given handler format.
// CI systems usually want json, terminals want tint.
func NewLoggerWithFormat(w io.Writer, level Level, format string) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatTint:
		handler = tint.NewHandler(w, &tint.Options{
			Level: slog.Level(level),
		})
	case FormatJSON:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.Level(level)})
	case FormatText:
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.Level(level)})
	default:
		return slog.New(tint.NewHandler(w, &tint.Options{Level: slog.Level(level)})), fmt.Errorf("unknown log format %q", format)
	}

	return slog.New(handler), nil
}

// Discard returns a logger that drops every record. Useful as a nil-safe default.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
