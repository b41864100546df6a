// Package logging provides structured logging configuration and utilities.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	Level  string
	Pretty bool
	// Output defaults to os.Stdout.
	Output io.Writer
}

// ParseLevel maps a configured level name onto a slog level. The empty string
// is info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// NewLogger builds the process logger. The returned LevelVar controls the
// logger's threshold and may be changed at runtime. An unknown level falls
// back to info.
func NewLogger(cfg Config) (*slog.Logger, *slog.LevelVar) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	level := new(slog.LevelVar)
	parsed, _ := ParseLevel(cfg.Level)
	level.Set(parsed)

	if !cfg.Pretty {
		return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})), level
	}

	// The console writer consumes zerolog-shaped JSON lines.
	console := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	handler := slog.NewJSONHandler(console, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: consoleAttr,
	})
	return slog.New(handler), level
}

func consoleAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.MessageKey:
		a.Key = zerolog.MessageFieldName
	case slog.LevelKey:
		if lvl, ok := a.Value.Any().(slog.Level); ok {
			a.Value = slog.StringValue(zerologLevel(lvl))
		}
	case slog.TimeKey:
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.Format(time.RFC3339))
		}
	}
	return a
}

func zerologLevel(lvl slog.Level) string {
	switch {
	case lvl < slog.LevelInfo:
		return zerolog.LevelDebugValue
	case lvl < slog.LevelWarn:
		return zerolog.LevelInfoValue
	case lvl < slog.LevelError:
		return zerolog.LevelWarnValue
	default:
		return zerolog.LevelErrorValue
	}
}
