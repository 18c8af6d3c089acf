// Package logger centralizes zerolog setup so every component logs
// through the same root logger with a component field.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. Level comes from LOG_LEVEL (debug, info,
// warn, error; default info). LOG_FORMAT=console switches from JSON to
// human-readable output for local runs.
func New() zerolog.Logger {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL"))); err == nil && parsed != zerolog.NoLevel {
		level = parsed
	}

	logger := zerolog.New(os.Stderr)
	if os.Getenv("LOG_FORMAT") == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// WithComponent tags a child logger with the component it serves.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
