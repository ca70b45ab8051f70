// Package logging builds the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pairchat/config"
)

// New creates a zerolog.Logger from the configured level and format.
func New(cfg *config.Config) zerolog.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(cfg *config.Config, out io.Writer) zerolog.Logger {
	level := ParseLevel(cfg.LogLevel)

	var w io.Writer = out
	if cfg.LogFormat != config.LogFormatJSON {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	ctx := zerolog.New(w).With().Timestamp()
	if cfg.DeviceID != "" {
		ctx = ctx.Str("device_id", cfg.DeviceID)
	}
	return ctx.Logger().Level(level)
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(raw string) zerolog.Level {
	if raw == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
