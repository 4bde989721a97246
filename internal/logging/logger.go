// Package logging builds the zerolog loggers shared by the daemon and
// its subsystems.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options selects the output encoding and verbosity. Writer defaults to
// stderr so daemon logs never interleave with stdout payloads.
type Options struct {
	Level zerolog.Level
	// Console renders human-readable output; otherwise lines are JSON.
	Console bool
	Writer  io.Writer
}

// New builds a logger from explicit options.
func New(opts Options) zerolog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	if opts.Console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(opts.Level).With().Timestamp().Logger()
}

// NewFromEnv reads LAYOUTSYNC_LOG_LEVEL (zerolog level names, default
// info) and LAYOUTSYNC_LOG_FORMAT ("json" or "console", default console).
func NewFromEnv() zerolog.Logger {
	opts := Options{Level: zerolog.InfoLevel, Console: true}
	if raw := os.Getenv("LAYOUTSYNC_LOG_LEVEL"); raw != "" {
		if level, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
			opts.Level = level
		}
	}
	if strings.EqualFold(os.Getenv("LAYOUTSYNC_LOG_FORMAT"), "json") {
		opts.Console = false
	}
	return New(opts)
}

// Component returns a child logger tagged with a subsystem name.
func Component(parent zerolog.Logger, name string) zerolog.Logger {
	return parent.With().Str("component", name).Logger()
}
