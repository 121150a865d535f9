// Package logging builds the zerolog logger used by katprep.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Field names shared by all maintenance log events.
const (
	FieldRunID = "run_id"
	FieldPhase = "phase"
	FieldHost  = "host"
	FieldStep  = "step"
)

// Options selects level and output format.
type Options struct {
	// Level is a zerolog level name; invalid or empty values mean info
	Level string

	// Format is "json" or "console"
	Format string

	// Out defaults to stderr
	Out io.Writer
}

// New creates a logger.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	if opts.Format != "json" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    !isTerminal(out),
		}
	}

	return zerolog.New(out).
		With().
		Timestamp().
		Logger().
		Level(parseLevel(opts.Level))
}

// Init creates a logger and installs it as the global zerolog logger.
func Init(opts Options) zerolog.Logger {
	logger := New(opts)
	log.Logger = logger
	return logger
}

func parseLevel(s string) zerolog.Level {
	if s == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
