// Package logger builds the zerolog loggers used across the module.
package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Levels accepted by ParseLevel, in the order they are listed in help texts.
var Levels = []string{
	"trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled",
}

// New returns a logger tagged with component writing JSON to w,
// or a human readable console format when pretty is set.
func New(w io.Writer, component string, level zerolog.Level, pretty bool) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if pretty {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).With().Timestamp().Str("component", component).Logger().Level(level)
}

// NewStderr is New writing to os.Stderr.
func NewStderr(component string, level zerolog.Level, pretty bool) zerolog.Logger {
	return New(os.Stderr, component, level, pretty)
}

// ParseLevel maps a level name from Levels to its zerolog value.
func ParseLevel(s string) (zerolog.Level, error) {
	if s == "disabled" {
		return zerolog.Disabled, nil
	}
	l, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("parsing log level %q: %w", s, err)
	}
	if l == zerolog.NoLevel {
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}
