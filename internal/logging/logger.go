// Package logging builds the structured logger shared by every
// component, following the teacher's monitoring/logger.go.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config selects verbosity and output format.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, pretty
}

// New builds a zerolog.Logger with timestamp, caller, and a fixed
// service field, JSON by default and console-pretty for local dev.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).With().
		Timestamp().
		Caller().
		Str("service", "agentstream").
		Logger()
}

// RecoverPanic is deferred at the top of the SSE stream-reader and
// per-job dispatcher goroutines so a panic there is logged instead of
// crashing the process.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic", r).
			Str("stack", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}
