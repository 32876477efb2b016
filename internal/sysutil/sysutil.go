// Package sysutil configures process-wide logging for the server binary.
package sysutil

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetLogLevel sets the global zerolog level. Accepted values
// (case-insensitive): debug, info, warn|warning, error, fatal, panic.
// Anything else selects info.
func SetLogLevel(lvl string) zerolog.Level {
	level := zerolog.InfoLevel
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	case "fatal":
		level = zerolog.FatalLevel
	case "panic":
		level = zerolog.PanicLevel
	}
	zerolog.SetGlobalLevel(level)
	return level
}

// ConfigureLogger installs the global logger: JSON lines with RFC3339Nano UTC
// timestamps, or a console writer when pretty is set. service and version are
// attached to every line. A nil out writes to stderr.
func ConfigureLogger(out io.Writer, level string, pretty bool, service, version string) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	SetLogLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }

	if pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	lg := zerolog.New(out).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Logger()
	log.Logger = lg
	return lg
}

// Component returns a child of the global logger tagged with component,
// for long-lived services that log outside a request.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
