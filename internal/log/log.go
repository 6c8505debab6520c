// Package log provides the structured logging used across the agent and
// layer binaries. It wraps zerolog with a package-level logger plus
// component-scoped children, so every subsystem tags its output without
// threading a logger through every constructor.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog's levels so callers don't need to import zerolog
// directly just to call Init.
type Level = zerolog.Level

const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
)

// Config controls the global logger created by Init.
type Config struct {
	Level   Level
	Console bool
	Output  io.Writer
}

// Logger is the package-level logger. It is safe for concurrent use.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(InfoLevel)

// Init configures the package-level Logger. Call it once at process start,
// before any component logger is derived from it.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	Logger = zerolog.New(out).With().Timestamp().Logger().Level(cfg.Level)
}

// WithComponent returns a child logger tagging every entry with the given
// component name, e.g. "iptables", "stealer", "layer".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithConnection returns a child logger tagging entries with a connection
// id, layered on top of a component logger.
func WithConnection(logger zerolog.Logger, connectionID uint64) zerolog.Logger {
	return logger.With().Uint64("connection_id", connectionID).Logger()
}

// WithClient returns a child logger tagging entries with a client id.
func WithClient(logger zerolog.Logger, clientID uint32) zerolog.Logger {
	return logger.With().Uint32("client_id", clientID).Logger()
}
