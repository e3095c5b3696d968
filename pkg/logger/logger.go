// Package logger holds the process-wide zerolog instance shared by the
// API server and the worker binaries.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance.
var Log zerolog.Logger

func init() {
	// JSON to stdout for production
	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()

	// Pretty print for development
	if os.Getenv("APP_ENV") != "production" {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// SetLevel applies the configured minimum level. Unknown names are
// ignored and leave the current level untouched.
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		Log.Warn().Str("level", level).Msg("Unknown log level, keeping current")
		return
	}
	Log = Log.Level(lvl)
}

// Component returns a child logger tagged with a component name so log
// lines from the store, queue, workers and notifier stay distinguishable.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
