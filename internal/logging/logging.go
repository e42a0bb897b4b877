// Package logging builds the process-wide zerolog.Logger (Loki-friendly
// structured JSON, with a pretty console mode for local development).
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger configured from level/format (spec.md §6 config
// table: LOG_LEVEL/LOG_FORMAT). An unrecognized level falls back to info.
func New(level, format string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if format == "pretty" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	zerolog.SetGlobalLevel(parseLevel(level))

	return zerolog.New(out).With().
		Timestamp().
		Str("service", "qiobroker").
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
