package config

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger builds the root logger of a command and sets the global level.
// LOG_FORMAT=console switches to human-readable output for local runs.
func (s Settings) Logger(service, version string) zerolog.Logger {
	return s.loggerTo(os.Stdout, service, version)
}

func (s Settings) loggerTo(w io.Writer, service, version string) zerolog.Logger {
	level, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil || s.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if s.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).
		With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Logger()
}
