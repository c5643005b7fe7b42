// internal/logging/logging.go
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Supported output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// ConfigureLogger sets the global level and replaces log.Logger with a
// writer to stderr in the given format.
func ConfigureLogger(level, format string) error {
	return ConfigureLoggerTo(os.Stderr, level, format)
}

// ConfigureLoggerTo is ConfigureLogger with an explicit destination.
func ConfigureLoggerTo(out io.Writer, level, format string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var w io.Writer
	switch strings.ToLower(format) {
	case FormatJSON, "":
		w = out
	case FormatConsole:
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	default:
		return fmt.Errorf("invalid log format %q (want json or console)", format)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}

// Component returns a child of the global logger tagged with name.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
