package logx

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the shared logger used throughout the project.
var Log = log.Logger

// Configure sets the global log level and writes human-readable output to
// stdout. The level string is tolerant of case and common synonyms.
func Configure(level string) {
	ConfigureOutput(level, os.Stdout)
}

// ConfigureOutput is Configure with an explicit destination.
func ConfigureOutput(level string, w io.Writer) {
	zerolog.SetGlobalLevel(parseLevel(level))
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	// colors only make sense on a terminal
	cw.NoColor = w != os.Stdout && w != os.Stderr
	Log = zerolog.New(cw).With().Timestamp().Logger()
}

// parseLevel converts a string to a zerolog level.
// Accepts: all, trace, debug, info, warn, warning, error, fatal, none.
// Unknown values default to info.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "all", "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "none", "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	if strings.ToLower(os.Getenv("DEBUG")) == "true" {
		Configure("debug")
		return
	}
	Configure(os.Getenv("LOG_LEVEL"))
}
