package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel  = "CRAB_RELAY_LOG_LEVEL"
	EnvLogFormat = "CRAB_RELAY_LOG_FORMAT"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

type Options struct {
	App    string
	Level  string
	Format string
	Out    io.Writer
}

func New(opts Options) zerolog.Logger {
	if raw := strings.TrimSpace(os.Getenv(EnvLogLevel)); raw != "" {
		opts.Level = raw
	}
	if raw := strings.TrimSpace(os.Getenv(EnvLogFormat)); raw != "" {
		opts.Format = raw
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if strings.EqualFold(strings.TrimSpace(opts.Format), FormatConsole) {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	level, _ := ParseLevel(opts.Level)
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if app := strings.TrimSpace(opts.App); app != "" {
		logger = logger.With().Str("app", app).Logger()
	}
	return logger
}

// Nop is used by components constructed without a logger.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
