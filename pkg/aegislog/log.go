// Package aegislog provides structured logging for the coordination core
// using zerolog, with a single global base logger and child loggers
// scoped to the (service, instance) and (service, group) pairs that every
// log line in this domain actually belongs to.
package aegislog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is a logging verbosity level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how the global logger is initialized.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Logger is the global base logger, configured via Init.
var Logger zerolog.Logger

func init() {
	Init(Config{Level: InfoLevel, JSONOutput: true})
}

// Init (re)configures the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent scopes a child logger to a named component (e.g. "election", "registry").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithService scopes a child logger to a service name.
func WithService(service string) zerolog.Logger {
	return Logger.With().Str("service", service).Logger()
}

// WithInstance scopes a child logger to a (service, instance) pair.
func WithInstance(service, instance string) zerolog.Logger {
	return Logger.With().Str("service", service).Str("instance_id", instance).Logger()
}

// WithGroup scopes a child logger to a (service, group) election scope.
func WithGroup(service, group string) zerolog.Logger {
	return Logger.With().Str("service", service).Str("group", group).Logger()
}
