package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const timeFormat = "2006-01-02 15:04:05.000"

// Init installs the global zerolog logger. The level comes from LOG_LEVEL;
// without it only errors are shown so the terminal UI stays clean.
func Init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: timeFormat}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()

	level := zerolog.ErrorLevel
	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		level = ParseLevel(l, level)
	}
	zerolog.SetGlobalLevel(level)
}

// SetLevel changes the global level. Unknown names leave it untouched.
func SetLevel(name string) {
	zerolog.SetGlobalLevel(ParseLevel(name, zerolog.GlobalLevel()))
}

// ParseLevel maps a level name, including the deployment aliases, to a zerolog
// level.
func ParseLevel(name string, fallback zerolog.Level) zerolog.Level {
	switch name {
	case "trace":
		return zerolog.TraceLevel
	case "dev", "development", "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error", "production", "prod":
		return zerolog.ErrorLevel
	}
	return fallback
}

// Component returns a child of the global logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
