package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Executors derive child loggers
// from it via the With* helpers rather than logging through it directly.
var Logger zerolog.Logger

// Level names accepted in configuration.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var levels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// zerolog returns the mapped zerolog level, defaulting to info for
// unknown names.
func (l Level) zerolog() zerolog.Level {
	if mapped, ok := levels[l]; ok {
		return mapped
	}
	return zerolog.InfoLevel
}

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// writer picks the sink Init logs to: the configured output (stdout by
// default), wrapped for human consumption unless JSON was requested.
func (cfg Config) writer() io.Writer {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.JSONOutput {
		return out
	}
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
}

// Init initializes the root logger.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level.zerolog())
	Logger = zerolog.New(cfg.writer()).With().Timestamp().Logger()
}

func with(key, value string) zerolog.Logger {
	return Logger.With().Str(key, value).Logger()
}

// WithComponent creates a child logger tagged with the component name.
func WithComponent(component string) zerolog.Logger {
	return with("component", component)
}

// WithPool creates a child logger tagged with the managed pool.
func WithPool(pool string) zerolog.Logger {
	return with("pool", pool)
}

// WithTrigger creates a child logger tagged with a trigger uuid.
func WithTrigger(uuid string) zerolog.Logger {
	return with("trigger_uuid", uuid)
}
