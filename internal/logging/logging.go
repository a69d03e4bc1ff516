package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger. Components derive children from it.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Config holds logging configuration.
type Config struct {
	Level      string
	JSONOutput bool
	Output     io.Writer
}

// FromEnv maps LOG_LEVEL / LOG_FORMAT style values onto a Config.
func FromEnv(level, format string) Config {
	return Config{
		Level:      level,
		JSONOutput: strings.EqualFold(format, "json"),
	}
}

// Init initializes the global logger.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent creates a child logger with a component field.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithJob creates a child logger scoped to a single job.
func WithJob(component, jobID string, conversationID int64) zerolog.Logger {
	return Logger.With().
		Str("component", component).
		Str("job_id", jobID).
		Int64("conversation_id", conversationID).
		Logger()
}
