// Package logger provides a standardized logging approach for the monzo service
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger levels
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Output formats
const (
	FormatJSON = "json"
	FormatText = "text"
)

// New creates a new structured logger with the given options
func New(opts ...Option) *slog.Logger {
	config := defaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	handlerOpts := &slog.HandlerOptions{
		Level: config.level,
	}

	var handler slog.Handler
	switch config.format {
	case FormatText:
		handler = slog.NewTextHandler(config.output, handlerOpts)
	default:
		handler = slog.NewJSONHandler(config.output, handlerOpts)
	}

	return slog.New(handler)
}

type config struct {
	level  slog.Level
	output io.Writer
	format string
}

func defaultConfig() *config {
	return &config{
		level:  LevelInfo,
		output: os.Stdout,
		format: FormatJSON,
	}
}

// Option configures the logger
type Option func(*config)

// WithLevel sets the minimum log level
func WithLevel(level slog.Level) Option {
	return func(c *config) {
		c.level = level
	}
}

// WithOutput sets the output writer
func WithOutput(w io.Writer) Option {
	return func(c *config) {
		c.output = w
	}
}

// WithFormat selects json or text output
func WithFormat(format string) Option {
	return func(c *config) {
		c.format = strings.ToLower(format)
	}
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// WithComponent returns a logger tagged with a component name
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", component)
}
