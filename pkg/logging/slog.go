// Package logging builds configured log/slog loggers for the platform
// service, with optional rotation to a file via lumberjack.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how a logger should be built. It mirrors the LOG_*
// environment variables documented in the external interfaces table.
type Config struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	Output string `yaml:"output"` // stdout, stderr, file
	File   string `yaml:"file,omitempty"`
}

// NewLogger creates a configured slog.Logger tagged with the service name.
func NewLogger(serviceName string, config Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(config.Level)}

	writer := createWriter(config)

	var handler slog.Handler
	if strings.ToLower(config.Format) == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	logger := slog.New(handler)
	return logger.With("service", serviceName)
}

// NewLoggerWithContext creates a logger with default fields attached.
func NewLoggerWithContext(serviceName string, config Config, fields map[string]any) *slog.Logger {
	logger := NewLogger(serviceName, config)

	if len(fields) > 0 {
		var args []any
		for key, value := range fields {
			args = append(args, key, value)
		}
		return logger.With(args...)
	}

	return logger
}

// ContextLogger extracts well-known request-scoped values from ctx and
// attaches them to logger, if present.
func ContextLogger(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if requestID := ctx.Value("request_id"); requestID != nil {
		logger = logger.With("request_id", requestID)
	}
	if sessionID := ctx.Value("session_id"); sessionID != nil {
		logger = logger.With("session_id", sessionID)
	}
	if roomID := ctx.Value("room_id"); roomID != nil {
		logger = logger.With("room_id", roomID)
	}
	if gameID := ctx.Value("game_id"); gameID != nil {
		logger = logger.With("game_id", gameID)
	}

	return logger
}

// NewComponentLogger creates a logger tagged with both service and component.
func NewComponentLogger(serviceName, componentName string, config Config) *slog.Logger {
	return NewLoggerWithContext(serviceName, config, map[string]any{
		"component": componentName,
	})
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func createWriter(config Config) io.Writer {
	switch strings.ToLower(config.Output) {
	case "stdout", "":
		return os.Stdout
	case "stderr":
		return os.Stderr
	case "file":
		if config.File == "" {
			fmt.Fprintf(os.Stderr, "Warning: LOG_OUTPUT=file but no path configured, falling back to stdout\n")
			return os.Stdout
		}
		return createFileWriter(config.File)
	default:
		fmt.Fprintf(os.Stderr, "Warning: unknown LOG_OUTPUT %q, falling back to stdout\n", config.Output)
		return os.Stdout
	}
}

// createFileWriter creates a rotating file writer via lumberjack. Size/age
// limits are fixed rather than configurable — this service logs at a volume
// where the defaults are adequate and a second layer of knobs isn't worth it.
func createFileWriter(path string) io.Writer {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to create log directory (%v), falling back to stdout\n", err)
		return os.Stdout
	}

	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
}

// NewLoggerBasic creates a logger from bare string parameters, for callers
// that haven't loaded a full Config yet (e.g. early startup logging).
func NewLoggerBasic(serviceName, level, format, output, file string) *slog.Logger {
	return NewLogger(serviceName, Config{
		Level:  level,
		Format: format,
		Output: output,
		File:   file,
	})
}
