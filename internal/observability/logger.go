// Package observability provides structured logging, correlation ID
// propagation, and OpenTelemetry tracing for the protection core.
package observability

import (
	"context"
	"io"
	"log/slog"
)

// Logger wraps slog.Logger with correlation ID support.
type Logger struct {
	*slog.Logger
}

// LoggerConfig contains configuration for the logger.
type LoggerConfig struct {
	Level      slog.Level
	Output     io.Writer
	AddSource  bool
	JSONFormat bool
}

// NewLogger creates a new structured logger.
func NewLogger(cfg LoggerConfig) *Logger {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.JSONFormat {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// WithCorrelationID returns a logger carrying the correlation ID from context.
func (l *Logger) WithCorrelationID(ctx context.Context) *Logger {
	id := CorrelationIDFromContext(ctx)
	if id == "" {
		return l
	}
	return &Logger{Logger: l.Logger.With("correlation_id", id)}
}

// WithComponent returns a logger scoped to a protection component.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name)}
}

// Slog returns the underlying slog.Logger for compatibility.
func (l *Logger) Slog() *slog.Logger {
	return l.Logger
}
