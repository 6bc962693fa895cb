package logger

import (
	"context"

	pcontext "github.com/poltergeist/prototype/pkg/context"
)

// LoggerContext extends Logger with methods that pull load tracing fields from a context.
type LoggerContext interface {
	Logger
	InfoContext(ctx context.Context, message string, fields ...Field)
	ErrorContext(ctx context.Context, message string, fields ...Field)
	WarnContext(ctx context.Context, message string, fields ...Field)
	DebugContext(ctx context.Context, message string, fields ...Field)
}

var _ LoggerContext = (*EngineLogger)(nil)

// InfoContext logs an info message with context tracing
func (l *EngineLogger) InfoContext(ctx context.Context, message string, fields ...Field) {
	l.Info(message, append(ContextFields(ctx), fields...)...)
}

// ErrorContext logs an error message with context tracing
func (l *EngineLogger) ErrorContext(ctx context.Context, message string, fields ...Field) {
	l.Error(message, append(ContextFields(ctx), fields...)...)
}

// WarnContext logs a warning message with context tracing
func (l *EngineLogger) WarnContext(ctx context.Context, message string, fields ...Field) {
	l.Warn(message, append(ContextFields(ctx), fields...)...)
}

// DebugContext logs a debug message with context tracing
func (l *EngineLogger) DebugContext(ctx context.Context, message string, fields ...Field) {
	l.Debug(message, append(ContextFields(ctx), fields...)...)
}

// ContextFields extracts load_id, operation and elapsed time from ctx.
func ContextFields(ctx context.Context) []Field {
	if ctx == nil {
		return nil
	}

	var fields []Field
	if id, ok := pcontext.LoadID(ctx); ok {
		fields = append(fields, WithField("load_id", id))
	}
	if op, ok := pcontext.Operation(ctx); ok {
		fields = append(fields, WithField("operation", op))
	}
	if elapsed, ok := pcontext.Elapsed(ctx); ok {
		fields = append(fields, WithField("duration_ms", elapsed.Milliseconds()))
	}
	return fields
}

// WithContext returns a logger that adds the context fields to every entry
func WithContext(ctx context.Context, logger Logger) Logger {
	if ctx == nil {
		return logger
	}
	return &contextualLogger{ctx: ctx, logger: logger}
}

type contextualLogger struct {
	ctx    context.Context
	logger Logger
}

func (cl *contextualLogger) with(fields []Field) []Field {
	return append(ContextFields(cl.ctx), fields...)
}

func (cl *contextualLogger) Info(message string, fields ...Field) {
	cl.logger.Info(message, cl.with(fields)...)
}

func (cl *contextualLogger) Error(message string, fields ...Field) {
	cl.logger.Error(message, cl.with(fields)...)
}

func (cl *contextualLogger) Warn(message string, fields ...Field) {
	cl.logger.Warn(message, cl.with(fields)...)
}

func (cl *contextualLogger) Debug(message string, fields ...Field) {
	cl.logger.Debug(message, cl.with(fields)...)
}

func (cl *contextualLogger) Success(message string, fields ...Field) {
	cl.logger.Success(message, cl.with(fields)...)
}

func (cl *contextualLogger) WithEngine(engine string) Logger {
	return &contextualLogger{ctx: cl.ctx, logger: cl.logger.WithEngine(engine)}
}
