// Package logger provides structured logging with engine-scoped loggers
package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

const (
	badge      = "🎛"
	engineKey  = "engine"
	timeFormat = "15:04:05"
)

// Logger interface for abstracted logging
type Logger interface {
	Info(message string, fields ...Field)
	Error(message string, fields ...Field)
	Warn(message string, fields ...Field)
	Debug(message string, fields ...Field)
	Success(message string, fields ...Field)
	WithEngine(engine string) Logger
}

// Field represents a structured logging field
type Field struct {
	Key   string
	Value interface{}
}

// WithField creates a new field
func WithField(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// WithError creates an "error" field, omitting nil errors.
func WithError(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: "<nil>"}
	}
	return Field{Key: "error", Value: err.Error()}
}

// EngineLogger implements Logger over logrus with an optional engine scope
type EngineLogger struct {
	logger *logrus.Logger
	engine string
	mu     sync.RWMutex
}

// CustomFormatter renders one line per entry with an engine prefix and sorted fields
type CustomFormatter struct {
	TimestampFormat string
	DisableColors   bool
}

// Format implements logrus.Formatter
func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format(f.TimestampFormat)

	var levelColor *color.Color
	var levelText string

	switch entry.Level {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		levelColor = color.New(color.FgRed, color.Bold)
		levelText = "ERROR"
	case logrus.WarnLevel:
		levelColor = color.New(color.FgYellow, color.Bold)
		levelText = "WARN"
	case logrus.InfoLevel:
		levelColor = color.New(color.FgCyan)
		levelText = "INFO"
	default:
		levelColor = color.New(color.FgWhite, color.Faint)
		levelText = "DEBUG"
	}

	prefix := ""
	data := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		if k == engineKey {
			if f.DisableColors {
				prefix = fmt.Sprintf("[%v] ", v)
			} else {
				prefix = fmt.Sprintf("[%s] ", color.New(color.FgMagenta).Sprint(v))
			}
			continue
		}
		data[k] = v
	}

	level := levelText
	if !f.DisableColors {
		level = levelColor.Sprint(levelText)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s: %s%s", badge, timestamp, level, prefix, entry.Message)

	if len(data) > 0 {
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
		}
		fields := " {" + strings.Join(parts, ", ") + "}"
		if f.DisableColors {
			b.WriteString(fields)
		} else {
			b.WriteString(color.New(color.FgWhite, color.Faint).Sprint(fields))
		}
	}

	b.WriteByte('\n')
	return []byte(b.String()), nil
}

func newLogrus(logLevel string, disableColors bool) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&CustomFormatter{
		TimestampFormat: timeFormat,
		DisableColors:   disableColors,
	})
	return log
}

// CreateLogger creates a console logger, mirrored to logFile when set
func CreateLogger(logFile string, logLevel string) Logger {
	log := newLogrus(logLevel, false)
	log.SetOutput(os.Stderr)

	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			log.SetOutput(io.MultiWriter(os.Stderr, file))
		}
	}

	return &EngineLogger{logger: log}
}

// CreateLoggerWithOutput creates a logger with custom output (for testing)
func CreateLoggerWithOutput(logFile string, logLevel string, output io.Writer) Logger {
	log := newLogrus(logLevel, true)
	if output == nil {
		output = io.Discard
	}
	if logFile != "" {
		if file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			output = io.MultiWriter(output, file)
		}
	}
	log.SetOutput(output)

	return &EngineLogger{logger: log}
}

// Discard returns a logger that drops everything
func Discard() Logger {
	return CreateLoggerWithOutput("", "error", io.Discard)
}

// WithEngine creates a new logger scoped to an engine
func (l *EngineLogger) WithEngine(engine string) Logger {
	return &EngineLogger{
		logger: l.logger,
		engine: engine,
	}
}

func (l *EngineLogger) entry(fields []Field) *logrus.Entry {
	data := make(logrus.Fields, len(fields)+1)
	if l.engine != "" {
		data[engineKey] = l.engine
	}
	for _, f := range fields {
		data[f.Key] = f.Value
	}
	return l.logger.WithFields(data)
}

// Info logs an info message
func (l *EngineLogger) Info(message string, fields ...Field) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.entry(fields).Info(message)
}

// Error logs an error message
func (l *EngineLogger) Error(message string, fields ...Field) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.entry(fields).Error(message)
}

// Warn logs a warning message
func (l *EngineLogger) Warn(message string, fields ...Field) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.entry(fields).Warn(message)
}

// Debug logs a debug message
func (l *EngineLogger) Debug(message string, fields ...Field) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.entry(fields).Debug(message)
}

// Success logs a success message (info level with special formatting)
func (l *EngineLogger) Success(message string, fields ...Field) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.entry(fields).Info("✅ " + message)
}

// ConsoleLogger prints plain status lines for CLI output
type ConsoleLogger struct {
	out io.Writer
	err io.Writer
}

// NewConsoleLogger creates a console logger for CLI output
func NewConsoleLogger() *ConsoleLogger {
	return &ConsoleLogger{out: os.Stdout, err: os.Stderr}
}

// NewConsoleLoggerWithOutput creates a console logger writing to out and errOut
func NewConsoleLoggerWithOutput(out, errOut io.Writer) *ConsoleLogger {
	return &ConsoleLogger{out: out, err: errOut}
}

// Info prints info message
func (c *ConsoleLogger) Info(message string) {
	fmt.Fprintf(c.out, "%s %s %s\n", badge, color.CyanString("[Prototype]"), message)
}

// Error prints error message
func (c *ConsoleLogger) Error(message string) {
	fmt.Fprintf(c.err, "%s %s %s\n", badge, color.RedString("[Prototype]"), message)
}

// Warn prints warning message
func (c *ConsoleLogger) Warn(message string) {
	fmt.Fprintf(c.out, "%s %s %s\n", badge, color.YellowString("[Prototype]"), message)
}

// Success prints success message
func (c *ConsoleLogger) Success(message string) {
	fmt.Fprintf(c.out, "%s %s ✅ %s\n", badge, color.GreenString("[Prototype]"), message)
}
