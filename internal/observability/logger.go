// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// NewStdLogger adapts a standard library logger to the Logger interface.
// Entries render as "LEVEL message key=value" on a single line.
func NewStdLogger(logger *log.Logger) Logger {
	if logger == nil {
		return noopLogger{}
	}
	return &stdLogger{logger: logger}
}

type stdLogger struct {
	logger *log.Logger
}

func (l *stdLogger) Debug(msg string, fields ...Field) { l.print("DEBUG", msg, fields) }
func (l *stdLogger) Info(msg string, fields ...Field)  { l.print("INFO", msg, fields) }
func (l *stdLogger) Error(msg string, fields ...Field) { l.print("ERROR", msg, fields) }

func (l *stdLogger) print(level, msg string, fields []Field) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, field := range fields {
		b.WriteByte(' ')
		b.WriteString(field.Key)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", field.Value)
	}
	l.logger.Print(b.String())
}
