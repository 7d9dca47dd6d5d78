// Package observability defines shared logging primitives.
package observability

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"strings"
	"sync"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for building a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Err wraps an error into a Field under the "error" key.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

var (
	loggerMu      sync.RWMutex
	defaultLogger Logger = noopLogger{}
)

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return noopLogger{}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// Level orders log severities for the std adapter.
type Level int

const (
	// LevelDebug emits everything.
	LevelDebug Level = iota
	// LevelInfo suppresses debug output.
	LevelInfo
	// LevelWarn emits warnings and errors.
	LevelWarn
	// LevelError emits errors only.
	LevelError
)

// ParseLevel converts a config string into a Level, defaulting to info.
func ParseLevel(raw string) Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug", "verbose":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

type stdLogger struct {
	logger *log.Logger
	level  Level
}

// NewStdLogger adapts a *log.Logger, rendering fields as key=value pairs.
func NewStdLogger(logger *log.Logger, level Level) Logger {
	if logger == nil {
		return noopLogger{}
	}
	return &stdLogger{logger: logger, level: level}
}

func (l *stdLogger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, "DEBUG", msg, fields) }
func (l *stdLogger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, "INFO", msg, fields) }
func (l *stdLogger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, "WARN", msg, fields) }
func (l *stdLogger) Error(msg string, fields ...Field) { l.emit(LevelError, "ERROR", msg, fields) }

func (l *stdLogger) emit(level Level, tag, msg string, fields []Field) {
	if level < l.level {
		return
	}
	var b strings.Builder
	b.WriteString(tag)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", f.Value)
	}
	l.logger.Print(b.String())
}

type slogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger adapts a *slog.Logger.
func NewSlogLogger(logger *slog.Logger) Logger {
	if logger == nil {
		return noopLogger{}
	}
	return &slogLogger{logger: logger}
}

func (l *slogLogger) Debug(msg string, fields ...Field) {
	l.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs(fields)...)
}

func (l *slogLogger) Info(msg string, fields ...Field) {
	l.logger.LogAttrs(context.Background(), slog.LevelInfo, msg, attrs(fields)...)
}

func (l *slogLogger) Warn(msg string, fields ...Field) {
	l.logger.LogAttrs(context.Background(), slog.LevelWarn, msg, attrs(fields)...)
}

func (l *slogLogger) Error(msg string, fields ...Field) {
	l.logger.LogAttrs(context.Background(), slog.LevelError, msg, attrs(fields)...)
}

func attrs(fields []Field) []slog.Attr {
	out := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, slog.String(f.Key, err.Error()))
			continue
		}
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}
