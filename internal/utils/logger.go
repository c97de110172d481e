package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// LogLevel represents an enumeration of log levels
type LogLevel int

const (
	Error   LogLevel = 40
	Warning LogLevel = 30
	Info    LogLevel = 20
	Debug   LogLevel = 10
)

var (
	defaultMu     sync.RWMutex
	defaultLevel  = Info
	defaultOutput io.Writer = os.Stderr
)

// ParseLogLevel maps a textual level (debug, info, warn, error) to a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return Info, nil
	case "debug", "trace":
		return Debug, nil
	case "warn", "warning":
		return Warning, nil
	case "error":
		return Error, nil
	default:
		return Info, fmt.Errorf("invalid log level %q", s)
	}
}

// SetDefaultLevel sets the level used by loggers created afterwards.
func SetDefaultLevel(level LogLevel) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLevel = level
}

// SetDefaultOutput redirects loggers created afterwards.
func SetDefaultOutput(w io.Writer) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultOutput = w
}

// Logger provides structured logging with context
type Logger struct {
	prefix string
	logger *log.Logger
}

// NewLogger creates a new logger with a given prefix
func NewLogger(prefix string, logLevel ...LogLevel) *Logger {
	defaultMu.RLock()
	level, out := defaultLevel, defaultOutput
	defaultMu.RUnlock()
	if len(logLevel) > 0 {
		level = logLevel[0]
	}
	return NewLoggerTo(out, prefix, level)
}

// NewLoggerTo creates a logger writing to w.
func NewLoggerTo(w io.Writer, prefix string, level LogLevel) *Logger {
	l := log.NewWithOptions(w, log.Options{
		Prefix:          prefix,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	l.SetLevel(toCharmLevel(level))
	return &Logger{prefix: prefix, logger: l}
}

// With returns a child logger that always carries keyvals.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{prefix: l.prefix, logger: l.logger.With(keyvals...)}
}

// Info logs an informational message
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func toCharmLevel(level LogLevel) log.Level {
	switch {
	case level >= Error:
		return log.ErrorLevel
	case level >= Warning:
		return log.WarnLevel
	case level >= Info:
		return log.InfoLevel
	default:
		return log.DebugLevel
	}
}
