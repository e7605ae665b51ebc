package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	// DEBUG level for per-event chatter (frames, polls, packets)
	DEBUG LogLevel = iota
	// INFO level for session lifecycle transitions
	INFO
	// WARN level for recoverable faults (degraded conversation, late sinks)
	WARN
	// ERROR level for failures surfaced to the caller
	ERROR
)

var (
	levelNames = map[LogLevel]string{
		DEBUG: "DEBUG",
		INFO:  "INFO",
		WARN:  "WARN",
		ERROR: "ERROR",
	}

	levelColors = map[LogLevel]string{
		DEBUG: "\033[36m", // Cyan
		INFO:  "\033[32m", // Green
		WARN:  "\033[33m", // Yellow
		ERROR: "\033[31m", // Red
	}
)

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LogLevel(%d)", int(l))
}

// ParseLevel maps a level name (case-insensitive, "WARNING" accepted) to a LogLevel
func ParseLevel(name string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO", "":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", name)
}

// Logger provides leveled, prefixed logging shared by all session components
type Logger struct {
	mu           *sync.RWMutex
	level        *LogLevel
	enableColors bool
	prefix       string
	stdLogger    *log.Logger
}

var (
	defaultLogger *Logger
	defaultMu     sync.Mutex
)

// New creates a new Logger instance
func New(level LogLevel, output io.Writer, enableColors bool, prefix string) *Logger {
	lvl := level
	return &Logger{
		mu:           &sync.RWMutex{},
		level:        &lvl,
		enableColors: enableColors,
		prefix:       prefix,
		stdLogger:    log.New(output, "", log.LstdFlags),
	}
}

// Discard returns a logger that drops everything, used by tests
func Discard() *Logger {
	return New(ERROR+1, io.Discard, false, "")
}

// Configure replaces the default logger.
// Environment variables override the arguments:
//   - LOG_LEVEL: DEBUG, INFO, WARN, ERROR
//   - LOG_COLOR: "false" or "0" disables colors
func Configure(levelName string, enableColors bool) error {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		levelName = env
	}
	level, err := ParseLevel(levelName)
	if err != nil {
		return err
	}
	if colorStr := os.Getenv("LOG_COLOR"); colorStr == "false" || colorStr == "0" {
		enableColors = false
	}

	defaultMu.Lock()
	defaultLogger = New(level, os.Stdout, enableColors, "")
	defaultMu.Unlock()
	return nil
}

// SetLevel changes the current log level. Child loggers created with
// WithPrefix share the level with their parent.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return *l.level
}

// IsLevelEnabled checks if a specific log level is enabled
func (l *Logger) IsLevelEnabled(level LogLevel) bool {
	return level >= l.GetLevel()
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	if !l.IsLevelEnabled(level) {
		return
	}

	msg := fmt.Sprintf(format, args...)
	levelName := levelNames[level]

	tag := "[" + levelName + "]"
	if l.enableColors {
		tag = levelColors[level] + tag + "\033[0m"
	}

	output := tag + " " + msg
	if l.prefix != "" {
		output = fmt.Sprintf("%s [%s] %s", tag, l.prefix, msg)
	}

	l.stdLogger.Output(3, output)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// WithPrefix creates a child logger. Nested prefixes are joined with "/",
// e.g. "Orchestrator/Bridge".
func (l *Logger) WithPrefix(prefix string) *Logger {
	if l.prefix != "" && prefix != "" {
		prefix = l.prefix + "/" + prefix
	}
	return &Logger{
		mu:           l.mu,
		level:        l.level,
		enableColors: l.enableColors,
		prefix:       prefix,
		stdLogger:    l.stdLogger,
	}
}

// Prefix returns the logger prefix
func (l *Logger) Prefix() string {
	return l.prefix
}

// Global convenience functions that use the default logger

// GetDefault returns the default logger instance
func GetDefault() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(INFO, os.Stdout, true, "")
	}
	return defaultLogger
}

// OrDefault returns l, or the default logger when l is nil
func OrDefault(l *Logger) *Logger {
	if l != nil {
		return l
	}
	return GetDefault()
}

// WithPrefix creates a new logger with a prefix from the default logger
func WithPrefix(prefix string) *Logger {
	return GetDefault().WithPrefix(prefix)
}

// Debug logs a debug message using the default logger
func Debug(format string, args ...interface{}) {
	GetDefault().log(DEBUG, format, args...)
}

// Info logs an info message using the default logger
func Info(format string, args ...interface{}) {
	GetDefault().log(INFO, format, args...)
}

// Warn logs a warning message using the default logger
func Warn(format string, args ...interface{}) {
	GetDefault().log(WARN, format, args...)
}

// Error logs an error message using the default logger
func Error(format string, args ...interface{}) {
	GetDefault().log(ERROR, format, args...)
}
