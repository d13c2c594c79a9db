package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

var (
	rootInstance *fileLogger
	rootOnce     sync.Once
)

// fileLogger writes component-prefixed lines to relay-debug.log and stderr.
type fileLogger struct {
	mu        sync.Mutex
	out       io.Writer
	file      *os.File
	level     LogLevel
	component string
}

func root() *fileLogger {
	rootOnce.Do(func() {
		rootInstance = newFileLogger(levelFromEnv())
	})
	return rootInstance
}

func newFileLogger(level LogLevel) *fileLogger {
	l := &fileLogger{out: os.Stderr, level: level}

	path := strings.TrimSpace(os.Getenv("RELAY_LOG_FILE"))
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return l
		}
		path = filepath.Join(home, "relay-debug.log")
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("Failed to open log file %s: %v", path, err)
		return l
	}
	l.file = file
	return l
}

func levelFromEnv() LogLevel {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("RELAY_LOG_LEVEL"))) {
	case "debug":
		return DEBUG
	case "warn":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	base := root()
	return &fileLogger{
		out:       base.out,
		file:      base.file,
		level:     base.level,
		component: component,
	}
}

// SetLevel sets the minimum log level for the process-wide logger.
func SetLevel(level LogLevel) {
	base := root()
	base.mu.Lock()
	base.level = level
	base.mu.Unlock()
}

func (l *fileLogger) log(level LogLevel, format string, args ...any) {
	if level < l.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	component := l.component
	if component == "" {
		component = "RELAY"
	}

	// Format: 2025-09-30 12:34:56 [INFO] [Component] file.go:123 - Message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		timestamp, levelToString(level), component, file, line, message)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_, _ = l.file.WriteString(logLine)
	}
	_, _ = io.WriteString(l.out, logLine)
}

func (l *fileLogger) Debug(format string, args ...any) {
	l.log(DEBUG, format, args...)
}

func (l *fileLogger) Info(format string, args ...any) {
	l.log(INFO, format, args...)
}

func (l *fileLogger) Warn(format string, args ...any) {
	l.log(WARN, format, args...)
}

func (l *fileLogger) Error(format string, args ...any) {
	l.log(ERROR, format, args...)
}

func levelToString(level LogLevel) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
