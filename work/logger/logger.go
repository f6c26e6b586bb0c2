package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger is a leveled logger instance. A Logger created with Named prefixes
// every message with its component, e.g. "[pip] ...".
type Logger struct {
	level     LogLevel
	component string
	out       *log.Logger
	parent    *Logger // level source for named loggers
	mu        sync.RWMutex
}

// New creates a new Logger instance with the specified level
func New(level string) *Logger {
	return &Logger{
		level: ParseLogLevel(level),
		out:   log.New(os.Stdout, "[KPTV-PLAYER] ", log.LstdFlags),
	}
}

// getDefaultLogger returns the singleton default logger
func getDefaultLogger() *Logger {
	once.Do(func() {
		defaultLogger = New("INFO")
	})
	return defaultLogger
}

// Default returns the process-wide logger used by the package-level functions.
func Default() *Logger {
	return getDefaultLogger()
}

// ParseLogLevel converts string to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLogLevel sets the global default log level (package-level)
func SetLogLevel(level string) {
	getDefaultLogger().SetLevel(level)
}

// SetOutput redirects the default logger, used by tests to silence output.
func SetOutput(w io.Writer) {
	l := getDefaultLogger()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.SetOutput(w)
}

// Named returns a child logger that shares the parent's output and follows
// its level, tagging messages with component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{component: component, out: l.out, parent: l}
}

// SetLevel sets this logger instance's level
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = ParseLogLevel(level)
}

// GetLevel returns this logger instance's level as string
func (l *Logger) GetLevel() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if name, ok := levelNames[l.level]; ok {
		return name
	}
	return "INFO"
}

// shouldLog checks if message should be logged at current level
func (l *Logger) shouldLog(level LogLevel) bool {
	if l.parent != nil {
		return l.parent.shouldLog(level)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func (l *Logger) logMessage(level LogLevel, format string, v ...interface{}) {
	if !l.shouldLog(level) {
		return
	}
	message := fmt.Sprintf(format, v...)
	if l.component != "" {
		l.out.Printf("[%s] [%s] %s", levelNames[level], l.component, message)
		return
	}
	l.out.Printf("[%s] %s", levelNames[level], message)
}

// Debug logs debug level messages
func (l *Logger) Debug(format string, v ...interface{}) {
	l.logMessage(DEBUG, format, v...)
}

// Info logs info level messages
func (l *Logger) Info(format string, v ...interface{}) {
	l.logMessage(INFO, format, v...)
}

// Warn logs warning level messages
func (l *Logger) Warn(format string, v ...interface{}) {
	l.logMessage(WARN, format, v...)
}

// Error logs error level messages
func (l *Logger) Error(format string, v ...interface{}) {
	l.logMessage(ERROR, format, v...)
}

// Debug logs debug level messages (package-level)
func Debug(format string, v ...interface{}) {
	getDefaultLogger().Debug(format, v...)
}

// Info logs info level messages (package-level)
func Info(format string, v ...interface{}) {
	getDefaultLogger().Info(format, v...)
}

// Warn logs warning level messages (package-level)
func Warn(format string, v ...interface{}) {
	getDefaultLogger().Warn(format, v...)
}

// Error logs error level messages (package-level)
func Error(format string, v ...interface{}) {
	getDefaultLogger().Error(format, v...)
}
