// Package logger is the process-wide leveled log. Messages below the
// configured level are dropped before formatting.
package logger

import (
	"fmt"
	"log"
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

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger filters messages against a mutable level.
type Logger struct {
	mu    sync.RWMutex
	level LogLevel
}

// New returns a logger at the named level.
func New(level string) *Logger {
	return &Logger{level: ParseLogLevel(level)}
}

func getDefaultLogger() *Logger {
	once.Do(func() {
		defaultLogger = &Logger{level: INFO}
	})
	return defaultLogger
}

// ParseLogLevel maps a level name to its LogLevel. Unknown names mean INFO.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLogLevel changes the shared default logger's level.
func SetLogLevel(level string) {
	getDefaultLogger().SetLevel(level)
}

// GetLogLevel reports the shared default logger's level name.
func GetLogLevel() string {
	return getDefaultLogger().GetLevel()
}

// SetLevel changes the level at runtime; in-flight calls keep the old one.
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	l.level = ParseLogLevel(level)
	l.mu.Unlock()
}

// GetLevel reports the current level name.
func (l *Logger) GetLevel() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.level < DEBUG || l.level > ERROR {
		return "INFO"
	}
	return levelNames[l.level]
}

// logAt drops the message unless the level clears the filter, then hands the
// formatted line to the stdlib logger for its timestamp prefix.
func (l *Logger) logAt(level LogLevel, format string, v ...interface{}) {
	l.mu.RLock()
	enabled := level >= l.level
	l.mu.RUnlock()
	if !enabled {
		return
	}
	log.Printf("[%s] %s", levelNames[level], fmt.Sprintf(format, v...))
}

func (l *Logger) Debug(format string, v ...interface{}) { l.logAt(DEBUG, format, v...) }
func (l *Logger) Info(format string, v ...interface{})  { l.logAt(INFO, format, v...) }
func (l *Logger) Warn(format string, v ...interface{})  { l.logAt(WARN, format, v...) }
func (l *Logger) Error(format string, v ...interface{}) { l.logAt(ERROR, format, v...) }

// Package-level helpers write through the shared default logger.

func Debug(format string, v ...interface{}) { getDefaultLogger().Debug(format, v...) }
func Info(format string, v ...interface{})  { getDefaultLogger().Info(format, v...) }
func Warn(format string, v ...interface{})  { getDefaultLogger().Warn(format, v...) }
func Error(format string, v ...interface{}) { getDefaultLogger().Error(format, v...) }
