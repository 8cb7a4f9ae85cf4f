// Package logging provides the process-wide leveled logger. Console output
// stays minimal; the log file receives everything at or below the
// configured level, including per-exchange access lines.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents a logging level.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Logger writes to the console and optionally to a log file with
// different verbosity on each.
type Logger struct {
	fileLogger    *log.Logger
	consoleLogger *log.Logger
	logFile       *os.File
	enableDebug   bool
	level         Level
	mutex         sync.RWMutex
}

// Config holds logger configuration.
type Config struct {
	LogFile     string // path to log file, empty for console only
	EnableDebug bool
	Level       Level // minimum level written to the file
}

// NewLogger creates a logger.
func NewLogger(config Config) (*Logger, error) {
	logger := &Logger{
		enableDebug:   config.EnableDebug,
		level:         config.Level,
		consoleLogger: log.New(os.Stdout, "", 0),
	}

	if config.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(config.LogFile), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.logFile = file
		logger.fileLogger = log.New(file, "", log.LstdFlags|log.Lmicroseconds)

		// stdlib log users follow the file
		log.SetOutput(file)
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}

	return logger, nil
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.logFile != nil {
		return l.logFile.Close()
	}
	return nil
}

func (l *Logger) logToFile(level Level, format string, args ...interface{}) {
	if l.fileLogger != nil && level <= l.level {
		l.fileLogger.Printf("[%s] %s", level, fmt.Sprintf(format, args...))
	}
}

func (l *Logger) logToConsole(level Level, format string, args ...interface{}) {
	if level <= LevelInfo {
		timestamp := time.Now().Format("15:04:05")
		l.consoleLogger.Printf("[%s] %s", timestamp, fmt.Sprintf(format, args...))
	}
}

// Error logs an error message to both console and file.
func (l *Logger) Error(format string, args ...interface{}) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	l.logToFile(LevelError, format, args...)
	l.logToConsole(LevelError, format, args...)
}

// Warn logs a warning, file only unless debug is enabled.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	l.logToFile(LevelWarn, format, args...)
	if l.enableDebug {
		l.logToConsole(LevelWarn, format, args...)
	}
}

// Info logs an informational message to both console and file.
func (l *Logger) Info(format string, args ...interface{}) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	l.logToFile(LevelInfo, format, args...)
	l.logToConsole(LevelInfo, format, args...)
}

// Debug logs a debug message, file only and only when enabled.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	if l.enableDebug {
		l.logToFile(LevelDebug, format, args...)
	}
}

// Access logs one completed exchange: method, target, status, bytes and
// duration. File only, always on.
func (l *Logger) Access(method, target string, status int, bytes int64, took time.Duration) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	l.logToFile(LevelInfo, "[ACCESS] %s %s %d %d %s", method, target, status, bytes, took)
}

// Stats logs a statistics line, on the console too when essential.
func (l *Logger) Stats(essential bool, format string, args ...interface{}) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	l.logToFile(LevelInfo, "[STATS] "+format, args...)
	if essential {
		l.logToConsole(LevelInfo, format, args...)
	}
}

var globalLogger *Logger

// InitGlobalLogger initializes the process-wide logger.
func InitGlobalLogger(config Config) error {
	logger, err := NewLogger(config)
	if err != nil {
		return err
	}
	globalLogger = logger
	return nil
}

// GetGlobalLogger returns the process-wide logger, nil before init.
func GetGlobalLogger() *Logger {
	return globalLogger
}

// CloseGlobalLogger closes the process-wide logger.
func CloseGlobalLogger() error {
	if globalLogger != nil {
		return globalLogger.Close()
	}
	return nil
}

// Convenience functions for the process-wide logger.

func Error(format string, args ...interface{}) {
	if globalLogger != nil {
		globalLogger.Error(format, args...)
	}
}

func Warn(format string, args ...interface{}) {
	if globalLogger != nil {
		globalLogger.Warn(format, args...)
	}
}

func Info(format string, args ...interface{}) {
	if globalLogger != nil {
		globalLogger.Info(format, args...)
	}
}

func Debug(format string, args ...interface{}) {
	if globalLogger != nil {
		globalLogger.Debug(format, args...)
	}
}

func Access(method, target string, status int, bytes int64, took time.Duration) {
	if globalLogger != nil {
		globalLogger.Access(method, target, status, bytes, took)
	}
}

func Stats(essential bool, format string, args ...interface{}) {
	if globalLogger != nil {
		globalLogger.Stats(essential, format, args...)
	}
}
