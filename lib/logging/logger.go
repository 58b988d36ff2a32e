// Package logging provides logging utilities for the engine
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// engineLogger implements the ILogger interface with custom formatting
type engineLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *engineLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *engineLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *engineLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *engineLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *engineLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *engineLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

// log formats and writes a log message. this internal helper is used by the public methods
func (l *engineLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-15s | %s", levelStr, l.name, message)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger implements the Factory interface
func CreateLogger(pkgName string) logger.ILogger {
	// Create standard logger with custom flags
	stdLogger := log.New(os.Stdout, "", log.Ldate|log.Ltime)

	return &engineLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: stdLogger,
	}
}

// GetLogger returns the named logger for a package.
// The first call installs the custom factory for all loggers.
func GetLogger(pkgName string) logger.ILogger {
	initFactory()
	return logger.GetLogger(pkgName)
}

var factoryOnce sync.Once

func initFactory() {
	factoryOnce.Do(func() {
		logger.SetLoggerFactory(CreateLogger)
	})
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// InitLoggers initializes all engine loggers with the custom format and the given level
func InitLoggers(level string) error {
	initFactory()

	parsed, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	for _, name := range []string{"bucket", "pager", "executor", "mem", "config"} {
		logger.GetLogger(name).SetLevel(parsed)
	}
	return nil
}
