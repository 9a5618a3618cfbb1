// Package logging defines the minimal printf-style logging contract used
// across the engine, plus a small standard-error implementation.
package logging

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"sync"
)

// Logger defines a minimal, printf-style logging contract.
//
// Engine packages depend on this interface so embedders can route output to
// whatever sink they already run.
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

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// Level controls which records a component logger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var (
	defaultLevel   = LevelInfo
	defaultLevelMu sync.RWMutex
)

// SetDefaultLevel adjusts the threshold shared by all component loggers.
func SetDefaultLevel(level Level) {
	defaultLevelMu.Lock()
	defaultLevel = level
	defaultLevelMu.Unlock()
}

type componentLogger struct {
	component string
	sink      *log.Logger
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{
		component: component,
		sink:      log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

func (l *componentLogger) emit(level Level, tag, format string, args ...any) {
	defaultLevelMu.RLock()
	threshold := defaultLevel
	defaultLevelMu.RUnlock()
	if level < threshold {
		return
	}
	l.sink.Printf("[%s] [%s] %s", tag, l.component, fmt.Sprintf(format, args...))
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.emit(LevelDebug, "DEBUG", format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.emit(LevelInfo, "INFO", format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.emit(LevelWarn, "WARN", format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.emit(LevelError, "ERROR", format, args...)
}

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	switch len(flattened) {
	case 0:
		return Nop()
	case 1:
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
