// Package log provides the logger used across the stack, a thin interface
// over logrus.
package log

import (
	"io"
	"sync"

	"firestige.xyz/netstack/internal/config"
)

type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})

	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	Panic(args ...interface{})
	Panicf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

var (
	once   sync.Once
	mu     sync.RWMutex
	logger Logger
)

// GetLogger returns the process logger. Before Init it logs at info level
// to stdout.
func GetLogger() Logger {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if logger == nil {
			logger = newAdapter(stdout(), defaultLevel, newFormatter(defaultPattern, defaultTime))
		}
	})
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Init builds a logger from cfg and installs it as the process logger.
func Init(cfg config.LogConfig) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	once.Do(func() {})
	mu.Lock()
	logger = l
	mu.Unlock()
	return nil
}

// Discard returns a logger that drops every record.
func Discard() Logger {
	return NewWriter(io.Discard, config.LogConfig{Level: "error"})
}
