// Package log provides the logger used across pktt: a small interface over
// logrus, a pattern formatter and rotating file output.
package log

import (
	"sync"
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

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

var (
	once   sync.Once
	logger Logger = Nop
)

// GetLogger returns the process-wide logger set by Init, or Nop before Init.
func GetLogger() Logger {
	return logger
}

// Init builds the process-wide logger. Only the first call has an effect.
func Init(cfg *Config) error {
	var err error
	once.Do(func() {
		var l Logger
		l, err = New(cfg)
		if err == nil {
			logger = l
		}
	})
	return err
}

// Must returns l, or Nop when l is nil. Engine components take an explicit
// logger and use Must so a zero-value options struct stays usable.
func Must(l Logger) Logger {
	if l == nil {
		return Nop
	}
	return l
}
