// Package log is the process-wide structured logger, backed by logrus.
//
// Log lines go to stderr by default so they never mix with transaction
// records printed on stdout.
package log

import (
	"io"
	"sync"
)

// Fields are structured key/value pairs attached to a log line.
type Fields map[string]any

type Logger interface {
	Trace(args ...any)
	Tracef(format string, args ...any)

	Debug(args ...any)
	Debugf(format string, args ...any)

	Info(args ...any)
	Infof(format string, args ...any)

	Warn(args ...any)
	Warnf(format string, args ...any)

	Error(args ...any)
	Errorf(format string, args ...any)

	WithField(key string, value any) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
}

var (
	once   sync.Once
	mu     sync.RWMutex
	logger Logger = newDefault()
	closer io.Closer
)

// GetLogger returns the global logger. Before Init it logs at info level
// to stderr with the default pattern.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Init configures the global logger. Only the first call has an effect.
func Init(cfg *LoggerConfig) error {
	var err error
	once.Do(func() {
		var (
			out io.Writer
			c   io.Closer
			l   Logger
		)
		if out, c, err = openOutput(cfg); err != nil {
			return
		}
		if l, err = newLogrus(cfg, out); err != nil {
			if c != nil {
				c.Close()
			}
			return
		}
		mu.Lock()
		logger, closer = l, c
		mu.Unlock()
	})
	return err
}

// Close closes the log file, if any. Later lines still reach the console.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if closer == nil {
		return nil
	}
	err := closer.Close()
	closer = nil
	return err
}
