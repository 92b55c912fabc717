package log

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

const (
	DefaultPattern = "%time [%level] %msg %field\n"
	DefaultTime    = "2006-01-02 15:04:05.000"
)

// LoggerConfig configures the global logger.
type LoggerConfig struct {
	Level   string
	Pattern string
	Time    string
	Output  string // stderr / stdout
	File    *FileOutput
}

type logrusAdapter struct {
	entry *logrus.Entry
}

func newDefault() Logger {
	l, _ := newLogrus(&LoggerConfig{Level: "info"}, os.Stderr)
	return l
}

func newLogrus(cfg *LoggerConfig, out io.Writer) (Logger, error) {
	pattern, ts := cfg.Pattern, cfg.Time
	if pattern == "" {
		pattern = DefaultPattern
	}
	if ts == "" {
		ts = DefaultTime
	}
	level := logrus.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = logrus.ParseLevel(cfg.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	l := logrus.New()
	l.SetFormatter(&formatter{pattern: pattern, time: ts})
	l.SetLevel(level)
	l.SetOutput(out)
	return &logrusAdapter{entry: logrus.NewEntry(l)}, nil
}

func (l *logrusAdapter) Trace(args ...any)                 { l.entry.Trace(args...) }
func (l *logrusAdapter) Tracef(format string, args ...any) { l.entry.Tracef(format, args...) }
func (l *logrusAdapter) Debug(args ...any)                 { l.entry.Debug(args...) }
func (l *logrusAdapter) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *logrusAdapter) Info(args ...any)                  { l.entry.Info(args...) }
func (l *logrusAdapter) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *logrusAdapter) Warn(args ...any)                  { l.entry.Warn(args...) }
func (l *logrusAdapter) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *logrusAdapter) Error(args ...any)                 { l.entry.Error(args...) }
func (l *logrusAdapter) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

func (l *logrusAdapter) WithField(key string, value any) Logger {
	return &logrusAdapter{entry: l.entry.WithField(key, value)}
}

func (l *logrusAdapter) WithFields(fields Fields) Logger {
	return &logrusAdapter{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *logrusAdapter) WithError(err error) Logger {
	return &logrusAdapter{entry: l.entry.WithError(err)}
}

func (l *logrusAdapter) IsTraceEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.TraceLevel)
}
func (l *logrusAdapter) IsDebugEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}
