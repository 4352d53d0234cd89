package log

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// Default pattern and time layout.
const (
	DefaultPattern = "%time [%level] %caller: %msg%field%n"
	DefaultTime    = "2006-01-02 15:04:05.000"
)

// Config describes a logger.
type Config struct {
	Level     string           `mapstructure:"level"`
	Pattern   string           `mapstructure:"pattern"`
	Time      string           `mapstructure:"time"`
	Caller    bool             `mapstructure:"caller"`
	Appenders []AppenderConfig `mapstructure:"appenders"`
}

// AppenderConfig selects one output. Options are decoded per type, see
// ConsoleAppenderOpt and FileAppenderOpt.
type AppenderConfig struct {
	Type    string                 `mapstructure:"type"` // console | file
	Options map[string]interface{} `mapstructure:"options"`
}

type logrusAdapter struct {
	entry *logrus.Entry
}

// New builds a logger from cfg without touching the process-wide one.
func New(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	l := logrus.New()
	pattern, layout := cfg.Pattern, cfg.Time
	if pattern == "" {
		pattern = DefaultPattern
	}
	if layout == "" {
		layout = DefaultTime
	}
	l.SetFormatter(&formatter{pattern: pattern, time: layout})

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	l.SetReportCaller(cfg.Caller)

	out, err := buildOutput(cfg.Appenders)
	if err != nil {
		return nil, err
	}
	l.SetOutput(out)

	return &logrusAdapter{entry: logrus.NewEntry(l)}, nil
}

// NewWithWriter builds a logger writing to w, mostly for tests and the CLI
// summary output.
func NewWithWriter(w io.Writer, level string) Logger {
	l := logrus.New()
	l.SetFormatter(&formatter{pattern: DefaultPattern, time: DefaultTime})
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		lv = logrus.InfoLevel
	}
	l.SetLevel(lv)
	l.SetOutput(w)
	return &logrusAdapter{entry: logrus.NewEntry(l)}
}

func buildOutput(appenders []AppenderConfig) (io.Writer, error) {
	mw := NewMultiWriter()
	if len(appenders) == 0 {
		return mw.AddConsoleAppender(ConsoleAppenderOpt{}), nil
	}
	for _, a := range appenders {
		switch a.Type {
		case "", "console":
			var opt ConsoleAppenderOpt
			if err := decodeOptions(a.Options, &opt); err != nil {
				return nil, err
			}
			mw.AddConsoleAppender(opt)
		case "file":
			var opt FileAppenderOpt
			if err := decodeOptions(a.Options, &opt); err != nil {
				return nil, err
			}
			if opt.Filename == "" {
				return nil, fmt.Errorf("file appender requires options.filename")
			}
			mw.AddFileAppender(opt)
		default:
			return nil, fmt.Errorf("unknown log appender type %q", a.Type)
		}
	}
	return mw, nil
}

func (l *logrusAdapter) Print(args ...interface{})                 { l.entry.Print(args...) }
func (l *logrusAdapter) Printf(format string, args ...interface{}) { l.entry.Printf(format, args...) }

func (l *logrusAdapter) Trace(args ...interface{})                 { l.entry.Trace(args...) }
func (l *logrusAdapter) Tracef(format string, args ...interface{}) { l.entry.Tracef(format, args...) }

func (l *logrusAdapter) Debug(args ...interface{})                 { l.entry.Debug(args...) }
func (l *logrusAdapter) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }

func (l *logrusAdapter) Info(args ...interface{})                 { l.entry.Info(args...) }
func (l *logrusAdapter) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }

func (l *logrusAdapter) Warn(args ...interface{})                 { l.entry.Warn(args...) }
func (l *logrusAdapter) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }

func (l *logrusAdapter) Error(args ...interface{})                 { l.entry.Error(args...) }
func (l *logrusAdapter) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusAdapter) WithField(field string, value interface{}) Logger {
	return &logrusAdapter{entry: l.entry.WithField(field, value)}
}
func (l *logrusAdapter) WithFields(fields map[string]interface{}) Logger {
	return &logrusAdapter{entry: l.entry.WithFields(fields)}
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
func (l *logrusAdapter) IsInfoEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.InfoLevel)
}
