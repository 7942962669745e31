package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ideamans/go-l10n"
	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"

	"github.com/user/framereader/pkg/ports"
)

// Config selects and configures a logger implementation.
type Config struct {
	Level      string // debug, info, warn, error, quiet
	Format     string // console, json, text
	Output     string // stdout, stderr or a file path (rotated)
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// StructuredLogger adapts a logrus entry to ports.Logger. The component name
// is carried as a field instead of a prefix.
type StructuredLogger struct {
	entry *logrus.Entry
}

// NewStructured builds a logrus-backed logger from cfg.
func NewStructured(cfg Config) (*StructuredLogger, error) {
	base := logrus.New()

	level, err := logrusLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	base.SetLevel(level)

	if cfg.Format == "json" {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	}

	out, err := openOutput(cfg)
	if err != nil {
		return nil, err
	}
	base.SetOutput(out)

	return &StructuredLogger{entry: logrus.NewEntry(base)}, nil
}

// NewStructuredEntry wraps an existing logrus entry.
func NewStructuredEntry(entry *logrus.Entry) *StructuredLogger {
	return &StructuredLogger{entry: entry}
}

func (l *StructuredLogger) Debug(msg string, args ...interface{}) {
	l.entry.Debug(l10n.F(msg, args...))
}

func (l *StructuredLogger) Info(msg string, args ...interface{}) {
	l.entry.Info(l10n.F(msg, args...))
}

func (l *StructuredLogger) Warn(msg string, args ...interface{}) {
	l.entry.Warn(l10n.F(msg, args...))
}

func (l *StructuredLogger) Error(msg string, args ...interface{}) {
	l.entry.Error(l10n.F(msg, args...))
}

// WithComponent returns a logger carrying a "component" field.
func (l *StructuredLogger) WithComponent(component string) ports.Logger {
	return &StructuredLogger{entry: l.entry.WithField("component", component)}
}

// WithField returns a logger carrying an extra field.
func (l *StructuredLogger) WithField(key string, value interface{}) *StructuredLogger {
	return &StructuredLogger{entry: l.entry.WithField(key, value)}
}

func logrusLevel(s string) (logrus.Level, error) {
	switch s {
	case "", "info":
		return logrus.InfoLevel, nil
	case "quiet":
		return logrus.PanicLevel, nil
	}
	level, err := logrus.ParseLevel(s)
	if err != nil {
		return 0, fmt.Errorf("invalid log level: %w", err)
	}
	return level, nil
}

func openOutput(cfg Config) (io.Writer, error) {
	switch cfg.Output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Output), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}, nil
}

// New returns the logger selected by cfg.Format. "console" (or empty) gives a
// ConsoleLogger; "json" and "text" give a StructuredLogger.
func New(cfg Config) (ports.Logger, error) {
	switch cfg.Format {
	case "", "console":
		level, err := ports.ParseLogLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		if cfg.Output == "" || cfg.Output == "stdout" {
			return NewConsole(level), nil
		}
		out, err := openOutput(cfg)
		if err != nil {
			return nil, err
		}
		return NewConsoleWriter(level, out), nil
	case "json", "text":
		return NewStructured(cfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

var _ ports.Logger = (*StructuredLogger)(nil)
