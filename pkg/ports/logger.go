package ports

import (
	"errors"
	"fmt"
)

// ErrUnknownLogLevel is returned by ParseLogLevel for names it does not know.
var ErrUnknownLogLevel = errors.New("ports: unknown log level")

// LogLevel orders log messages by severity.
type LogLevel int

const (
	// LevelDebug covers per-frame and per-event messages.
	LevelDebug LogLevel = iota
	// LevelInfo covers the session lifecycle.
	LevelInfo
	// LevelWarn covers problems a session survives.
	LevelWarn
	// LevelError covers problems that end a session.
	LevelError
	// LevelQuiet suppresses all output.
	LevelQuiet
)

var levelNames = [...]string{
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
	LevelQuiet: "quiet",
}

func (l LogLevel) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return "unknown"
	}
	return levelNames[l]
}

// ParseLogLevel maps a level name to a LogLevel. An empty name means info.
func ParseLogLevel(s string) (LogLevel, error) {
	if s == "" {
		return LevelInfo, nil
	}
	for l, name := range levelNames {
		if name == s {
			return LogLevel(l), nil
		}
	}
	return LevelInfo, fmt.Errorf("%w %q", ErrUnknownLogLevel, s)
}

// Logger is the logging port. msg is a format string and also the key of its
// translation, so call sites pass constant strings.
type Logger interface {
	// Debug logs per-frame and per-event details.
	Debug(msg string, args ...interface{})

	// Info logs session lifecycle updates.
	Info(msg string, args ...interface{})

	// Warn logs problems the session survives.
	Warn(msg string, args ...interface{})

	// Error logs problems that end the session.
	Error(msg string, args ...interface{})

	// WithComponent returns a Logger that tags messages with component.
	WithComponent(component string) Logger
}
