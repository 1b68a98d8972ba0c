package logging

import "strings"

// Level represents a logging level
type Level int

const (
	// Log levels in order of increasing severity
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of a log level
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name into a Level. Names are case-insensitive;
// "warning" is accepted for warn.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error", "critical":
		return LevelError, nil
	default:
		return LevelInfo, ErrInvalidLevel
	}
}

// Logger defines the interface for logging operations
type Logger interface {
	// Basic logging
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})

	// Context operations
	With(args ...interface{}) Logger
	WithGroup(name string) Logger

	// Level operations
	SetLevel(level Level)
	GetLevel() Level
}

// Error types for logging operations
var (
	ErrInvalidLevel  = Error{"invalid log level"}
	ErrInvalidOutput = Error{"invalid output writer"}
)

// Error represents a logging error
type Error struct {
	Message string
}

func (e Error) Error() string {
	return e.Message
}
