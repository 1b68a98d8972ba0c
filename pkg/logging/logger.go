package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logger
type Options struct {
	// Level sets the minimum level to log
	Level Level
	// Format is "json" or "console" (default)
	Format string
	// Output sets the console destination (defaults to os.Stderr)
	Output io.Writer
	// AddCaller adds source code information to log messages
	AddCaller bool
	// Name is the root logger name
	Name string
	// File enables a rotated JSON log file alongside the console output
	File *FileOptions
}

// FileOptions configures the rotated log file
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ZapLogger implements Logger on top of a zap SugaredLogger. Loggers derived
// through With and WithGroup share the same level.
type ZapLogger struct {
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

// NewLogger creates a new logger with the given options
func NewLogger(opts *Options) *ZapLogger {
	if opts == nil {
		opts = &Options{Level: LevelInfo}
	}

	level := zap.NewAtomicLevelAt(toZapLevel(opts.Level))

	var console zapcore.WriteSyncer
	if opts.Output == nil {
		console = zapcore.Lock(os.Stderr)
	} else {
		console = zapcore.AddSync(opts.Output)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(newEncoder(opts.Format), console, level),
	}

	if opts.File != nil && opts.File.Path != "" {
		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File.Path,
			MaxSize:    opts.File.MaxSizeMB,
			MaxBackups: opts.File.MaxBackups,
			MaxAge:     opts.File.MaxAgeDays,
			Compress:   opts.File.Compress,
		})
		cores = append(cores, zapcore.NewCore(newEncoder("json"), fileWriter, level))
	}

	zopts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	if opts.AddCaller {
		zopts = append(zopts, zap.AddCaller(), zap.AddCallerSkip(1))
	}

	l := zap.New(zapcore.NewTee(cores...), zopts...)
	if opts.Name != "" {
		l = l.Named(opts.Name)
	}

	return &ZapLogger{sugar: l.Sugar(), level: level}
}

// NewNop returns a logger that discards everything
func NewNop() *ZapLogger {
	return &ZapLogger{
		sugar: zap.NewNop().Sugar(),
		level: zap.NewAtomicLevelAt(zapcore.InfoLevel),
	}
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if format == "json" {
		return zapcore.NewJSONEncoder(cfg)
	}
	return zapcore.NewConsoleEncoder(cfg)
}

func toZapLevel(l Level) zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func fromZapLevel(l zapcore.Level) Level {
	switch {
	case l <= zapcore.DebugLevel:
		return LevelDebug
	case l == zapcore.InfoLevel:
		return LevelInfo
	case l == zapcore.WarnLevel:
		return LevelWarn
	default:
		return LevelError
	}
}

func (l *ZapLogger) Debug(msg string, args ...interface{}) { l.sugar.Debugw(msg, args...) }
func (l *ZapLogger) Info(msg string, args ...interface{})  { l.sugar.Infow(msg, args...) }
func (l *ZapLogger) Warn(msg string, args ...interface{})  { l.sugar.Warnw(msg, args...) }
func (l *ZapLogger) Error(msg string, args ...interface{}) { l.sugar.Errorw(msg, args...) }

// With returns a logger with additional key-value pairs
func (l *ZapLogger) With(args ...interface{}) Logger {
	return &ZapLogger{sugar: l.sugar.With(args...), level: l.level}
}

// WithGroup returns a logger named after the component
func (l *ZapLogger) WithGroup(name string) Logger {
	return &ZapLogger{sugar: l.sugar.Named(name), level: l.level}
}

// SetLevel changes the level of this logger and all loggers derived from it
func (l *ZapLogger) SetLevel(level Level) {
	l.level.SetLevel(toZapLevel(level))
}

// GetLevel returns the current level
func (l *ZapLogger) GetLevel() Level {
	return fromZapLevel(l.level.Level())
}

// Sync flushes buffered entries
func (l *ZapLogger) Sync() error {
	return l.sugar.Sync()
}

// Zap exposes the underlying logger for libraries that take a *zap.Logger.
func (l *ZapLogger) Zap() *zap.Logger {
	return l.sugar.Desugar()
}
