// Package logging provides the structured logging layer for Warden.
// It wraps zerolog with component-scoped loggers, optional file output,
// and a process-wide default instance for code paths that have no
// injected logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config configures the logger behavior.
type Config struct {
	// Level is the minimum level to log ("debug", "info", "warn", "error").
	Level string
	// FilePath is an optional path for persistent JSON logs.
	FilePath string
	// Console enables human-readable console output on stderr.
	Console bool
	// Caller includes file:line of the call site.
	Caller bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:   "info",
		Console: true,
	}
}

// VerboseConfig returns a configuration for verbose troubleshooting.
func VerboseConfig() *Config {
	return &Config{
		Level:   "debug",
		Console: true,
		Caller:  true,
	}
}

// Logger is the main logging instance for Warden. It is safe for
// concurrent use; With* methods return derived loggers and never
// mutate the receiver.
type Logger struct {
	z    zerolog.Logger
	file *os.File
}

// New creates a new Logger instance.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02 15:04:05.000",
		})
	}

	var file *os.File
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		file = f
		writers = append(writers, f)
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers...)
	}

	zctx := zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.Caller {
		zctx = zctx.Caller()
	}

	return &Logger{z: zctx.Logger(), file: file}, nil
}

// Close closes any open file handles.
func (l *Logger) Close() error {
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// WithComponent returns a derived logger with a component name attached.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{z: l.z.With().Str("component", name).Logger(), file: l.file}
}

// WithField returns a derived logger with an additional field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{z: l.z.With().Interface(key, value).Logger(), file: l.file}
}

// WithFields returns a derived logger with additional fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	zctx := l.z.With()
	for k, v := range fields {
		zctx = zctx.Interface(k, v)
	}
	return &Logger{z: zctx.Logger(), file: l.file}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...any) {
	l.z.Debug().Msgf(format, args...)
}

// Info logs an info message.
func (l *Logger) Info(format string, args ...any) {
	l.z.Info().Msgf(format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...any) {
	l.z.Warn().Msgf(format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...any) {
	l.z.Error().Msgf(format, args...)
}

// Err logs an error message with the error attached as a field.
func (l *Logger) Err(err error, format string, args ...any) {
	l.z.Error().Err(err).Msgf(format, args...)
}

// Trace logs entry into a function and returns a closure logging exit
// with the elapsed time. Intended for verbose troubleshooting only.
func (l *Logger) Trace(funcName string) func() {
	start := time.Now()
	l.z.Debug().Msgf("→ ENTER %s", funcName)
	return func() {
		l.z.Debug().Dur("took", time.Since(start)).Msgf("← EXIT  %s", funcName)
	}
}

// Zerolog exposes the underlying zerolog.Logger for callers that need
// the native event API.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.z
}

// ═══════════════════════════════════════════════════════════════════════════════
// GLOBAL LOGGER
// ═══════════════════════════════════════════════════════════════════════════════

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

func init() {
	globalLogger, _ = New(DefaultConfig())
}

// SetGlobal sets the global logger instance.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Global returns the global logger instance.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Debug logs a debug message using the global logger.
func Debug(format string, args ...any) { Global().Debug(format, args...) }

// Info logs an info message using the global logger.
func Info(format string, args ...any) { Global().Info(format, args...) }

// Warn logs a warning message using the global logger.
func Warn(format string, args ...any) { Global().Warn(format, args...) }

// Error logs an error message using the global logger.
func Error(format string, args ...any) { Global().Error(format, args...) }

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

// ParseLevel parses a string into a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
