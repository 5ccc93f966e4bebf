// Package logging provides the log sink shared by all cfn-deploy components.
// Deployment progress is informational, recoverable streaming issues are
// warnings, and diagnostics (truncation detection, enrichment misses) are
// debug-level.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// Logger wraps a zap sugared logger with the three channels the
// deployment core emits on.
type Logger struct {
	s *zap.SugaredLogger
}

// New returns a console logger writing to stderr at the given level.
func New(level string) (*Logger, error) {
	var lvl zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "info", "":
		lvl = zapcore.InfoLevel
	case "warn", "warning":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("unknown log level %q (expected debug, info, warn, or error)", level)
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), lvl)
	return &Logger{s: zap.New(core).Sugar()}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{s: zap.NewNop().Sugar()}
}

// NewObserved returns a logger backed by an in-memory observer, for tests
// that assert on emitted warnings.
func NewObserved(lvl zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(lvl)
	return &Logger{s: zap.New(core).Sugar()}, logs
}

func (l *Logger) Info(format string, args ...any) {
	l.s.Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.s.Warnf(format, args...)
}

func (l *Logger) Debug(format string, args ...any) {
	l.s.Debugf(format, args...)
}

// Sync flushes buffered entries. Errors are ignored; stderr cannot
// usefully be synced on all platforms.
func (l *Logger) Sync() {
	_ = l.s.Sync()
}
