// Package log is a thin process-wide wrapper around zap, logging structured
// key/value pairs the way the rest of the daemon calls it:
// log.Debug("daemon started", "socket", socketPath, "pid", pid).
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level selects the minimum severity that reaches the sink.
type Level int

const (
	LevelInfo Level = iota
	LevelVerbose
)

var (
	mu     sync.RWMutex
	sugar  = zap.NewNop().Sugar()
	synced bool
)

// Setup installs the process-wide logger at the given level. Safe to call
// more than once; the most recent call wins.
func Setup(level Level) {
	zapLevel := zapcore.InfoLevel
	if level == LevelVerbose {
		zapLevel = zapcore.DebugLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		DisableCaller:    true,
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return
	}

	mu.Lock()
	sugar = logger.Sugar()
	synced = true
	mu.Unlock()
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// Debug logs at debug level. No-op unless Setup(LevelVerbose) was called.
func Debug(msg string, keysAndValues ...interface{}) { get().Debugw(msg, keysAndValues...) }

// Info logs at info level.
func Info(msg string, keysAndValues ...interface{}) { get().Infow(msg, keysAndValues...) }

// Warn logs at warn level.
func Warn(msg string, keysAndValues ...interface{}) { get().Warnw(msg, keysAndValues...) }

// Error logs at error level.
func Error(msg string, keysAndValues ...interface{}) { get().Errorw(msg, keysAndValues...) }

// Sync flushes any buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if synced {
		_ = sugar.Sync()
	}
}
