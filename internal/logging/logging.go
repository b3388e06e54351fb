// Package logging provides the kernel's structured logger, built on
// go.uber.org/zap. Categories map to named child loggers so operators can
// filter by subsystem (approval, grants, flow, sandbox, scheduler, ...)
// the same way the upstream tooling filters by log category.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu      sync.RWMutex
	base    *zap.Logger = zap.NewNop()
	named   = make(map[string]*zap.Logger)
)

// Init installs the process-wide base logger. verbose enables debug level
// (mirrors RUMI_DIAGNOSTICS_VERBOSE).
func Init(verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}

	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}

	mu.Lock()
	base = l
	named = make(map[string]*zap.Logger)
	mu.Unlock()
}

// For returns the logger for a named subsystem ("approval", "grants",
// "flow", "modifier", "kernel", "scheduler", "sandbox", "uds", ...).
func For(category string) *zap.Logger {
	mu.RLock()
	if l, ok := named[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := named[category]; ok {
		return l
	}
	l := base.Named(category)
	named[category] = l
	return l
}

// Sync flushes any buffered log entries. Call on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
	for _, l := range named {
		_ = l.Sync()
	}
}

func init() {
	// Safe default until Init() is called explicitly by the CLI entrypoint,
	// so library code and tests can log without panicking.
	if os.Getenv("RUMI_DIAGNOSTICS_VERBOSE") != "" {
		Init(true)
	} else {
		Init(false)
	}
}
