// Package log provides the process-wide structured logger.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	once    sync.Once
	base    *zap.Logger
	initErr error
)

// Init configures the process logger. development enables human-friendly
// console output and debug level; otherwise JSON output at info level is
// used for production deployments.
func Init(development bool) error {
	once.Do(func() {
		var cfg zap.Config
		if development {
			cfg = zap.NewDevelopmentConfig()
		} else {
			cfg = zap.NewProductionConfig()
		}
		base, initErr = cfg.Build()
	})
	return initErr
}

// Named returns a sugared logger scoped to component.
func Named(component string) *zap.SugaredLogger {
	if base == nil {
		// Fall back to a usable default so packages that forget to call
		// Init (notably tests) still get output instead of a nil panic.
		base, _ = zap.NewDevelopment()
		if base == nil {
			base = zap.NewNop()
		}
	}
	return base.Named(component).Sugar()
}

// Sync flushes buffered log entries. Call before process exit.
func Sync() {
	if base != nil {
		_ = base.Sync()
	}
}

func init() {
	if os.Getenv("KOHAKUHUB_LOG_DEV") == "true" {
		_ = Init(true)
	}
}
