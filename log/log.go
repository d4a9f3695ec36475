// Package log provides the single process-wide logging accessor used by
// every other package in this module. Nothing here ever constructs its own
// logger; callers configure one sink, and everyone else reads it back.
package log

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	mu      sync.Mutex
	logger  atomic.Value // *zap.SugaredLogger
)

func init() {
	logger.Store(zap.NewNop().Sugar())
}

// SetLogger installs l as the process-wide logger. Safe to call from any
// goroutine; takes effect for subsequent L() calls.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger.Store(l.Sugar())
}

// L returns the current sugared logger. Defaults to a no-op sink so library
// code never panics when the host process hasn't configured logging.
func L() *zap.SugaredLogger {
	return logger.Load().(*zap.SugaredLogger)
}
