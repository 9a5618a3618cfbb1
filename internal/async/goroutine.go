// Package async starts background goroutines with panic containment so a
// misbehaving worker or reaper cannot crash the engine process.
package async

import (
	"runtime/debug"

	"weave/internal/logging"
)

// Go runs fn on its own goroutine. A panic in fn is logged under name and
// swallowed; the goroutine exits without taking the process down.
func Go(logger logging.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs a recovered panic with its stack. Nil loggers are safe.
func Recover(logger logging.Logger, name string) {
	r := recover()
	if r == nil {
		return
	}
	if name == "" {
		name = "goroutine"
	}
	logging.OrNop(logger).Error("panic in %s: %v\n%s", name, r, debug.Stack())
}
