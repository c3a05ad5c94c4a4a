package server

import (
	"log"
	"sync/atomic"
)

// tracing turns on per-line command logging. It starts from --debug or
// MUD_DEBUG and operators flip it at runtime with @debug.
var tracing atomic.Bool

// SetTrace switches command tracing and reports the previous setting.
func SetTrace(on bool) (was bool) {
	was = tracing.Swap(on)
	if on && !was {
		log.Printf("[trace] command tracing on")
	}
	return was
}

// Tracing reports whether command tracing is on.
func Tracing() bool { return tracing.Load() }

func tracef(format string, args ...any) {
	if tracing.Load() {
		log.Printf("[trace] "+format, args...)
	}
}
