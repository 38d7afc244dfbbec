// internal/logging/logger.go
// Package logging provides a thin global wrapper around zap.Logger so that
// packages deep inside the gateway can log without threading a logger through
// every constructor.
//
// Components log through Named("bridge"), Named("router") etc. so one zap
// config yields per-subsystem scoping.  Whether a real logger has been
// installed is tracked with an explicit flag rather than by comparing
// against a nop instance; Initialised therefore stays correct even when a
// test installs zap.NewNop() on purpose.
package logging

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	l   atomic.Pointer[zap.Logger]
	set atomic.Bool
)

// Set installs the given zap.Logger as the global logger.  Calling Set more
// than once overwrites the previous logger; this is useful in tests.  A nil
// input silently downgrades to zap.NewNop() and does not count as
// initialisation.
func Set(logger *zap.Logger) {
	if logger == nil {
		l.Store(zap.NewNop())
		return
	}
	l.Store(logger)
	set.Store(true)
}

// Logger returns the globally registered *zap.Logger, or a nop logger when
// none has been set so callers never need to nil-check.
func Logger() *zap.Logger {
	if logger := l.Load(); logger != nil {
		return logger
	}
	nop := zap.NewNop()
	l.Store(nop)
	return nop
}

// Named returns the global logger scoped to a gateway subsystem, e.g.
// Named("bridge") prefixes entries with the component name.
func Named(name string) *zap.Logger { return Logger().Named(name) }

// Sugar is shorthand for Logger().Sugar().
func Sugar() *zap.SugaredLogger { return Logger().Sugar() }

// Initialised reports whether Set has been called with a real logger.  The
// CLI uses it to make logger setup idempotent across nested commands.
func Initialised() bool { return set.Load() }
