// Package xlog wires structured logging for every subsystem. It generalizes
// the teacher's log.Printf("SUBSYS: ...") prefix convention (see
// internal/entangle, internal/mq, internal/p2p in the reference app) into a
// zap.SugaredLogger named per subsystem.
package xlog

import (
	"go.uber.org/zap"
)

// New builds a development-mode logger: human-readable console output with
// capitalized (uncolored) level names, stack traces on Warn and above.
// Production CLIs should call NewProduction instead.
func New() *zap.SugaredLogger {
	l, err := zap.NewDevelopment()
	if err != nil {
		// zap.NewDevelopment only fails on a broken os.Stderr; fall back to
		// the guaranteed-safe no-op logger rather than panic at import time.
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

// NewProduction builds a JSON logger suitable for long-running services.
func NewProduction() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

// Nop returns a logger that discards everything, matching the teacher's
// nil-callback-means-no-op convention (e.g. entangle.New's onConnect/onDisconnect).
// Named falls back to it for a nil base.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// Named returns base.Named(name), or a fresh Nop-derived named logger if base
// is nil. cmd/goopmesh names each subsystem's logger through it; the
// mux/erpc/ebus constructors do not call it and take their logger argument
// as given, nil included.
func Named(base *zap.SugaredLogger, name string) *zap.SugaredLogger {
	if base == nil {
		base = Nop()
	}
	return base.Named(name)
}
