package tlsio

import "go.uber.org/zap"

// newNopLogger is used when a Connection is constructed without an explicit
// logger (Config carries none), so every call site can log unconditionally
// instead of nil-checking, matching the style of the teacher's package-wide
// logf helper (not present in the retrieved files, but implied by every
// call site in client-state-machine.go) upgraded to structured logging.
func newNopLogger() *zap.Logger {
	return zap.NewNop()
}
