// Package log provides simple level logging for the archive writer
// pipeline. It exists for one reason: the readiness protocol (§6) reserves
// stdout for the single "Ready\n" line, so every diagnostic message in this
// module — including the ones the NBD server is required to emit on a
// malformed or unrecognized request — must go to stderr instead of through
// the standard library's default log.Logger, which writes there already but
// offers no level gating. This package is a small leveled wrapper over it.
package log

import (
	"fmt"
	stdlog "log"
	"os"
)

// Level selects which messages reach the underlying logger.
type Level int

const (
	// Error is always logged.
	Error Level = iota
	// Info logs operational notices (e.g. the end of the vmstate phase).
	Info
	// Debug logs per-write chatter; off by default.
	Debug
)

var (
	level  = Info
	logger = stdlog.New(os.Stderr, "", stdlog.LstdFlags)
)

// SetLevel adjusts the minimum level that reaches output.
func SetLevel(l Level) {
	level = l
}

func output(l Level, s string) {
	if l > level {
		return
	}
	logger.Output(3, s) //nolint:errcheck
}

// Errorf logs at Error level.
func Errorf(format string, args ...interface{}) {
	output(Error, fmt.Sprintf(format, args...))
}

// Infof logs at Info level.
func Infof(format string, args ...interface{}) {
	output(Info, fmt.Sprintf(format, args...))
}

// Debugf logs at Debug level.
func Debugf(format string, args ...interface{}) {
	output(Debug, fmt.Sprintf(format, args...))
}
