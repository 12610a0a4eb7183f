// Package vmaerr implements the error taxonomy used across the archive
// writer pipeline. Every error the Encoder, the Alignment Buffer, and the
// NBD server can raise carries a Kind so callers can branch on the failure
// class without string matching, and a Severity that records whether the
// condition is ever worth retrying (for this system, never: all kinds are
// Fatal, but the field is kept so the taxonomy generalizes the way the
// originating package's did).
package vmaerr

import (
	"fmt"
	"strings"
)

// Kind classifies the failure. The set is closed and small: this package
// backs a single binary-format writer, not a general RPC surface.
type Kind int

const (
	// Other is the zero value: an unclassified error.
	Other Kind = iota
	// InvalidState means an API was called in the wrong phase (e.g.
	// DeclareStream after the first Write).
	InvalidState
	// ProtocolError means the NBD wire framing did not match the contract
	// (bad magic, short read, unknown command type, unknown export).
	ProtocolError
	// NonSequentialWrite means a producer violated the per-stream
	// offset-monotonicity precondition of the Alignment Buffer.
	NonSequentialWrite
	// Overflow means a fixed-size table (streams, configs, blob pool)
	// would exceed its addressable capacity.
	Overflow
	// IOError means the underlying sink or socket failed.
	IOError
)

var kinds = map[Kind]string{
	Other:              "unknown error",
	InvalidState:       "invalid state",
	ProtocolError:      "protocol error",
	NonSequentialWrite: "non-sequential write",
	Overflow:           "overflow",
	IOError:            "I/O error",
}

// String returns a human-readable name for k.
func (k Kind) String() string {
	if s, ok := kinds[k]; ok {
		return s
	}
	return "unknown error"
}

// Severity records how an error-producing operation should be treated by a
// caller that might consider retrying. This pipeline never retries, so in
// practice every Error constructed here is Fatal; the field exists so the
// type doesn't need to change shape if that ever stops being true.
type Severity int

const (
	// Unknown is the default: no severity was specified.
	Unknown Severity = 0
	// Fatal means the underlying condition is unrecoverable.
	Fatal Severity = 1
)

// Error is the standard error type used throughout this module. Errors are
// constructed with E, which interprets its arguments by type: a Kind sets
// the classification, a Severity overrides the default, strings build the
// message, and an error sets the cause.
type Error struct {
	Kind     Kind
	Severity Severity
	Message  string
	Err      error
}

// E constructs an *Error from args, interpreted by type:
//
//   - Kind sets the Kind
//   - Severity sets the Severity
//   - string arguments are joined with a space to form the Message
//   - error sets the underlying cause (Err)
//
// If no Kind is given but the wrapped error is itself an *Error, the Kind
// is inherited from it.
func E(args ...interface{}) error {
	e := &Error{}
	var msgs []string
	for _, arg := range args {
		switch v := arg.(type) {
		case Kind:
			e.Kind = v
		case Severity:
			e.Severity = v
		case string:
			msgs = append(msgs, v)
		case *Error:
			e.Err = v
			if e.Kind == Other {
				e.Kind = v.Kind
			}
		case error:
			e.Err = v
		default:
			msgs = append(msgs, fmt.Sprintf("%v", v))
		}
	}
	e.Message = strings.Join(msgs, " ")
	if e.Severity == Unknown {
		e.Severity = Fatal
	}
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether err (or any error it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		break
	}
	return false
}
