// error taxonomy shared across the parser, the connection dispatcher and
// the listener, so callers can tell a malformed record apart from a dead
// socket apart from a misconfigured bind string.
package ferrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind distinguishes the handful of failure shapes this server produces.
type Kind int

const (
	// IOFailure is a socket-level read/write/bind error.
	IOFailure Kind = iota
	// SegmentViolation is a malformed record: wrong content length for its
	// type, a name/value length prefix that runs past the buffer, or a
	// record arriving out of the protocol's required order.
	SegmentViolation
	// UnknownRole is a BEGIN_REQUEST naming a role with no registered
	// handler factory.
	UnknownRole
	// StreamClosed is a write after close, or a read against a stream
	// that closed without ever becoming ready.
	StreamClosed
	// ConfigFailure is an invalid bind string or a listener that could
	// not be started.
	ConfigFailure
	// ThreadContextViolation guards code that assumes it only ever runs
	// on the I/O goroutine (or only ever on a worker goroutine). It is
	// asserted defensively at the two or three boundaries where a future
	// change could plausibly cross that line; it is not a pervasive
	// runtime check.
	ThreadContextViolation
)

func (k Kind) String() string {
	switch k {
	case IOFailure:
		return "io failure"
	case SegmentViolation:
		return "segment violation"
	case UnknownRole:
		return "unknown role"
	case StreamClosed:
		return "stream closed"
	case ConfigFailure:
		return "config failure"
	case ThreadContextViolation:
		return "thread context violation"
	default:
		return "unknown error kind"
	}
}

// Error is the one typed error this package produces. It wraps an
// optional underlying cause via github.com/pkg/errors so both the kind
// and the original error are inspectable with errors.Is/errors.As.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// Is reports whether target is a *Error with the same Kind, so callers
// can do errors.Is(err, ferrors.New(ferrors.SegmentViolation, "")).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind
}

// New builds an Error with no underlying cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, msg: msg}
}

// Wrap attaches kind and msg to an underlying cause, preserving it via
// github.com/pkg/errors so the original stack trace survives.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, msg: msg, err: errors.Wrap(err, msg)}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error, and reports whether one was found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
