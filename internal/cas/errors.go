package cas

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a cas.Error so callers can branch without string
// matching.
type Kind int

const (
	// KindTransport covers network/IO failures talking to the upstream
	// service (connection refused, timeout, DNS).
	KindTransport Kind = iota
	// KindProtocol covers malformed responses from the upstream service.
	KindProtocol
	// KindNegative covers a well-formed "not found" answer.
	KindNegative
	// KindCapacity covers local resource exhaustion (cache full, pool full).
	KindCapacity
	// KindInput covers caller-supplied bad arguments.
	KindInput
	// KindUpstream covers the upstream service reporting its own error.
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindNegative:
		return "negative"
	case KindCapacity:
		return "capacity"
	case KindInput:
		return "input"
	case KindUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// Error is the typed error this package returns, carrying a Kind that
// callers can branch on with IsKind. internal/swarm does not inspect it:
// any CDN-tier failure ends the waterfall with a wrapped error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cas: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("cas: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrInput builds a KindInput error from a plain message, used where a
// caller-facing API needs to return an error value rather than panic.
func ErrInput(msg string) error {
	return &Error{Kind: KindInput, Msg: msg}
}

// Wrap attaches kind and a message to an underlying error, preserving it
// via errors.Wrap so %+v retains a stack trace the way the rest of this
// codebase's error chains do.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: errors.Wrap(err, msg)}
}

// IsKind reports whether err is a *Error of the given kind, unwrapping
// through wrapped chains.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
