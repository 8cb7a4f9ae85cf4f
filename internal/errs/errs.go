// Package errs defines the proxy's error taxonomy. Every failure that
// reaches a session event loop is classified by Kind so the session can
// decide between a synthetic 502, a silent teardown, or a half-close.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a proxy error.
type Kind int

const (
	// KindUnknown is the zero value for unclassified errors.
	KindUnknown Kind = iota
	// KindDecode indicates malformed wire bytes.
	KindDecode
	// KindIO indicates a socket failure other than expected EOF.
	KindIO
	// KindTLS indicates a handshake or certificate failure.
	KindTLS
	// KindResolve indicates a DNS lookup failure.
	KindResolve
	// KindTimeout indicates an idle timer expiry.
	KindTimeout
	// KindProtocol indicates valid bytes with invalid semantics, such as
	// conflicting framing headers.
	KindProtocol
	// KindCA indicates a certificate mint or persistence failure.
	KindCA
	// KindCancelled indicates a normal shutdown initiated by the other side.
	KindCancelled
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "decode-error"
	case KindIO:
		return "io-error"
	case KindTLS:
		return "tls-error"
	case KindResolve:
		return "resolve-error"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol-violation"
	case KindCA:
		return "ca-error"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a classified proxy error.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error with a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Cause: errors.New(msg)}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Cause: errors.Errorf(format, args...)}
}

// Wrap classifies err, annotating it with msg. Returns nil if err is nil.
// If err is already classified the original kind is preserved.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return errors.Wrap(err, msg)
	}
	return &Error{Kind: kind, Cause: errors.Wrap(err, msg)}
}

// KindOf recovers the kind through any wrapping. Unclassified errors
// report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
