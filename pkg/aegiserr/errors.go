// Package aegiserr defines the typed error taxonomy shared by every
// component of the coordination core. Every error a caller needs to branch
// on is a distinct sentinel, never a string comparison.
package aegiserr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the named error categories from the error
// handling design. It is attached to wrapped errors via errors.Is.
type Kind string

const (
	// KindConfig marks invalid or missing configuration at startup.
	KindConfig Kind = "config"
	// KindTransport marks a broker connection or send failure.
	KindTransport Kind = "transport"
	// KindTimeout marks an operation that exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindNotConnected marks an operation attempted while disconnected.
	KindNotConnected Kind = "not_connected"
	// KindSerialization marks an encode/decode failure.
	KindSerialization Kind = "serialization"
	// KindAlreadyExists marks a create-only KV write that hit an existing key.
	KindAlreadyExists Kind = "already_exists"
	// KindRevisionMismatch marks a CAS write that lost the race.
	KindRevisionMismatch Kind = "revision_mismatch"
	// KindNotFound marks a KV read of a missing or expired key.
	KindNotFound Kind = "not_found"
	// KindHandlerError marks a user handler that returned or raised an error.
	KindHandlerError Kind = "handler_error"
	// KindLeadershipLost marks a failed leader-key renewal.
	KindLeadershipLost Kind = "leadership_lost"
	// KindValidation marks a value object that failed constructor-time validation.
	KindValidation Kind = "validation"
)

// sentinel carries a Kind and a message; it is always wrapped with
// fmt.Errorf("...: %w", ...) rather than compared directly, so the same
// Kind can carry different messages across call sites.
type sentinel struct {
	kind Kind
	msg  string
}

func (s *sentinel) Error() string { return s.msg }

// New returns an error of the given Kind with the given message. Use with
// errors.Is / Kind() at the call site, never with string comparison.
func New(kind Kind, msg string) error {
	return &sentinel{kind: kind, msg: msg}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...any) error {
	return &sentinel{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap wraps err under the given Kind, preserving err via %w so errors.Is
// and errors.As continue to see through to the original cause.
func Wrap(kind Kind, msg string, err error) error {
	return fmt.Errorf("%s: %s: %w", kind, msg, &kindTag{kind: kind, cause: err})
}

// kindTag is an internal marker so Wrap-produced errors still answer Is(kind).
type kindTag struct {
	kind  Kind
	cause error
}

func (k *kindTag) Error() string { return k.cause.Error() }
func (k *kindTag) Unwrap() error { return k.cause }

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var s *sentinel
	if errors.As(err, &s) {
		return s.kind == kind
	}
	var t *kindTag
	if errors.As(err, &t) {
		return t.kind == kind
	}
	return false
}

// KindOf extracts the Kind carried by err, if any, and reports whether one
// was found.
func KindOf(err error) (Kind, bool) {
	var s *sentinel
	if errors.As(err, &s) {
		return s.kind, true
	}
	var t *kindTag
	if errors.As(err, &t) {
		return t.kind, true
	}
	return "", false
}

var (
	// ErrNotConnected is returned when an operation is attempted on a
	// disconnected transport.
	ErrNotConnected = New(KindNotConnected, "transport: not connected")
	// ErrTimeout is returned when an operation exceeds its deadline.
	ErrTimeout = New(KindTimeout, "operation timed out")
	// ErrAlreadyExists is returned by create-only KV writes against an
	// existing key.
	ErrAlreadyExists = New(KindAlreadyExists, "key already exists")
	// ErrRevisionMismatch is returned by CAS writes/deletes whose expected
	// revision no longer matches.
	ErrRevisionMismatch = New(KindRevisionMismatch, "revision mismatch")
	// ErrNotFound is returned by reads of a missing or expired key. Callers
	// should treat this as a normal "absent" result, not an exceptional one.
	ErrNotFound = New(KindNotFound, "key not found")
	// ErrLeadershipLost is returned when a leader-key renewal fails.
	ErrLeadershipLost = New(KindLeadershipLost, "leadership lost")
)
