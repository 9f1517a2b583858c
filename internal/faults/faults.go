// Package faults classifies errors crossing component boundaries.
//
// Every error that leaves a core package carries exactly one Kind. The
// kind decides the propagation policy: transients are retried where they
// occur, preconditions and auth failures bubble to the caller with a
// stable code, and fatals short-circuit to the termination handler.
package faults

import (
	"errors"
	"fmt"
)

// Kind tags an error with its handling class.
type Kind int

const (
	// KindUnknown is the zero value; treat as internal.
	KindUnknown Kind = iota

	// KindInputInvalid is surfaced to the caller: malformed request,
	// unknown model alias, unsupported tier.
	KindInputInvalid

	// KindAuthFailed covers every credential check. Callers always see
	// the same opaque message; the concrete check that failed is only
	// logged server-side.
	KindAuthFailed

	// KindPrecondition is a legal request against illegal state:
	// insufficient balance, illegal transition, expired reservation.
	KindPrecondition

	// KindTransient is retryable: provider 429, connection reset, RPC
	// disagreement.
	KindTransient

	// KindCircuitOpen means the budget writer has been degraded beyond
	// its window; requests fail fast.
	KindCircuitOpen

	// KindFatal means an invariant broke after a write. The process
	// terminates after flushing logs.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInputInvalid:
		return "INPUT_INVALID"
	case KindAuthFailed:
		return "AUTH_FAILED"
	case KindPrecondition:
		return "PRECONDITION_VIOLATED"
	case KindTransient:
		return "TRANSIENT"
	case KindCircuitOpen:
		return "CIRCUIT_OPEN"
	case KindFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Error is a kinded error with a stable machine code.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kinded error from a code and message.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Err: errors.New(msg)}
}

// Newf builds a kinded error with a formatted message.
func Newf(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind and code to an underlying error.
func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors
// report KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// CodeOf extracts the stable code, or "" if the error is unclassified.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsTransient reports whether the error should be retried.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsFatal reports whether the error must terminate the process.
func IsFatal(err error) bool { return KindOf(err) == KindFatal }

// OpaqueAuthMessage is the only auth failure text callers ever see.
// Which check failed (signature, nonce, issuer, expiry) must not leak.
const OpaqueAuthMessage = "invalid or expired credentials"
