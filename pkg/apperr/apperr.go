// Package apperr defines the error taxonomy used across component boundaries
// and on the wire. Every user-visible failure carries a machine-readable Kind
// plus a short human message.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and wire mapping.
type Kind string

const (
	// KindValidation marks malformed or out-of-schema input. Not retried.
	KindValidation Kind = "validation"
	// KindUnauthorized marks missing or invalid credentials.
	KindUnauthorized Kind = "unauthorized"
	// KindForbidden marks valid credentials lacking a required scope.
	KindForbidden Kind = "forbidden"
	// KindNotFound marks an unknown job/report/session id.
	KindNotFound Kind = "not_found"
	// KindConflict marks an idempotency or terminal-state violation.
	KindConflict Kind = "conflict"
	// KindRateLimited marks upstream provider throttling. Retried internally
	// with AIMD backoff.
	KindRateLimited Kind = "rate_limited"
	// KindTransient marks timeouts, network blips, and DB lock retries.
	// Retried with exponential backoff and jitter.
	KindTransient Kind = "transient"
	// KindCancelled marks deadline expiry, explicit cancel, or client disconnect.
	KindCancelled Kind = "cancelled"
	// KindUpstream marks a provider error that survived retries.
	KindUpstream Kind = "upstream"
	// KindInternal marks an invariant violation. Logged with context; the
	// job fails but the server stays up.
	KindInternal Kind = "internal"
)

// Error is a classified error. Use E to construct and KindOf to inspect.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error. The message should be short and human-readable.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Ef builds a classified error with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error without discarding it.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// KindInternal; context cancellation is recognized as KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether an error kind is safe to retry locally.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}
