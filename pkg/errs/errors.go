// Package errs defines the error kinds surfaced by the step engine. Every
// error crossing a package boundary carries a stable kind tag, a human
// readable message and an optional cause, so callers can branch on kind
// without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind string

const (
	// KindValidation marks inputs that fail preconditions (missing version
	// ref, level out of range, unresolvable tag, deactivated dataset).
	// Terminal for the step.
	KindValidation Kind = "VALIDATION_ERROR"

	// KindResourceClaimRejected marks a refused resource claim. Retryable by
	// the outer scheduler.
	KindResourceClaimRejected Kind = "RESOURCE_CLAIM_REJECTED"

	// KindTransientDB marks an I/O or statement failure on a non-mutating
	// query. Retried inside the executor; fatal once the retry budget is
	// spent.
	KindTransientDB Kind = "TRANSIENT_DB_ERROR"

	// KindTaskQueryBuild marks a per-task query that could not be
	// constructed. Fatal; indicates a bug or malformed task data.
	KindTaskQueryBuild Kind = "TASK_QUERY_BUILD_ERROR"

	// KindAsyncDeliveryAnomaly marks a progress event for an unknown or
	// already finalized task. Logged and dropped, never fatal.
	KindAsyncDeliveryAnomaly Kind = "ASYNC_DELIVERY_ANOMALY"
)

// Error is a kind-tagged engine error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a kind-tagged error without a cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a kind-tagged error around a cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Validation is a shorthand for New(KindValidation, ...).
func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

// IsKind reports whether err (or anything it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or the empty kind when err is untagged.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
