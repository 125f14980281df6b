// Package errs classifies pipeline failures into the error classes a stage
// must react to: retry, skip, DLQ, or crash. Every stage worker recovers
// Transient and RateLimited, logs-and-skips NotFound, QuotaExhausted, and
// TerminalFailure, routes SchemaInvalid straight to the DLQ, treats
// Conflict as success, and panics Fatal for the supervisor to restart.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Class identifies which of the seven error classes an error belongs to.
type Class string

const (
	ClassTransient     Class = "transient"
	ClassRateLimited   Class = "rate_limited"
	ClassSchemaInvalid Class = "schema_invalid"
	ClassNotFound      Class = "not_found"
	ClassQuotaExceeded Class = "quota_exhausted"
	ClassConflict        Class = "conflict_violation"
	ClassTerminalFailure Class = "terminal_failure"
	ClassFatal           Class = "fatal"
	ClassUnknown         Class = "unknown"
)

// transientError wraps a retryable failure (network, 5xx, coordinator unreachable).
type transientError struct{ cause error }

func (e *transientError) Error() string { return fmt.Sprintf("transient: %v", e.cause) }
func (e *transientError) Unwrap() error { return e.cause }

// Transient wraps cause as a retryable error.
func Transient(cause error) error { return &transientError{cause: cause} }

// rateLimitedError carries the provider-advised retry interval.
type rateLimitedError struct {
	cause      error
	RetryAfter time.Duration
}

func (e *rateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.cause)
}
func (e *rateLimitedError) Unwrap() error { return e.cause }

// RateLimited wraps cause with the exact advised sleep interval. The retry
// counter must not be incremented for this class per spec.
func RateLimited(cause error, retryAfter time.Duration) error {
	return &rateLimitedError{cause: cause, RetryAfter: retryAfter}
}

// RetryAfter extracts the advised retry interval, if err is RateLimited.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *rateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// schemaInvalidError is an immediate-DLQ error: the event or provider
// response did not match its expected shape.
type schemaInvalidError struct {
	cause error
	Class string // e.g. "schema_invalid", "version_incompatible"
}

func (e *schemaInvalidError) Error() string {
	return fmt.Sprintf("schema invalid (%s): %v", e.Class, e.cause)
}
func (e *schemaInvalidError) Unwrap() error { return e.cause }

// SchemaInvalid wraps cause with a DLQ error_class label.
func SchemaInvalid(cause error, class string) error {
	if class == "" {
		class = "schema_invalid"
	}
	return &schemaInvalidError{cause: cause, Class: class}
}

// SchemaErrorClass extracts the DLQ error_class label, if err is SchemaInvalid.
func SchemaErrorClass(err error) (string, bool) {
	var si *schemaInvalidError
	if errors.As(err, &si) {
		return si.Class, true
	}
	return "", false
}

// notFoundError marks a terminal-skip: the referenced entity no longer exists.
type notFoundError struct{ cause error }

func (e *notFoundError) Error() string { return fmt.Sprintf("not found: %v", e.cause) }
func (e *notFoundError) Unwrap() error { return e.cause }

// NotFound wraps cause as a terminal-skip, not-a-failure condition.
func NotFound(cause error) error { return &notFoundError{cause: cause} }

// quotaExceededError marks a terminal-skip for this pass only.
type quotaExceededError struct {
	cause  error
	Tenant string
}

func (e *quotaExceededError) Error() string {
	return fmt.Sprintf("quota exhausted for tenant %s: %v", e.Tenant, e.cause)
}
func (e *quotaExceededError) Unwrap() error { return e.cause }

// QuotaExceeded wraps cause as a per-tenant terminal-skip.
func QuotaExceeded(tenant string, cause error) error {
	return &quotaExceededError{cause: cause, Tenant: tenant}
}

// conflictError marks a unique-index hit that must be treated as success.
type conflictError struct{ cause error }

func (e *conflictError) Error() string { return fmt.Sprintf("conflict (idempotent): %v", e.cause) }
func (e *conflictError) Unwrap() error { return e.cause }

// Conflict wraps cause as an idempotent no-op.
func Conflict(cause error) error { return &conflictError{cause: cause} }

// terminalFailureError marks a failure that is done failing: no retry will
// help (an external collaborator declined the request, not an outage), but
// it's a routine runtime outcome, not a broken invariant, so it must not
// crash the worker. The caller already surfaced the failure to the user
// through its own channel (a status event, a history row) before wrapping
// the error for classification.
type terminalFailureError struct{ cause error }

func (e *terminalFailureError) Error() string { return fmt.Sprintf("terminal failure: %v", e.cause) }
func (e *terminalFailureError) Unwrap() error { return e.cause }

// TerminalFailure wraps cause as a logged, not-retried, not-a-crash outcome.
func TerminalFailure(cause error) error { return &terminalFailureError{cause: cause} }

// fatalError marks a broken invariant; the caller should panic, not return.
type fatalError struct{ cause error }

func (e *fatalError) Error() string { return fmt.Sprintf("fatal: %v", e.cause) }
func (e *fatalError) Unwrap() error { return e.cause }

// Fatal wraps cause as a programmer-error condition that should crash the worker.
func Fatal(cause error) error { return &fatalError{cause: cause} }

// Classify inspects err and returns its error class. A plain error with
// none of the above wrappers classifies as ClassUnknown, which callers
// should treat the same as ClassTransient for retry purposes.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var (
		te *transientError
		rl *rateLimitedError
		si *schemaInvalidError
		nf *notFoundError
		qe *quotaExceededError
		ce *conflictError
		tf *terminalFailureError
		fe *fatalError
	)
	switch {
	case errors.As(err, &fe):
		return ClassFatal
	case errors.As(err, &si):
		return ClassSchemaInvalid
	case errors.As(err, &qe):
		return ClassQuotaExceeded
	case errors.As(err, &nf):
		return ClassNotFound
	case errors.As(err, &ce):
		return ClassConflict
	case errors.As(err, &tf):
		return ClassTerminalFailure
	case errors.As(err, &rl):
		return ClassRateLimited
	case errors.As(err, &te):
		return ClassTransient
	default:
		return ClassUnknown
	}
}

// IsRetryable reports whether a stage should retry err with backoff.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ClassTransient, ClassRateLimited, ClassUnknown:
		return true
	default:
		return false
	}
}

// IsTerminalSkip reports whether err should be logged and skipped without
// incrementing a failure counter that pages anyone.
func IsTerminalSkip(err error) bool {
	switch Classify(err) {
	case ClassNotFound, ClassQuotaExceeded, ClassConflict, ClassTerminalFailure:
		return true
	default:
		return false
	}
}
