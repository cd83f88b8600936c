// Package errors provides the error taxonomy shared by the ingestion and
// retrieval pipeline. Every failure crossing a component boundary is wrapped
// in an *Error carrying a Kind, so callers branch on classification rather
// than on provider-specific error strings.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	// KindAuth means token refresh terminally failed or credentials are invalid.
	// Stops the enclosing sync run.
	KindAuth Kind = "AUTH"

	// KindRateLimited is transient; retry after backoff.
	KindRateLimited Kind = "RATE_LIMITED"

	// KindTransient covers network timeouts and 5xx responses.
	KindTransient Kind = "TRANSIENT"

	// KindNotFound means an external ID disappeared between list and get.
	KindNotFound Kind = "NOT_FOUND"

	// KindConflict means a concurrent writer changed the node.
	KindConflict Kind = "CONFLICT"

	// KindPermissionDenied means the source revoked access to a subresource.
	KindPermissionDenied Kind = "PERMISSION_DENIED"

	// KindIntegrity means schema validation failed on a graph write.
	// Fatal for the batch.
	KindIntegrity Kind = "INTEGRITY_VIOLATION"

	// KindMessaging means the broker stayed unavailable through retries.
	KindMessaging Kind = "MESSAGING"

	// KindBlob means a blob upload or download failed; blocks publication.
	KindBlob Kind = "BLOB"

	// KindValidation means the input itself was malformed.
	KindValidation Kind = "VALIDATION"

	// KindFatal is an unrecoverable internal invariant breach.
	KindFatal Kind = "FATAL"
)

// Error is the single error type crossing component boundaries.
type Error struct {
	Kind       Kind
	Op         string // operation that failed, e.g. "processor.OnNewRecords"
	Resource   string // resource being operated on, if known
	Message    string
	RetryAfter time.Duration // optional hint for RATE_LIMITED
	Cause      error
}

func (e *Error) Error() string {
	switch {
	case e.Cause != nil && e.Op != "":
		return fmt.Sprintf("[%s] %s: %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	case e.Cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	case e.Op != "":
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
}

// Unwrap lets errors.Is and errors.As reach the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// New creates an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap annotates cause with a kind and operation. Returns nil when cause is nil.
func Wrap(kind Kind, op string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: "operation failed", Cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, op string, cause error, format string, args ...interface{}) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithResource attaches the resource identifier the operation acted on.
func (e *Error) WithResource(resource string) *Error {
	e.Resource = resource
	return e
}

// WithRetryAfter attaches a retry hint, typically from a 429 response.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// KindOf returns the kind of err, walking the wrap chain. Unclassified errors
// report KindFatal so callers fail closed.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the operation that produced err may be retried.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited, KindConflict, KindMessaging:
		return true
	}
	return false
}

// Absorbable reports whether a connector sync loop may log err and keep going.
// Auth and fatal errors must stop the run; everything else is progress.
func Absorbable(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindFatal, KindIntegrity:
		return false
	}
	return true
}
