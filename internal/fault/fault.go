// Package fault defines the error taxonomy shared by the scheduler, the
// settlement worker and the external source adapters.
//
// Every error that crosses a component boundary and changes control flow is a
// *Error with a Kind. Callers branch on the kind with the Is* helpers, which
// use errors.As so wrapped errors are classified correctly.
//
//   - SOURCE_UNAVAILABLE: upstream could not be reached; retryable with backoff.
//   - NOT_FOUND: the thing asked for does not exist; terminal for that event.
//   - ALREADY_EXISTS: a conditional write lost a race; callers treat it as a no-op.
//   - NOT_YET_AVAILABLE: the outcome is not published yet; retry later.
//   - CONFIGURATION: the process is misconfigured; aborts the whole run.
package fault

import (
	"errors"
	"fmt"
)

// Kind categorizes an Error.
type Kind string

const (
	// KindSourceUnavailable indicates an upstream source could not be read.
	KindSourceUnavailable Kind = "SOURCE_UNAVAILABLE"

	// KindNotFound indicates the requested record or event does not exist.
	KindNotFound Kind = "NOT_FOUND"

	// KindAlreadyExists indicates a conditional write found an existing record.
	KindAlreadyExists Kind = "ALREADY_EXISTS"

	// KindNotYetAvailable indicates an outcome has not been published yet.
	KindNotYetAvailable Kind = "NOT_YET_AVAILABLE"

	// KindConfiguration indicates invalid or missing configuration.
	KindConfiguration Kind = "CONFIGURATION"
)

// Error is a classified error.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Op names the operation that failed (e.g. "ledger.put_if_absent").
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without an underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. Returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsSourceUnavailable reports whether err is a SOURCE_UNAVAILABLE error.
func IsSourceUnavailable(err error) bool {
	return KindOf(err) == KindSourceUnavailable
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsAlreadyExists reports whether err is an ALREADY_EXISTS error.
func IsAlreadyExists(err error) bool {
	return KindOf(err) == KindAlreadyExists
}

// IsNotYetAvailable reports whether err is a NOT_YET_AVAILABLE error.
func IsNotYetAvailable(err error) bool {
	return KindOf(err) == KindNotYetAvailable
}

// IsConfiguration reports whether err is a CONFIGURATION error.
func IsConfiguration(err error) bool {
	return KindOf(err) == KindConfiguration
}

// IsRetryable reports whether a later attempt may succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindSourceUnavailable, KindNotYetAvailable:
		return true
	}
	return false
}
