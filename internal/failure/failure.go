// Package failure classifies publish and sync errors so callers can decide
// whether to retry, reconfigure, or report them.
package failure

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure. Codes are strings so they read well
// in logs and serialize naturally to JSON.
type Code string

const (
	// CodeConfiguration means credentials or settings are missing or do not
	// fit the selected backend. Not retryable.
	CodeConfiguration Code = "CONFIGURATION"

	// CodeConnection means a backend could not be reached or rejected the
	// authentication. Retryable by re-invoking the operation.
	CodeConnection Code = "CONNECTION"

	// CodeConflict means the remote rejected a push because its history
	// diverged. Retryable after the remote has been reconciled.
	CodeConflict Code = "CONFLICT"

	// CodePartialCleanup is a non-fatal warning: a stale remote file or
	// directory could not be removed.
	CodePartialCleanup Code = "PARTIAL_CLEANUP"

	// CodeDecryption means the sync password was wrong or missing.
	CodeDecryption Code = "DECRYPTION"

	// CodeBusy means another publish or sync holds the blog's slot.
	CodeBusy Code = "BUSY"

	// CodeCanceled means the operation was cancelled by its caller.
	CodeCanceled Code = "CANCELED"

	// CodeInvalidManifest means a manifest document could not be parsed.
	CodeInvalidManifest Code = "INVALID_MANIFEST"
)

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a formatted message.
func New(code Code, op, format string, args ...any) error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// Configuration is shorthand for New(CodeConfiguration, ...).
func Configuration(op, format string, args ...any) error {
	return New(CodeConfiguration, op, format, args...)
}

// Connection is shorthand for Wrap(CodeConnection, ...).
func Connection(op string, err error) error {
	return Wrap(CodeConnection, op, err)
}

// Warning is shorthand for a PartialCleanup error.
func Warning(op string, err error) error {
	return Wrap(CodePartialCleanup, op, err)
}

// CodeOf returns the code of the outermost classified error in err's chain,
// or "" when err is unclassified.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether re-invoking the failed operation may succeed.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeConnection, CodeConflict, CodeBusy:
		return true
	default:
		return false
	}
}
