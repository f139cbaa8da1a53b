// errors.go defines the failure taxonomy for credential operations. Every
// error that crosses the package boundary carries a stable machine-readable
// code so the HTTP layer can map it to a status and audit events can record
// the outcome without string matching.
//
// Taxonomy: validation errors are rejected before any store I/O and are
// recoverable by correcting input. Authentication, not-found, and conflict
// errors are terminal for the request. Exhaustion is fatal and alert-worthy.
// Infrastructure errors wrap the underlying cause; their detail is suppressed
// at the HTTP edge and only appears in logs.
package keys

import (
	"errors"
	"fmt"
)

// Error codes surfaced to callers.
const (
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeInvalidClientID       = "INVALID_CLIENT_ID"
	CodeInvalidClientSecret   = "INVALID_CLIENT_SECRET"
	CodeServiceAccountDeleted = "SERVICE_ACCOUNT_DELETED"
	CodeKeyNotFound           = "KEY_NOT_FOUND"
	CodeKeyExpired            = "KEY_EXPIRED"
	CodeKeyAlreadyDeleted     = "KEY_ALREADY_DELETED"
	CodeGenerationExhausted   = "GENERATION_EXHAUSTED"
	CodeInternal              = "INTERNAL"
)

// Error is a coded credential operation failure.
type Error struct {
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match any two coded errors by code, so sentinels below
// work as targets even when an error was built with extra context.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// Sentinel values for the terminal outcomes.
var (
	ErrInvalidClientID       = &Error{Code: CodeInvalidClientID, Message: "unknown client identifier"}
	ErrInvalidClientSecret   = &Error{Code: CodeInvalidClientSecret, Message: "client secret mismatch"}
	ErrServiceAccountDeleted = &Error{Code: CodeServiceAccountDeleted, Message: "service account has been deleted"}
	ErrKeyNotFound           = &Error{Code: CodeKeyNotFound, Message: "api key not found"}
	ErrKeyExpired            = &Error{Code: CodeKeyExpired, Message: "api key has expired"}
	ErrKeyAlreadyDeleted     = &Error{Code: CodeKeyAlreadyDeleted, Message: "api key is already deleted"}
	ErrGenerationExhausted   = &Error{Code: CodeGenerationExhausted, Message: "key generation retry budget exhausted"}
)

// invalidRequest builds a validation error. These are always raised before
// any store I/O.
func invalidRequest(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// internalError wraps an infrastructure failure.
func internalError(msg string, cause error) *Error {
	return &Error{Code: CodeInternal, Message: msg, cause: cause}
}

// CodeOf extracts the code from err, or CodeInternal for uncoded errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
