package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents the engine's failure taxonomy
type ErrorType string

const (
	// ErrorTypeAuth indicates rejected credentials during login or transfer
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeAccountLocked indicates a remote-side block on the account
	ErrorTypeAccountLocked ErrorType = "account_locked"
	// ErrorTypeTransient indicates network errors, timeouts and empty responses
	ErrorTypeTransient ErrorType = "transient"
	// ErrorTypeValidation indicates a downloaded file outside the size bounds
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeQuotaExhausted indicates the remote refused the download because
	// the account's daily limit is spent
	ErrorTypeQuotaExhausted ErrorType = "quota_exhausted"
	// ErrorTypeNoAccount indicates no usable account remains for this run
	ErrorTypeNoAccount ErrorType = "no_account"
	// ErrorTypeUnknownAccount indicates a configuration defect: an operation
	// referenced an account the store does not hold
	ErrorTypeUnknownAccount ErrorType = "unknown_account"
)

// Error is a classified engine error
type Error struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error without a cause
func New(t ErrorType, message string) *Error {
	return &Error{Type: t, Message: message}
}

// Wrap creates a classified error wrapping a cause
func Wrap(t ErrorType, message string, err error) *Error {
	return &Error{Type: t, Message: message, Err: err}
}

// TypeOf extracts the error type from an error chain. Unclassified non-nil
// errors are reported as transient, matching the download path where an
// unknown failure is worth another attempt.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeTransient
}

// Is reports whether the error chain carries the given type
func Is(err error, t ErrorType) bool {
	return TypeOf(err) == t
}

// IsRetryable checks if an error type may succeed on a later attempt with
// the same account
func IsRetryable(t ErrorType) bool {
	switch t {
	case ErrorTypeTransient, ErrorTypeValidation:
		return true
	default:
		return false
	}
}

// ErrNoAccountAvailable signals the normal terminal condition where every
// account is over quota, locked out or disqualified.
var ErrNoAccountAvailable = New(ErrorTypeNoAccount, "no usable account available")
