package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across qaforge.
type ErrorCode string

// Dispatch error codes
const (
	ErrNoHealthyCredential ErrorCode = "NO_HEALTHY_CREDENTIAL"
	ErrRateLimited         ErrorCode = "RATE_LIMITED"
	ErrQuotaExhausted      ErrorCode = "QUOTA_EXHAUSTED"
	ErrAuthInvalid         ErrorCode = "AUTH_INVALID"
	ErrTransient           ErrorCode = "TRANSIENT"
	ErrMalformedResponse   ErrorCode = "MALFORMED_RESPONSE"
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrTimeout             ErrorCode = "TIMEOUT"
)

// Run error codes
const (
	ErrCheckpointCorruption ErrorCode = "CHECKPOINT_CORRUPTION"
	ErrDuplicateCredential  ErrorCode = "DUPLICATE_CREDENTIAL"
	ErrStopped              ErrorCode = "STOPPED"
	ErrInvalidInput         ErrorCode = "INVALID_INPUT"
)

// Sentinels usable with errors.Is. Matching is by code, so any *Error carrying
// the same code compares equal.
var (
	ErrNoHealthy     = NewError(ErrNoHealthyCredential, "no healthy credential available")
	ErrCorruption    = NewError(ErrCheckpointCorruption, "checkpoint failed validation")
	ErrDuplicate     = NewError(ErrDuplicateCredential, "credential already in pool")
	ErrEmergencyStop = NewError(ErrStopped, "emergency stop requested")
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// AsError extracts a *Error from the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code anywhere in its chain.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
