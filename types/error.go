package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the control loop.
type ErrorCode string

// Intake and invariant error codes
const (
	ErrInvalidCandidate   ErrorCode = "INVALID_CANDIDATE"
	ErrDuplicateCandidate ErrorCode = "DUPLICATE_CANDIDATE"
	ErrInvalidCategory    ErrorCode = "INVALID_CATEGORY"
	ErrInvalidConfig      ErrorCode = "INVALID_CONFIG"
)

// Reranking backend error codes
const (
	ErrRerankFailed       ErrorCode = "RERANK_FAILED"
	ErrRerankMalformed    ErrorCode = "RERANK_MALFORMED"
	ErrRerankUnauthorized ErrorCode = "RERANK_UNAUTHORIZED"
	ErrUpstreamTimeout    ErrorCode = "UPSTREAM_TIMEOUT"
	ErrCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Backend   string    `json:"backend,omitempty"`
	Cause     error     `json:"-"`
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

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithBackend sets the reranking backend name.
func (e *Error) WithBackend(backend string) *Error {
	e.Backend = backend
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

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
