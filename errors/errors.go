package errors

import (
	"fmt"
	"net/http"
	"strconv"
)

// Error is a transport failure carrying a code, a retry classification
// and the transport context it happened in.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil means use default based on category
	transport string
	sessionID string
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	if e.metadata == nil {
		return make(map[string]string)
	}
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds metadata key-value pairs.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithTransport records the transport kind ("stdio", "sse", ...).
func WithTransport(kind string) Option {
	return func(e *Error) {
		e.transport = kind
	}
}

// WithSessionID records the push-stream session id.
func WithSessionID(id string) Option {
	return func(e *Error) {
		e.sessionID = id
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:     code,
		category: code.DefaultCategory(),
		message:  message,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Timeout creates a timeout error.
func Timeout(message string, opts ...Option) *Error {
	return New(ErrCodeTimeout, message, opts...)
}

// Decode creates an error for bytes that are not valid JSON.
func Decode(message string, opts ...Option) *Error {
	return New(ErrCodeDecode, message, opts...)
}

// Schema creates an error for well-formed JSON that is not a valid message.
func Schema(message string, opts ...Option) *Error {
	return New(ErrCodeSchema, message, opts...)
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string, opts ...Option) *Error {
	return New(ErrCodeUnauthorized, message, opts...)
}

// Forbidden creates a forbidden error.
func Forbidden(message string, opts ...Option) *Error {
	return New(ErrCodeForbidden, message, opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// TooLarge creates a size limit error.
func TooLarge(message string, opts ...Option) *Error {
	return New(ErrCodeTooLarge, message, opts...)
}

// StreamEnded creates an error for a stream that closed too early.
func StreamEnded(message string, opts ...Option) *Error {
	return New(ErrCodeStreamEnded, message, opts...)
}

// ProcessFailed creates an error for a child process failure.
func ProcessFailed(message string, opts ...Option) *Error {
	return New(ErrCodeProcessFailed, message, opts...)
}

// Protocol creates an error for an unexpected HTTP status. The status code
// is kept in the "status" metadata key. Overload and gateway statuses are
// retryable.
func Protocol(status int, message string, opts ...Option) *Error {
	head := []Option{WithMetadata("status", strconv.Itoa(status))}
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		head = append(head, WithRetryable(true))
	}
	return New(ErrCodeProtocol, message, append(head, opts...)...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
