package errors

import (
	"context"
	"errors"
	"io"
	"net"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already an *Error, it wraps it with the new message.
// Otherwise, it creates a new Internal error wrapping the original.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var terr *Error
	if errors.As(err, &terr) {
		wrapped := &Error{
			code:      terr.code,
			category:  terr.category,
			message:   message,
			cause:     err,
			metadata:  terr.Metadata(),
			retryable: terr.retryable,
			transport: terr.transport,
			sessionID: terr.sessionID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	// Check for context errors
	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	if errors.Is(err, io.ErrUnexpectedEOF) {
		return New(ErrCodeStreamEnded, message, append(opts, WithCause(err))...)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return New(ErrCodeNetworkErr, message, append(opts, WithCause(err))...)
	}

	// Default to internal error for unknown errors
	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.code == code
	}
	return false
}

// IsRetryable checks if the error is retryable.
func IsRetryable(err error) bool {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Retryable()
	}
	// Plain errors are never retried
	return false
}

// Code extracts the error code from an error, if available.
// Returns empty string if err carries no code.
func Code(err error) ErrorCode {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.code
	}
	return ""
}

// Fields returns the structured context of err for log entries: its code,
// retry classification, transport, session and metadata. Plain errors only
// yield "error".
func Fields(err error) map[string]interface{} {
	fields := map[string]interface{}{"error": err.Error()}
	var terr *Error
	if !errors.As(err, &terr) {
		return fields
	}
	fields["code"] = string(terr.code)
	fields["retryable"] = terr.Retryable()
	if terr.transport != "" {
		fields["transport"] = terr.transport
	}
	if terr.sessionID != "" {
		fields["session_id"] = terr.sessionID
	}
	for k, v := range terr.metadata {
		fields[k] = v
	}
	return fields
}
