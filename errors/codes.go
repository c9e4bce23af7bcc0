package errors

// ErrorCategory classifies errors by their retry semantics.
type ErrorCategory string

const (
	// CategoryTransient covers failures a later attempt may not hit:
	// network errors, a stream that ended before it was ready.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent covers malformed messages, rejected headers and
	// usage errors.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource covers size limits.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal covers unexpected failures.
	CategoryInternal ErrorCategory = "internal"
)

// IsRetryable reports whether errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for transport failures.
const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"      // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"  // Peer temporarily unavailable
	ErrCodeNetworkErr  ErrorCode = "NETWORK_ERR"  // Network connectivity issue
	ErrCodeStreamEnded ErrorCode = "STREAM_ENDED" // Event stream ended before it was usable

	// Usage errors
	ErrCodeAlreadyStarted ErrorCode = "ALREADY_STARTED" // Start called twice
	ErrCodeNotConnected   ErrorCode = "NOT_CONNECTED"   // Send without an open channel

	// Permanent errors
	ErrCodeDecode        ErrorCode = "DECODE_FAILED"  // Bytes are not valid JSON
	ErrCodeSchema        ErrorCode = "SCHEMA_INVALID" // Valid JSON, not a valid message
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"  // Malformed or invalid input
	ErrCodeUnauthorized  ErrorCode = "UNAUTHORIZED"   // Authentication failed
	ErrCodeForbidden     ErrorCode = "FORBIDDEN"      // Host/Origin validation failed
	ErrCodeProtocol      ErrorCode = "PROTOCOL"       // Peer answered with an unexpected status
	ErrCodeProcessFailed ErrorCode = "PROCESS_FAILED" // Child process could not run
	ErrCodeUnsupported   ErrorCode = "UNSUPPORTED"    // Operation not supported
	ErrCodeCanceled      ErrorCode = "CANCELED"       // Operation was canceled

	// Resource errors
	ErrCodeTooLarge ErrorCode = "TOO_LARGE" // Payload exceeds the configured limit

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
)

// DefaultCategory returns the category an error with this code gets unless
// an option overrides it.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeNetworkErr, ErrCodeStreamEnded:
		return CategoryTransient

	case ErrCodeAlreadyStarted, ErrCodeNotConnected, ErrCodeDecode, ErrCodeSchema,
		ErrCodeInvalidInput, ErrCodeUnauthorized, ErrCodeForbidden, ErrCodeProtocol,
		ErrCodeProcessFailed, ErrCodeUnsupported, ErrCodeCanceled:
		return CategoryPermanent

	case ErrCodeTooLarge:
		return CategoryResource

	default:
		return CategoryInternal
	}
}
