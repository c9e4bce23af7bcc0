// Package errors provides the structured error taxonomy used by mcpwire
// transports. It defines error codes and categories that let upper layers
// tell a bad message (reported, connection continues) from a failed
// connection attempt (retry after re-authentication or reconnect).
//
// # Error Categories
//
// Errors are classified into four categories:
//
//   - Transient: Temporary failures where retry may succeed (network, early stream end)
//   - Permanent: Failures where retry will not help (bad message, rejected header)
//   - Resource: Size limits
//   - Internal: Unexpected errors indicating bugs
//
// # Error Codes
//
// Each error has a specific code that identifies the type of failure:
//
//   - ALREADY_STARTED, NOT_CONNECTED: usage errors
//   - DECODE_FAILED, SCHEMA_INVALID: bad bytes on a live connection
//   - FORBIDDEN, TOO_LARGE: inbound request rejected
//   - UNAUTHORIZED, PROTOCOL, STREAM_ENDED: connection attempt failed
//   - PROCESS_FAILED: child process could not run
//
// # Usage
//
// Create a new error:
//
//	err := errors.Decode("invalid JSON", errors.WithCause(jsonErr))
//
// Wrap an existing error with context:
//
//	wrapped := errors.Wrap(err, "reading event stream")
//
// Check the code of an error anywhere in a chain:
//
//	if errors.Is(err, errors.ErrCodeUnauthorized) {
//	    // re-authenticate
//	}
//
// Log an error with its structured context:
//
//	log.Warn("upstream failed", errors.Fields(err))
//
// # Retry
//
// Transient and resource errors are retryable, as are PROTOCOL errors for
// 429, 502, 503 and 504. IsRetryable reports the classification anywhere
// in a chain; plain errors are never retryable.
package errors
