// Package errors provides error handling functionality for the realtime core.
// It defines error categories, error codes and their wire representation.
package errors

import (
	"errors"
	"fmt"

	"github.com/real-rm/dealroom/internal/message"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryAuth represents authentication and authorization errors
	CategoryAuth ErrorCategory = "auth"
	// CategoryValidation represents malformed or invalid client frames
	CategoryValidation ErrorCategory = "validation"
	// CategoryTransport represents socket level failures
	CategoryTransport ErrorCategory = "transport"
	// CategoryRateLimit represents rate limiting errors
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryService represents backing service errors (presence, history, event bus)
	CategoryService ErrorCategory = "service"
)

// ErrorCode represents specific error codes
type ErrorCode string

const (
	// Authentication errors
	ErrCodeInvalidToken      ErrorCode = "INVALID_TOKEN"
	ErrCodeExpiredToken      ErrorCode = "EXPIRED_TOKEN"
	ErrCodeInsufficientPerms ErrorCode = "INSUFFICIENT_PERMISSIONS"

	// Validation errors
	ErrCodeInvalidFormat ErrorCode = "INVALID_FORMAT"
	ErrCodeMissingField  ErrorCode = "MISSING_FIELD"
	ErrCodeUnknownRoom   ErrorCode = "UNKNOWN_ROOM"

	// Transport errors
	ErrCodeWriteFailed      ErrorCode = "WRITE_FAILED"
	ErrCodeHeartbeatTimeout ErrorCode = "HEARTBEAT_TIMEOUT"

	// Service errors
	ErrCodeDatabaseError ErrorCode = "DATABASE_ERROR"
	ErrCodePresenceError ErrorCode = "PRESENCE_ERROR"
	ErrCodeServiceError  ErrorCode = "SERVICE_ERROR"

	// Rate limiting errors
	ErrCodeTooManyRequests ErrorCode = "TOO_MANY_REQUESTS"
	ErrCodeConnectionLimit ErrorCode = "CONNECTION_LIMIT_EXCEEDED"
)

// RealtimeError represents an application error with category and recoverability information
type RealtimeError struct {
	Category    ErrorCategory
	Code        ErrorCode
	Message     string
	Recoverable bool
	RetryAfter  int // milliseconds, only for rate limit errors
	Cause       error
}

// Error implements the error interface
func (e *RealtimeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *RealtimeError) Unwrap() error {
	return e.Cause
}

// IsFatal returns true if the error requires connection closure
func (e *RealtimeError) IsFatal() bool {
	return !e.Recoverable
}

// ToErrorInfo converts a RealtimeError to a message.ErrorInfo for the wire protocol
func (e *RealtimeError) ToErrorInfo() *message.ErrorInfo {
	return &message.ErrorInfo{
		Code:        string(e.Code),
		Message:     e.Message,
		Recoverable: e.Recoverable,
		RetryAfter:  e.RetryAfter,
	}
}

// ToEnvelope wraps the error in an outbound error envelope
func (e *RealtimeError) ToEnvelope() message.Envelope {
	return message.NewError(e.ToErrorInfo())
}

// NewAuthError creates a new authentication error (fatal)
func NewAuthError(code ErrorCode, message string, cause error) *RealtimeError {
	return &RealtimeError{
		Category:    CategoryAuth,
		Code:        code,
		Message:     message,
		Recoverable: false,
		Cause:       cause,
	}
}

// NewValidationError creates a new validation error (recoverable)
func NewValidationError(code ErrorCode, message string, cause error) *RealtimeError {
	return &RealtimeError{
		Category:    CategoryValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewTransportError creates a new transport error (fatal for the connection)
func NewTransportError(code ErrorCode, message string, cause error) *RealtimeError {
	return &RealtimeError{
		Category:    CategoryTransport,
		Code:        code,
		Message:     message,
		Recoverable: false,
		Cause:       cause,
	}
}

// NewServiceError creates a new service error (recoverable with retry)
func NewServiceError(code ErrorCode, message string, cause error) *RealtimeError {
	return &RealtimeError{
		Category:    CategoryService,
		Code:        code,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewRateLimitError creates a new rate limit error (recoverable with retry after)
func NewRateLimitError(code ErrorCode, message string, retryAfter int, cause error) *RealtimeError {
	return &RealtimeError{
		Category:    CategoryRateLimit,
		Code:        code,
		Message:     message,
		Recoverable: true,
		RetryAfter:  retryAfter,
		Cause:       cause,
	}
}

// Common error constructors for convenience

// ErrInvalidToken creates an invalid token error
func ErrInvalidToken(cause error) *RealtimeError {
	return NewAuthError(ErrCodeInvalidToken, "Invalid authentication token", cause)
}

// ErrExpiredToken creates an expired token error
func ErrExpiredToken(cause error) *RealtimeError {
	return NewAuthError(ErrCodeExpiredToken, "Authentication token has expired", cause)
}

// ErrInsufficientPermissions creates an insufficient permissions error
func ErrInsufficientPermissions(cause error) *RealtimeError {
	return NewAuthError(ErrCodeInsufficientPerms, "Insufficient permissions for this operation", cause)
}

// ErrInvalidMessageFormat creates an invalid message format error
func ErrInvalidMessageFormat(details string, cause error) *RealtimeError {
	return NewValidationError(ErrCodeInvalidFormat, fmt.Sprintf("Invalid message format: %s", details), cause)
}

// ErrMissingField creates a missing field error
func ErrMissingField(fieldName string) *RealtimeError {
	return NewValidationError(ErrCodeMissingField, fmt.Sprintf("Required field missing: %s", fieldName), nil)
}

// ErrWriteFailed creates a transport write error
func ErrWriteFailed(cause error) *RealtimeError {
	return NewTransportError(ErrCodeWriteFailed, "Failed to write to connection", cause)
}

// ErrHeartbeatTimeout creates a heartbeat timeout error
func ErrHeartbeatTimeout(missed int) *RealtimeError {
	return NewTransportError(ErrCodeHeartbeatTimeout,
		fmt.Sprintf("No pong received for %d consecutive pings", missed), nil)
}

// ErrDatabaseError creates a database error
func ErrDatabaseError(cause error) *RealtimeError {
	return NewServiceError(ErrCodeDatabaseError, "Database operation failed", cause)
}

// ErrPresenceError creates a presence store error
func ErrPresenceError(cause error) *RealtimeError {
	return NewServiceError(ErrCodePresenceError, "Presence store operation failed", cause)
}

// ErrTooManyRequests creates a too many requests error
func ErrTooManyRequests(retryAfter int) *RealtimeError {
	return NewRateLimitError(ErrCodeTooManyRequests,
		"Too many requests, please slow down", retryAfter, nil)
}

// ErrConnectionLimitExceeded creates a connection limit exceeded error
func ErrConnectionLimitExceeded(retryAfter int) *RealtimeError {
	return NewRateLimitError(ErrCodeConnectionLimit,
		"Connection limit exceeded, please try again later", retryAfter, nil)
}

// FromValidation converts a message.ValidationError into a recoverable RealtimeError.
// Any other error is reported as a generic format error.
func FromValidation(err error) *RealtimeError {
	var verr *message.ValidationError
	if errors.As(err, &verr) {
		if verr.Field == message.FieldType || verr.Field == "frame" {
			return ErrInvalidMessageFormat(verr.Message, err)
		}
		return NewValidationError(ErrCodeMissingField, verr.Message, err)
	}
	return ErrInvalidMessageFormat("unreadable frame", err)
}
