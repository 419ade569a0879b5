// Package httperrors writes the JSON error bodies of the admin and probe
// endpoints. Messages are generic so internal details never reach clients.
package httperrors

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// ErrorResponse represents a generic error response for clients
type ErrorResponse struct {
	Error        string `json:"error"`
	Code         string `json:"code,omitempty"`
	Details      string `json:"details,omitempty"`
	RetryAfterMs int    `json:"retry_after_ms,omitempty"`
}

// Generic error messages that don't expose internal details
const (
	MsgUnauthorized       = "Authentication required"
	MsgInvalidToken       = "Invalid or expired authentication token"
	MsgInvalidAuthHeader  = "Invalid authorization header"
	MsgForbidden          = "Insufficient permissions"
	MsgInvalidRequest     = "Invalid request parameters"
	MsgInternalError      = "An internal error occurred"
	MsgServiceUnavailable = "Service temporarily unavailable"
	MsgResourceNotFound   = "Resource not found"
	MsgBadRequest         = "Bad request"
	MsgInvalidTimeFormat  = "Invalid time format, expected RFC3339"
	MsgUserNotFound       = "User not found"
	MsgPayloadTooLarge    = "Notification payload too large"
	MsgRateLimitExceeded  = "Rate limit exceeded"
)

// Error codes for client-side handling
const (
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeForbidden          = "FORBIDDEN"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeNotFound           = "NOT_FOUND"
	CodeBadRequest         = "BAD_REQUEST"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeRateLimited        = "RATE_LIMITED"
)

// respond writes the body and aborts the handler chain so middleware
// callers need no separate c.Abort
func respond(c *gin.Context, status int, body ErrorResponse) {
	c.AbortWithStatusJSON(status, body)
}

func orDefault(message, def string) string {
	if message == "" {
		return def
	}
	return message
}

// RespondUnauthorized sends a 401 response with a generic message
func RespondUnauthorized(c *gin.Context, message string) {
	respond(c, http.StatusUnauthorized, ErrorResponse{
		Error: orDefault(message, MsgUnauthorized),
		Code:  CodeUnauthorized,
	})
}

// RespondInvalidToken sends a 401 response for invalid tokens
func RespondInvalidToken(c *gin.Context) {
	respond(c, http.StatusUnauthorized, ErrorResponse{Error: MsgInvalidToken, Code: CodeInvalidToken})
}

// RespondForbidden sends a 403 response with a generic message
func RespondForbidden(c *gin.Context) {
	respond(c, http.StatusForbidden, ErrorResponse{Error: MsgForbidden, Code: CodeForbidden})
}

// RespondBadRequest sends a 400 response
func RespondBadRequest(c *gin.Context, message string) {
	respond(c, http.StatusBadRequest, ErrorResponse{
		Error: orDefault(message, MsgBadRequest),
		Code:  CodeBadRequest,
	})
}

// RespondInternalError sends a 500 response with a generic message
func RespondInternalError(c *gin.Context) {
	respond(c, http.StatusInternalServerError, ErrorResponse{Error: MsgInternalError, Code: CodeInternalError})
}

// RespondServiceUnavailable sends a 503 response
func RespondServiceUnavailable(c *gin.Context) {
	respond(c, http.StatusServiceUnavailable, ErrorResponse{Error: MsgServiceUnavailable, Code: CodeServiceUnavailable})
}

// RespondNotFound sends a 404 response
func RespondNotFound(c *gin.Context, message string) {
	respond(c, http.StatusNotFound, ErrorResponse{
		Error: orDefault(message, MsgResourceNotFound),
		Code:  CodeNotFound,
	})
}

// RespondPayloadTooLarge sends a 413 response for oversized notification data
func RespondPayloadTooLarge(c *gin.Context) {
	respond(c, http.StatusRequestEntityTooLarge, ErrorResponse{Error: MsgPayloadTooLarge, Code: CodePayloadTooLarge})
}

// RespondTooManyRequests sends a 429 response. The Retry-After header
// carries whole seconds; the body keeps the millisecond hint.
func RespondTooManyRequests(c *gin.Context, retryAfterSeconds, retryAfterMs int) {
	c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	respond(c, http.StatusTooManyRequests, ErrorResponse{
		Error:        MsgRateLimitExceeded,
		Code:         CodeRateLimited,
		RetryAfterMs: retryAfterMs,
	})
}
