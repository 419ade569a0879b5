// Package util provides small helpers shared across the dealroom packages.
package util

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/real-rm/dealroom/internal/constants"
)

type contextKey string

const connectionIDKey contextKey = "connection_id"

// NewTimeoutContext creates a background context with the specified timeout.
// Used for writes that must outlive the request that triggered them.
func NewTimeoutContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// NewDefaultTimeoutContext creates a background context with the standard database timeout.
func NewDefaultTimeoutContext() (context.Context, context.CancelFunc) {
	return NewTimeoutContext(constants.DefaultContextTimeout)
}

// NewConnectionID returns a fresh identifier for one admitted connection.
func NewConnectionID() string {
	return uuid.NewString()
}

// ContextWithConnectionID tags a context with the connection it serves.
func ContextWithConnectionID(parent context.Context, id string) context.Context {
	return context.WithValue(parent, connectionIDKey, id)
}

// ConnectionIDFromContext returns the connection id or "" when unset.
func ConnectionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(connectionIDKey).(string); ok {
		return id
	}
	return ""
}
