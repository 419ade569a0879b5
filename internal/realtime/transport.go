// Package realtime owns the live connection set: admission, per-connection
// outbound serialization, room membership, offline queues, rate limiting,
// heartbeats and introspection.
package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/real-rm/dealroom/internal/rooms"
)

var (
	// ErrInvalidIdentity is returned by Connect for an identity without user or organization
	ErrInvalidIdentity = errors.New("invalid identity")
	// ErrManagerClosed is returned by Connect after Shutdown
	ErrManagerClosed = errors.New("connection manager is shut down")
)

// Identity is the authenticated principal behind a connection. It is trusted as given.
type Identity struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	DisplayName    string `json:"display_name,omitempty"`
}

// Validate reports whether the identity can be admitted
func (id Identity) Validate() error {
	if id.UserID == "" {
		return errors.New("user id is required")
	}
	if id.OrganizationID == "" {
		return errors.New("organization id is required")
	}
	return nil
}

// Transport is the socket under a connection. WriteMessage is only ever
// called from the connection's writer goroutine; Close may be called from
// any goroutine and more than once.
type Transport interface {
	WriteMessage(data []byte) error
	Close() error
}

// Report describes a retired connection. It is produced exactly once per connection.
type Report struct {
	ConnectionID   string          `json:"connection_id"`
	Identity       Identity        `json:"identity"`
	Reason         string          `json:"reason"`
	ConnectedAt    time.Time       `json:"connected_at"`
	DisconnectedAt time.Time       `json:"disconnected_at"`
	Rooms          []rooms.Room    `json:"rooms"`
	Metrics        MetricsSnapshot `json:"metrics"`
}

// Duration returns how long the connection was live
func (r Report) Duration() time.Duration {
	return r.DisconnectedAt.Sub(r.ConnectedAt)
}

// LifecycleHook observes admissions and retirements. Hooks run on their own
// goroutine, never under the manager lock, and must not block for long.
type LifecycleHook interface {
	OnConnect(ctx context.Context, connectionID string, id Identity, at time.Time)
	OnDisconnect(ctx context.Context, report Report)
}

// PresenceHook is an optional extension of LifecycleHook notified of
// client presence_update frames.
type PresenceHook interface {
	OnPresence(ctx context.Context, id Identity, status string, at time.Time)
}
