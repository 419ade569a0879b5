// Package constants provides centralized constant definitions for the dealroom service.
// This eliminates magic numbers and strings throughout the codebase.
package constants

import "time"

// HTTP Status Codes
const (
	StatusOK                 = 200
	StatusAccepted           = 202
	StatusServiceUnavailable = 503
)

// Timeouts for various operations
const (
	DefaultContextTimeout = 10 * time.Second // Standard database operations
	MongoIndexTimeout     = 30 * time.Second // MongoDB index creation
	HealthCheckTimeout    = 2 * time.Second  // Health check operations
	PresenceTimeout       = 2 * time.Second  // Presence mirror writes
	HistoryWriteTimeout   = 5 * time.Second  // Connection report inserts
	DefaultShutdownWait   = 15 * time.Second // Graceful shutdown budget
)

// Connection core defaults
const (
	DefaultQueueSize         = 100              // Offline messages kept per user
	DefaultRateLimitMessages = 100              // Sends accepted per connection per window
	DefaultRateLimitWindow   = 60 * time.Second // Fixed rate limit window
	DefaultSendBuffer        = 256              // Outbound channel capacity per connection
	DefaultPingInterval      = 30 * time.Second // Heartbeat ping period
	DefaultPongTimeout       = 10 * time.Second // Time allowed for the client pong
	DefaultMaxMissedPongs    = 3                // Consecutive misses before disconnect
	DefaultWriteTimeout      = 10 * time.Second // Per-frame write deadline
	DefaultMaxMessageSize    = 65536            // Inbound frame limit in bytes
	DefaultProgressInterval  = 2 * time.Second  // Min spacing of analysis progress events per document
	MaxUpgradesPerUser       = 5                // Concurrent upgrade attempts per user
	DefaultPresenceUpdates   = 5                // Client presence changes fanned out per rate limit window
)

// Sizes and Limits
const (
	DefaultHistoryLimit   = 50   // Default number of connection reports returned
	MaxHistoryLimit       = 500  // Maximum connection reports per query
	DefaultAdminRateLimit = 20   // Default admin requests per minute
	MaxRetryAttempts      = 3    // Maximum retry attempts for transient errors
	PublicEndpointRate    = 60   // Requests per minute for public endpoints (healthz, readyz, metrics)
	MaxCustomFieldsSize   = 8192 // Maximum bytes of custom notification payload
)

// HTTP Server Timeouts (for standalone server mode)
const (
	HTTPReadTimeout = 15 * time.Second
	HTTPIdleTimeout = 120 * time.Second
)

// Durations for background operations
const (
	DefaultRateWindow      = 1 * time.Minute
	DefaultCleanupInterval = 5 * time.Minute
	DefaultQueueTTL        = 24 * time.Hour // Offline queues idle this long are discarded
	OfflinePresenceTTL     = 24 * time.Hour
	InitialRetryDelay      = 100 * time.Millisecond
	MaxRetryDelay          = 2 * time.Second
	RetryMultiplier        = 2.0
)

// Role Names for authorization
const (
	RoleAdmin    = "admin"
	RoleOperator = "realtime_operator"
)

// Default Configuration Values
const (
	DefaultPort              = 8080
	DefaultLogLevel          = "info"
	DefaultLogDir            = "logs"
	DefaultPathPrefix        = "/dealroom"
	DefaultHistoryDatabase   = "dealroom"
	DefaultHistoryCollection = "connections"
	DefaultNATSSubject       = "dealroom.events.>"
	DefaultNATSQueue         = "dealroom-core"
)

// HTTP Headers
const (
	HeaderAuthorization = "Authorization"
	HeaderRetryAfter    = "Retry-After"
	BearerPrefix        = "Bearer "
	BearerPrefixLength  = 7
)

// Error Messages
const (
	ErrMsgUserIDRequired = "User ID is required"
)

// Disconnect reasons recorded in connection reports
const (
	ReasonClientClosed     = "client_closed"
	ReasonSuperseded       = "superseded"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonWriteError       = "write_error"
	ReasonRequested        = "requested"
	ReasonShutdown         = "shutdown"
	ReasonMessageTooLarge  = "message_too_large"
)

// MongoDB Field Names (BSON tags)
const (
	MongoFieldID             = "_id"
	MongoFieldUserID         = "uid"
	MongoFieldOrganizationID = "oid"
	MongoFieldConnectedAt    = "ts"
	MongoFieldDisconnectedAt = "endTs"
)

// MongoDB Index Names
const (
	IndexUserConnectedAt = "idx_user_connected_at"
	IndexOrganization    = "idx_organization"
)

// Weak Secrets for validation (security check)
var WeakSecrets = []string{
	"secret", "test", "test123", "password", "admin",
	"changeme", "default", "example", "demo", "12345",
	"placeholder",
}

// Minimum Security Requirements
const (
	MinJWTSecretLength = 32 // Minimum length for JWT secret (256 bits)
)

// Retry After Calculation
const (
	MillisecondsPerSecond = 1000
	MinRetryAfterSeconds  = 1
)

// Network configuration defaults
const (
	DefaultTrustedProxies         = "10.0.0.0/8,172.16.0.0/12,192.168.0.0/16"
	DefaultMetricsAllowedNetworks = "10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,127.0.0.0/8"
)
