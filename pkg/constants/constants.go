// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// StoreTimeout bounds a single call store round trip issued from the signaling path
	StoreTimeout = 5 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// WebSocket-related constants
const (
	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 25 * time.Second

	// WebSocketPongWait is how long a connection may stay silent before it is considered dead
	WebSocketPongWait = 60 * time.Second

	// WebSocketWriteWait is the deadline for a single frame write
	WebSocketWriteWait = 10 * time.Second

	// WebSocketReadLimit is the maximum inbound frame size (SDP blobs can be large)
	WebSocketReadLimit = 256 * 1024

	// WebSocketSendBuffer is the per-connection outbound queue length
	WebSocketSendBuffer = 64

	// DefaultMaxSignalingConnections caps concurrent signaling sessions
	DefaultMaxSignalingConnections = 1000
)

// JWT-related constants
const (
	// AccessTokenExpiry is the default access token lifetime
	AccessTokenExpiry = 12 * time.Hour

	// TokenIssuer is the issuer stamped into and expected from access tokens
	TokenIssuer = "telemed-auth"

	// TokenAudience is the audience stamped into and expected from access tokens
	TokenAudience = "telemed-api"
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Call-related constants
const (
	// CallExpiryWindow is the advisory deadline attached to every new call.
	// Nothing transitions a call when it passes.
	CallExpiryWindow = 40 * time.Minute

	// CallLinkSuffixLength is the number of random characters in a call link
	CallLinkSuffixLength = 7

	// TombstoneRetention is how long the hub remembers a terminated call id
	TombstoneRetention = 2 * time.Minute
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)

// Presence constants
const (
	// PresenceTTL is how long a presence entry survives without a refresh
	PresenceTTL = 5 * time.Minute
)

// Report constants
const (
	// ReportURLExpiry is the validity period for presigned report URLs
	ReportURLExpiry = 15 * time.Minute

	// ReportContentType is the content type of archived consultation reports
	ReportContentType = "application/json"
)

// Rate limiting constants
const (
	// RateLimitRequests is the number of REST requests a caller may make per window
	RateLimitRequests = 120

	// RateLimitWindow is the rate limiting window
	RateLimitWindow = time.Minute
)

// Audit log constants
const (
	// AuditLogRetention is the duration call audit trails are retained
	AuditLogRetention = 90 * 24 * time.Hour // 90 days
)

// Cache constants
const (
	// PatientCacheTTL is how long a patient summary stays in Redis
	PatientCacheTTL = 10 * time.Minute
)
