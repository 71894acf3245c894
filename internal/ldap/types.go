package ldap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// SecurityMode selects the transport used to reach the directory.
type SecurityMode int

const (
	SecurityModeNone     SecurityMode = iota // Plain ldap://
	SecurityModeStartTLS                     // ldap:// upgraded with StartTLS
	SecurityModeLDAPS                        // ldaps://
)

// String returns the configuration spelling of the security mode.
func (m SecurityMode) String() string {
	switch m {
	case SecurityModeNone:
		return "LDAP"
	case SecurityModeStartTLS:
		return "StartTLS"
	case SecurityModeLDAPS:
		return "LDAPS"
	default:
		return "unknown"
	}
}

// ParseSecurityMode parses a connection mode value such as "LDAP", "StartTLS" or "LDAPS".
func ParseSecurityMode(s string) (SecurityMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ldap", "plain", "none":
		return SecurityModeNone, nil
	case "starttls":
		return SecurityModeStartTLS, nil
	case "ldaps", "ssl", "tls":
		return SecurityModeLDAPS, nil
	default:
		return SecurityModeNone, fmt.Errorf("unsupported connection mode %q", s)
	}
}

// ConnectionConfig holds configuration for one connection factory.
type ConnectionConfig struct {
	// Connection settings
	Servers []string      // Priority ordered server entries (URL, host:port or host:port|serverID|siteID)
	Mode    SecurityMode  // Transport security
	Timeout time.Duration // Connect and request timeout

	// Authentication settings. An empty BindDN without Kerberos means an anonymous factory.
	BindDN         string
	Password       string
	KerberosRealm  string // Kerberos realm for GSSAPI authentication
	KerberosKeytab string // Path to Kerberos keytab file
	KerberosConfig string // Path to krb5.conf
	KerberosCCache string // Path to a credential cache
	KerberosSPN    string // Service principal override

	// TLS settings
	TLSConfig *tls.Config

	// Pool settings
	MinConnections  int           // Connections opened at construction
	MaxConnections  int           // Maximum connections borrowed at once; 1 selects the single-connection factory
	MaxIdleTime     time.Duration // Maximum idle time before a connection is discarded
	Heartbeat       time.Duration // Keep-alive interval, 0 disables
	HeartbeatBaseDN string        // Keep-alive search base
	HeartbeatFilter string        // Keep-alive search filter
	Affinity        bool          // Sticky server selection for GetFor

	// Retry settings
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64

	// Dialer opens transport connections; nil uses DialServer.
	Dialer DialFunc
	// Logger receives factory events; nil discards them.
	Logger Logger
}

// DefaultConfig returns a secure default configuration.
func DefaultConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Mode:            SecurityModeLDAPS,
		Timeout:         10 * time.Second,
		MinConnections:  1,
		MaxConnections:  10,
		MaxIdleTime:     5 * time.Minute,
		Heartbeat:       0,
		HeartbeatFilter: "(objectClass=*)",
		MaxRetries:      3,
		InitialBackoff:  500 * time.Millisecond,
		MaxBackoff:      30 * time.Second,
		BackoffFactor:   2.0,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// Clone returns a shallow copy whose slices are safe to modify.
func (c *ConnectionConfig) Clone() *ConnectionConfig {
	clone := *c
	clone.Servers = append([]string(nil), c.Servers...)
	if c.TLSConfig != nil {
		clone.TLSConfig = c.TLSConfig.Clone()
	}
	return &clone
}

// AuthMethod defines authentication method types.
type AuthMethod int

const (
	AuthMethodNone       AuthMethod = iota // Anonymous factory, callers bind themselves
	AuthMethodSimpleBind                   // Service account DN and password
	AuthMethodKerberos                     // GSSAPI/Kerberos authentication
)

// String returns string representation of authentication method.
func (a AuthMethod) String() string {
	switch a {
	case AuthMethodNone:
		return "none"
	case AuthMethodSimpleBind:
		return "simple"
	case AuthMethodKerberos:
		return "kerberos"
	default:
		return "unknown"
	}
}

// GetAuthMethod determines the authentication method from the configuration.
func (c *ConnectionConfig) GetAuthMethod() AuthMethod {
	if c.KerberosRealm != "" && (c.KerberosKeytab != "" || c.KerberosCCache != "" || c.BindDN != "") {
		return AuthMethodKerberos
	}
	if c.BindDN != "" {
		return AuthMethodSimpleBind
	}
	return AuthMethodNone
}

// HasAuthentication reports whether connections are bound at creation.
func (c *ConnectionConfig) HasAuthentication() bool {
	return c.GetAuthMethod() != AuthMethodNone
}

// PooledConnection is a connection borrowed from a ConnectionFactory.
// Close must be called on every exit path; it returns the connection to its factory.
type PooledConnection struct {
	conn          Conn
	lastUsed      time.Time
	healthy       bool
	authenticated bool
	authTime      time.Time
	serverInfo    *ServerInfo
	serverIndex   int
	released      atomic.Bool
	returnToPool  func(*PooledConnection)
}

// ServerInfo contains information about an LDAP server.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool
	Priority int
	ServerID string
	SiteID   string
	Source   string
}

// ConnectionFactory hands out scoped connections.
type ConnectionFactory interface {
	// Get retrieves a connection
	Get(ctx context.Context) (*PooledConnection, error)

	// GetFor retrieves a connection, preferring the server bound to affinityKey when affinity is enabled
	GetFor(ctx context.Context, affinityKey string) (*PooledConnection, error)

	// Close closes all connections and shuts down the factory
	Close() error

	// Stats returns factory statistics
	Stats() PoolStats

	// HealthCheck runs the keep-alive search on one connection
	HealthCheck(ctx context.Context) error
}

// PoolStats provides statistics about a connection factory.
type PoolStats struct {
	Total   int           // Total idle plus borrowed connections
	Active  int64         // Active (in-use) connections
	Idle    int           // Idle connections
	Created int64         // Total connections created
	Errors  int64         // Total connection errors
	Servers int           // Configured servers
	Uptime  time.Duration // Factory uptime
}

// RetryableError indicates an error that can be retried.
type RetryableError interface {
	error
	IsRetryable() bool
}

// ConnectionError represents connection-related errors.
type ConnectionError struct {
	message   string
	retryable bool
	cause     error
}

func (e *ConnectionError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *ConnectionError) IsRetryable() bool {
	return e.retryable
}

func (e *ConnectionError) Unwrap() error {
	return e.cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, retryable bool, cause error) *ConnectionError {
	return &ConnectionError{
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}
