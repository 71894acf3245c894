package ldap

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MaxConnectionPoolLimit is the maximum allowed connections in a pool.
const MaxConnectionPoolLimit = 100

// NewConnectionFactory validates config and builds a pooled factory, or a
// single-connection failover factory when MaxConnections is 1.
func NewConnectionFactory(ctx context.Context, config *ConnectionConfig) (ConnectionFactory, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c, err := newConnector(config)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if config.MaxConnections == 1 {
		return newSingleConnectionFactory(ctx, config, c)
	}
	return newConnectionPool(ctx, config, c)
}

// validateConfig validates the connection configuration.
func validateConfig(config *ConnectionConfig) error {
	if len(config.Servers) == 0 {
		return errors.New("at least one server must be configured")
	}

	if config.MaxConnections <= 0 {
		return errors.New("MaxConnections must be positive")
	}

	if config.MaxConnections > MaxConnectionPoolLimit {
		return fmt.Errorf("MaxConnections too high (max %d)", MaxConnectionPoolLimit)
	}

	if config.MinConnections < 0 {
		return errors.New("MinConnections cannot be negative")
	}

	if config.MinConnections > config.MaxConnections {
		return fmt.Errorf("MinConnections (%d) exceeds MaxConnections (%d)", config.MinConnections, config.MaxConnections)
	}

	if config.MaxIdleTime <= 0 {
		return errors.New("MaxIdleTime must be positive")
	}

	if config.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}

	if config.Heartbeat < 0 {
		return errors.New("heartbeat cannot be negative")
	}

	if config.MaxRetries < 0 {
		return errors.New("MaxRetries cannot be negative")
	}

	if config.BackoffFactor < 1.0 {
		return errors.New("BackoffFactor must be at least 1.0")
	}

	return nil
}

// Close returns the connection to its factory. Calling it more than once is a no-op.
func (pc *PooledConnection) Close() {
	if pc.released.CompareAndSwap(false, true) && pc.returnToPool != nil {
		pc.returnToPool(pc)
	}
}

// MarkBroken makes the factory discard the connection on Close.
func (pc *PooledConnection) MarkBroken() {
	pc.healthy = false
}

func (pc *PooledConnection) Conn() Conn {
	return pc.conn
}

func (pc *PooledConnection) ServerInfo() *ServerInfo {
	return pc.serverInfo
}

func (pc *PooledConnection) IsHealthy() bool {
	return pc.healthy
}

func (pc *PooledConnection) LastUsed() time.Time {
	return pc.lastUsed
}
