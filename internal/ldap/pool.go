package ldap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
)

// connectionPool implements ConnectionFactory with a bounded set of
// reusable connections kept per server.
type connectionPool struct {
	config    *ConnectionConfig
	connector *connector
	logger    Logger

	idle  []chan *PooledConnection // idle connections per server index
	slots chan struct{}            // one token per borrowed connection

	mu     sync.RWMutex
	closed bool

	// Statistics
	activeConns atomic.Int64
	startTime   time.Time

	// Health checking
	healthTicker *time.Ticker
	healthStop   chan struct{}
	healthWg     sync.WaitGroup
}

// newConnectionPool creates the pool and opens MinConnections connections.
func newConnectionPool(ctx context.Context, config *ConnectionConfig, c *connector) (*connectionPool, error) {
	pool := &connectionPool{
		config:     config,
		connector:  c,
		logger:     c.logger,
		idle:       make([]chan *PooledConnection, len(c.servers)),
		slots:      make(chan struct{}, config.MaxConnections),
		startTime:  time.Now(),
		healthStop: make(chan struct{}),
	}

	for i := range pool.idle {
		pool.idle[i] = make(chan *PooledConnection, config.MaxConnections)
	}

	for range config.MinConnections {
		pc, err := c.connect(ctx, 0)
		if err != nil {
			_ = pool.Close()
			LogPoolEvent(pool.logger, "pool_creation_failed", map[string]any{"error": err.Error()})
			return nil, err
		}
		pool.putIdle(pc)
	}

	if config.Heartbeat > 0 {
		pool.startHealthChecker()
	}

	LogPoolEvent(pool.logger, "pool_initialized", map[string]any{
		"servers":         len(c.servers),
		"min_connections": config.MinConnections,
		"max_connections": config.MaxConnections,
	})

	return pool, nil
}

// Get retrieves a connection from the pool.
func (p *connectionPool) Get(ctx context.Context) (*PooledConnection, error) {
	return p.GetFor(ctx, "")
}

// GetFor retrieves a connection, preferring the server bound to affinityKey when affinity is enabled.
func (p *connectionPool) GetFor(ctx context.Context, affinityKey string) (*PooledConnection, error) {
	if p.isClosed() {
		return nil, errors.New("connection pool is closed")
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		LogPoolEvent(p.logger, "pool_exhausted", map[string]any{"max_connections": p.config.MaxConnections})
		return nil, NewConnectionError("timed out waiting for a pooled connection", true, ctx.Err())
	}

	preferred := 0
	if p.config.Affinity {
		preferred = p.connector.preferredIndex(affinityKey)
	}

	for {
		pc := p.takeIdle(preferred)
		if pc == nil {
			break
		}
		if p.isConnectionHealthy(pc) {
			return p.checkout(pc), nil
		}
		p.closeConnection(pc)
	}

	pc, err := p.connector.connect(ctx, preferred)
	if err != nil {
		<-p.slots
		return nil, err
	}

	return p.checkout(pc), nil
}

func (p *connectionPool) checkout(pc *PooledConnection) *PooledConnection {
	pc.lastUsed = time.Now()
	pc.returnToPool = p.returnConnection
	pc.released.Store(false)
	p.activeConns.Add(1)

	LogPoolEvent(p.logger, "connection_acquired", map[string]any{
		"server": ServerInfoToURL(pc.serverInfo),
	})
	return pc
}

// takeIdle returns an idle connection, trying preferred first.
func (p *connectionPool) takeIdle(preferred int) *PooledConnection {
	for i := range p.idle {
		idx := (preferred + i) % len(p.idle)
		select {
		case pc := <-p.idle[idx]:
			return pc
		default:
		}
	}
	return nil
}

// putIdle parks a connection, closing it when the server's idle queue is full.
func (p *connectionPool) putIdle(pc *PooledConnection) {
	select {
	case p.idle[pc.serverIndex] <- pc:
	default:
		p.closeConnection(pc)
	}
}

// returnConnection returns a connection to the pool.
func (p *connectionPool) returnConnection(pc *PooledConnection) {
	if pc == nil {
		return
	}

	p.activeConns.Add(-1)
	defer func() { <-p.slots }()

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.closeConnection(pc)
		return
	}

	if p.isConnectionHealthy(pc) {
		pc.lastUsed = time.Now()
		p.putIdle(pc)
		LogPoolEvent(p.logger, "connection_released", map[string]any{
			"server": ServerInfoToURL(pc.serverInfo),
		})
		return
	}

	p.closeConnection(pc)
}

// isConnectionHealthy checks if a connection may be reused.
func (p *connectionPool) isConnectionHealthy(pc *PooledConnection) bool {
	if pc == nil || pc.conn == nil || !pc.healthy || pc.conn.IsClosing() {
		return false
	}

	if time.Since(pc.lastUsed) > p.config.MaxIdleTime {
		return false
	}

	// If authentication is configured but connection has never been authenticated, consider unhealthy
	if p.config.HasAuthentication() && !pc.authenticated {
		return false
	}

	return true
}

// closeConnection closes a pooled connection.
func (p *connectionPool) closeConnection(pc *PooledConnection) error {
	if pc == nil || pc.conn == nil {
		return nil
	}
	pc.healthy = false
	pc.authenticated = false
	pc.authTime = time.Time{}
	return pc.conn.Close()
}

func (p *connectionPool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Close closes all idle connections and shuts down the pool.
// Borrowed connections are closed when they are returned.
func (p *connectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.healthTicker != nil {
		close(p.healthStop)
		p.healthWg.Wait()
		p.healthTicker.Stop()
	}

	var result *multierror.Error
	for _, ch := range p.idle {
	drain:
		for {
			select {
			case pc := <-ch:
				if err := p.closeConnection(pc); err != nil {
					result = multierror.Append(result, err)
				}
			default:
				break drain
			}
		}
	}

	return result.ErrorOrNil()
}

// Stats returns pool statistics.
func (p *connectionPool) Stats() PoolStats {
	idle := 0
	for _, ch := range p.idle {
		idle += len(ch)
	}
	active := p.activeConns.Load()

	return PoolStats{
		Total:   idle + int(active),
		Active:  active,
		Idle:    idle,
		Created: p.connector.totalCreated.Load(),
		Errors:  p.connector.totalErrors.Load(),
		Servers: len(p.connector.servers),
		Uptime:  time.Since(p.startTime),
	}
}

// HealthCheck borrows one connection and runs the keep-alive search on it.
func (p *connectionPool) HealthCheck(ctx context.Context) error {
	pc, err := p.Get(ctx)
	if err != nil {
		return err
	}
	defer pc.Close()

	if err := p.connector.heartbeat(pc.conn); err != nil {
		pc.MarkBroken()
		LogPoolEvent(p.logger, "health_check_failed", map[string]any{
			"server": ServerInfoToURL(pc.serverInfo),
			"error":  err.Error(),
		})
		return fmt.Errorf("health check failed: %w", err)
	}

	return nil
}

// startHealthChecker starts the periodic keep-alive.
func (p *connectionPool) startHealthChecker() {
	p.healthTicker = time.NewTicker(p.config.Heartbeat)

	p.healthWg.Go(func() {
		for {
			select {
			case <-p.healthTicker.C:
				p.performHealthCheck()
			case <-p.healthStop:
				return
			}
		}
	})
}

// performHealthCheck probes every idle connection once.
func (p *connectionPool) performHealthCheck() {
	var toCheck []*PooledConnection

	for _, ch := range p.idle {
		for range len(ch) {
			select {
			case pc := <-ch:
				toCheck = append(toCheck, pc)
			default:
			}
		}
	}

	for _, pc := range toCheck {
		if p.isConnectionHealthy(pc) && p.connector.heartbeat(pc.conn) == nil {
			p.putIdle(pc)
			continue
		}
		LogPoolEvent(p.logger, "health_check_failed", map[string]any{
			"server": ServerInfoToURL(pc.serverInfo),
		})
		p.closeConnection(pc)
	}
}
