package ldap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// singleConnectionFactory shares one failover connection between callers,
// one at a time. It is used when MaxConnections is 1.
type singleConnectionFactory struct {
	config    *ConnectionConfig
	connector *connector
	logger    Logger

	token chan struct{} // held by the current borrower

	mu      sync.Mutex
	current *PooledConnection
	closed  bool

	activeConns atomic.Int64
	startTime   time.Time

	healthTicker *time.Ticker
	healthStop   chan struct{}
	healthWg     sync.WaitGroup
}

func newSingleConnectionFactory(ctx context.Context, config *ConnectionConfig, c *connector) (*singleConnectionFactory, error) {
	f := &singleConnectionFactory{
		config:     config,
		connector:  c,
		logger:     c.logger,
		token:      make(chan struct{}, 1),
		startTime:  time.Now(),
		healthStop: make(chan struct{}),
	}

	if config.MinConnections > 0 {
		pc, err := c.connect(ctx, 0)
		if err != nil {
			LogPoolEvent(f.logger, "pool_creation_failed", map[string]any{"error": err.Error()})
			return nil, err
		}
		f.current = pc
	}

	if config.Heartbeat > 0 {
		f.healthTicker = time.NewTicker(config.Heartbeat)
		f.healthWg.Go(func() {
			for {
				select {
				case <-f.healthTicker.C:
					f.performHealthCheck()
				case <-f.healthStop:
					return
				}
			}
		})
	}

	LogPoolEvent(f.logger, "pool_initialized", map[string]any{
		"servers":         len(c.servers),
		"max_connections": 1,
	})

	return f, nil
}

// Get waits for the shared connection, reconnecting it when it was lost.
func (f *singleConnectionFactory) Get(ctx context.Context) (*PooledConnection, error) {
	return f.GetFor(ctx, "")
}

// GetFor is Get; a single connection has no server choice to make.
func (f *singleConnectionFactory) GetFor(ctx context.Context, _ string) (*PooledConnection, error) {
	select {
	case f.token <- struct{}{}:
	case <-ctx.Done():
		return nil, NewConnectionError("timed out waiting for the connection", true, ctx.Err())
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		<-f.token
		return nil, errors.New("connection factory is closed")
	}

	if !f.usable(f.current) {
		if f.current != nil {
			_ = f.current.conn.Close()
			f.current = nil
		}
		pc, err := f.connector.connect(ctx, 0)
		if err != nil {
			<-f.token
			return nil, err
		}
		f.current = pc
	}

	pc := f.current
	pc.lastUsed = time.Now()
	pc.returnToPool = f.release
	pc.released.Store(false)
	f.activeConns.Add(1)

	return pc, nil
}

func (f *singleConnectionFactory) usable(pc *PooledConnection) bool {
	return pc != nil && pc.conn != nil && pc.healthy && !pc.conn.IsClosing()
}

func (f *singleConnectionFactory) release(pc *PooledConnection) {
	f.activeConns.Add(-1)
	defer func() { <-f.token }()

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || !f.usable(pc) {
		if pc.conn != nil {
			_ = pc.conn.Close()
		}
		if f.current == pc {
			f.current = nil
		}
	}
}

// Close closes the shared connection.
func (f *singleConnectionFactory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	current := f.current
	f.current = nil
	f.mu.Unlock()

	if f.healthTicker != nil {
		close(f.healthStop)
		f.healthWg.Wait()
		f.healthTicker.Stop()
	}

	if current != nil && current.conn != nil && f.activeConns.Load() == 0 {
		return current.conn.Close()
	}
	return nil
}

// Stats returns factory statistics.
func (f *singleConnectionFactory) Stats() PoolStats {
	f.mu.Lock()
	total := 0
	if f.current != nil {
		total = 1
	}
	f.mu.Unlock()

	active := f.activeConns.Load()
	return PoolStats{
		Total:   total,
		Active:  active,
		Idle:    total - int(active),
		Created: f.connector.totalCreated.Load(),
		Errors:  f.connector.totalErrors.Load(),
		Servers: len(f.connector.servers),
		Uptime:  time.Since(f.startTime),
	}
}

// HealthCheck runs the keep-alive search on the shared connection.
func (f *singleConnectionFactory) HealthCheck(ctx context.Context) error {
	pc, err := f.Get(ctx)
	if err != nil {
		return err
	}
	defer pc.Close()

	if err := f.connector.heartbeat(pc.conn); err != nil {
		pc.MarkBroken()
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// performHealthCheck probes the connection when nobody holds it.
func (f *singleConnectionFactory) performHealthCheck() {
	select {
	case f.token <- struct{}{}:
	default:
		return
	}
	defer func() { <-f.token }()

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || f.current == nil {
		return
	}

	if !f.usable(f.current) || f.connector.heartbeat(f.current.conn) != nil {
		LogPoolEvent(f.logger, "health_check_failed", map[string]any{
			"server": ServerInfoToURL(f.current.serverInfo),
		})
		_ = f.current.conn.Close()
		f.current = nil
	}
}
