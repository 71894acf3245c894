package ldap

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-ldap/ldap/v3"
)

// connector dials and authenticates connections for a factory.
type connector struct {
	config  *ConnectionConfig
	servers []*ServerInfo
	dial    DialFunc
	logger  Logger

	totalCreated atomic.Int64
	totalErrors  atomic.Int64
}

func newConnector(config *ConnectionConfig) (*connector, error) {
	servers, err := ParseServers(config.Servers, config.Mode)
	if err != nil {
		return nil, err
	}

	dial := config.Dialer
	if dial == nil {
		dial = DialServer
	}

	logger := config.Logger
	if logger == nil {
		logger = NopLogger()
	}

	return &connector{
		config:  config,
		servers: servers,
		dial:    dial,
		logger:  logger,
	}, nil
}

// preferredIndex maps an affinity key onto a stable server index.
func (c *connector) preferredIndex(key string) int {
	if key == "" || len(c.servers) < 2 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(c.servers)))
}

// newBackOff returns the retry policy for one connection attempt.
func (c *connector) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.InitialBackoff
	b.MaxInterval = c.config.MaxBackoff
	b.Multiplier = c.config.BackoffFactor
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.config.MaxRetries)), ctx)
}

// connect opens an authenticated connection, trying every server starting
// at preferred in each round and backing off between rounds.
func (c *connector) connect(ctx context.Context, preferred int) (*PooledConnection, error) {
	var (
		result  *PooledConnection
		lastErr error
	)

	operation := func() error {
		for i := range c.servers {
			idx := (preferred + i) % len(c.servers)

			pc, authFailed, err := c.connectServer(ctx, idx)
			if err == nil {
				result = pc
				return nil
			}

			lastErr = err
			c.totalErrors.Add(1)

			if authFailed {
				return backoff.Permanent(err)
			}

			LogPoolEvent(c.logger, "server_failover", map[string]any{
				"server": ServerInfoToURL(c.servers[idx]),
				"error":  err.Error(),
			})
		}
		return lastErr
	}

	if err := backoff.Retry(operation, c.newBackOff(ctx)); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, NewConnectionError("connection attempt cancelled", false, ctxErr)
		}
		var ldapErr *ldap.Error
		if errors.As(lastErr, &ldapErr) && isAuthResultCode(ldapErr.ResultCode) {
			return nil, NewConnectionError("failed to authenticate connection", false, lastErr)
		}
		LogPoolEvent(c.logger, "all_connections_failed", map[string]any{
			"servers": len(c.servers),
			"error":   lastErr.Error(),
		})
		return nil, NewConnectionError("failed to create connection after retries", true, lastErr)
	}

	return result, nil
}

// connectServer dials and authenticates one server.
func (c *connector) connectServer(ctx context.Context, idx int) (*PooledConnection, bool, error) {
	server := c.servers[idx]

	conn, err := c.dial(ctx, server, c.config)
	if err != nil {
		return nil, false, err
	}

	conn.SetTimeout(c.config.Timeout)

	pc := &PooledConnection{
		conn:        conn,
		lastUsed:    time.Now(),
		healthy:     true,
		serverInfo:  server,
		serverIndex: idx,
	}

	if c.config.HasAuthentication() {
		if err := c.authenticate(pc); err != nil {
			conn.Close()
			return nil, true, fmt.Errorf("failed to authenticate connection to %s: %w", ServerInfoToURL(server), err)
		}
	}

	c.totalCreated.Add(1)
	LogPoolEvent(c.logger, "connection_created", map[string]any{
		"server":    ServerInfoToURL(server),
		"server_id": server.ServerID,
	})

	return pc, false, nil
}

// authenticate binds a connection with the configured credentials.
func (c *connector) authenticate(pc *PooledConnection) error {
	if pc == nil || pc.conn == nil {
		return fmt.Errorf("connection is nil")
	}

	var err error

	switch method := c.config.GetAuthMethod(); method {
	case AuthMethodSimpleBind:
		err = pc.conn.Bind(c.config.BindDN, c.config.Password)
	case AuthMethodKerberos:
		err = performKerberosAuth(pc.conn, c.config, pc.serverInfo, c.logger)
	case AuthMethodNone:
		return nil
	default:
		return fmt.Errorf("unsupported authentication method: %s", method.String())
	}

	if err != nil {
		pc.authenticated = false
		pc.authTime = time.Time{}
		return err
	}

	pc.authenticated = true
	pc.authTime = time.Now()
	return nil
}

// heartbeat runs the configured keep-alive search on conn.
func (c *connector) heartbeat(conn Conn) error {
	filter := c.config.HeartbeatFilter
	if filter == "" {
		filter = "(objectClass=*)"
	}

	req := ldap.NewSearchRequest(
		c.config.HeartbeatBaseDN,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, int(c.config.Timeout.Seconds()), false,
		filter,
		[]string{"1.1"},
		nil,
	)

	_, err := conn.Search(req)
	return err
}

func isAuthResultCode(code uint16) bool {
	switch code {
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired,
		ldap.LDAPResultConfidentialityRequired:
		return true
	default:
		return false
	}
}
