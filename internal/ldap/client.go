package ldap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-ldap/ldap/v3"
)

// DefaultPageSize is the page size used by SearchWithPaging.
const DefaultPageSize = 1000

// Client runs protocol operations on connections borrowed from a ConnectionFactory.
type Client struct {
	factory ConnectionFactory
	config  *ConnectionConfig
	logger  Logger
}

// NewClient creates a client over factory. The client owns the factory and closes it on Close.
func NewClient(factory ConnectionFactory, config *ConnectionConfig) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = NopLogger()
	}
	return &Client{
		factory: factory,
		config:  config,
		logger:  logger,
	}
}

// Dial validates config, builds its connection factory and wraps it in a Client.
func Dial(ctx context.Context, config *ConnectionConfig) (*Client, error) {
	factory, err := NewConnectionFactory(ctx, config)
	if err != nil {
		return nil, err
	}
	return NewClient(factory, config), nil
}

// Close closes the underlying factory.
func (c *Client) Close() error {
	return c.factory.Close()
}

// Stats returns factory statistics.
func (c *Client) Stats() PoolStats {
	return c.factory.Stats()
}

// Ping runs the keep-alive search on a pooled connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.factory.HealthCheck(ctx)
}

// WithConn borrows a connection for the duration of fn. Connections that
// fail with a transport error are discarded instead of returned to the pool.
func (c *Client) WithConn(ctx context.Context, affinityKey string, fn func(conn Conn) error) error {
	pc, err := c.factory.GetFor(ctx, affinityKey)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer pc.Close()

	err = fn(pc.Conn())
	if isConnectionLoss(err) {
		pc.MarkBroken()
	}
	return err
}

// Search performs a search, retrying transport failures. A partial result is
// returned alongside size or time limit errors.
func (c *Client) Search(ctx context.Context, req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	if req == nil {
		return nil, fmt.Errorf("search request cannot be nil")
	}

	var result *ldap.SearchResult
	err := LogOperation(c.logger, "search", searchFields(req), func() error {
		return c.withRetry(ctx, func() error {
			return c.WithConn(ctx, "", func(conn Conn) error {
				var searchErr error
				result, searchErr = conn.Search(req)
				return searchErr
			})
		})
	})

	return result, err
}

// SearchWithPaging performs a search using the simple paged results control,
// collecting every page on one connection.
func (c *Client) SearchWithPaging(ctx context.Context, req *ldap.SearchRequest, pageSize uint32) (*ldap.SearchResult, error) {
	if req == nil {
		return nil, fmt.Errorf("search request cannot be nil")
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}

	fields := searchFields(req)
	fields["page_size"] = pageSize

	result := &ldap.SearchResult{}
	err := LogOperation(c.logger, "paged_search", fields, func() error {
		return c.WithConn(ctx, "", func(conn Conn) error {
			paging := ldap.NewControlPaging(pageSize)
			controls := append(append([]ldap.Control(nil), req.Controls...), paging)
			pageNum := 0

			for {
				if err := ctx.Err(); err != nil {
					return err
				}
				pageNum++

				pageReq := *req
				pageReq.Controls = controls

				page, err := conn.Search(&pageReq)
				if page != nil {
					result.Entries = append(result.Entries, page.Entries...)
					result.Referrals = append(result.Referrals, page.Referrals...)
				}
				if err != nil {
					return err
				}

				cookie := pagingCookie(page)
				if len(cookie) == 0 {
					c.logger.Trace("Paged search completed", map[string]any{
						"pages":   pageNum,
						"entries": len(result.Entries),
					})
					return nil
				}
				paging.SetCookie(cookie)
			}
		})
	})

	return result, err
}

func pagingCookie(result *ldap.SearchResult) []byte {
	if result == nil {
		return nil
	}
	if c, ok := ldap.FindControl(result.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging); ok {
		return c.Cookie
	}
	return nil
}

// Add creates a new entry.
func (c *Client) Add(ctx context.Context, req *ldap.AddRequest) error {
	if req == nil {
		return fmt.Errorf("add request cannot be nil")
	}

	return LogOperation(c.logger, "add", map[string]any{"dn": req.DN}, func() error {
		return c.withRetry(ctx, func() error {
			return c.WithConn(ctx, req.DN, func(conn Conn) error {
				return conn.Add(req)
			})
		})
	})
}

// Modify modifies an existing entry.
func (c *Client) Modify(ctx context.Context, req *ldap.ModifyRequest) error {
	if req == nil {
		return fmt.Errorf("modify request cannot be nil")
	}

	return LogOperation(c.logger, "modify", map[string]any{
		"dn":            req.DN,
		"modifications": len(req.Changes),
	}, func() error {
		return c.withRetry(ctx, func() error {
			return c.WithConn(ctx, req.DN, func(conn Conn) error {
				return conn.Modify(req)
			})
		})
	})
}

// Delete removes an entry.
func (c *Client) Delete(ctx context.Context, dn string, controls ...ldap.Control) error {
	if dn == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	return LogOperation(c.logger, "delete", map[string]any{"dn": dn}, func() error {
		return c.withRetry(ctx, func() error {
			return c.WithConn(ctx, dn, func(conn Conn) error {
				return conn.Del(ldap.NewDelRequest(dn, controls))
			})
		})
	})
}

// RootDSE reads the requested attributes of the root DSE.
func (c *Client) RootDSE(ctx context.Context, attributes ...string) (*ldap.Entry, error) {
	req := ldap.NewSearchRequest(
		"",
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, int(c.config.Timeout.Seconds()), false,
		"(objectClass=*)",
		attributes,
		nil,
	)

	result, err := c.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to read root DSE: %w", err)
	}
	if len(result.Entries) == 0 {
		return nil, fmt.Errorf("no root DSE found")
	}
	return result.Entries[0], nil
}

// withRetry executes an operation, retrying retryable failures with backoff.
func (c *Client) withRetry(ctx context.Context, operation func() error) error {
	attempt := 0

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.InitialBackoff
	b.MaxInterval = c.config.MaxBackoff
	b.Multiplier = c.config.BackoffFactor
	b.MaxElapsedTime = 0
	b.Reset()

	err := backoff.Retry(func() error {
		attempt++
		err := operation()
		if err == nil {
			if attempt > 1 {
				c.logger.Info("Operation succeeded after retries", map[string]any{"attempts": attempt})
			}
			return nil
		}
		if !IsRetryableError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		c.logger.Debug("Retrying operation", map[string]any{
			"attempt":   attempt,
			"max_retry": c.config.MaxRetries,
			"error":     err.Error(),
		})
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.config.MaxRetries)), ctx))

	return err
}

// isConnectionLoss reports whether err means the connection itself is unusable.
func isConnectionLoss(err error) bool {
	if err == nil {
		return false
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	return HasResultCode(err, ldap.ErrorNetwork, ldap.LDAPResultServerDown, ldap.LDAPResultConnectError)
}

func searchFields(req *ldap.SearchRequest) map[string]any {
	return map[string]any{
		"base_dn":    req.BaseDN,
		"scope":      ldap.ScopeMap[req.Scope],
		"filter":     req.Filter,
		"attributes": req.Attributes,
		"size_limit": req.SizeLimit,
		"time_limit": (time.Duration(req.TimeLimit) * time.Second).String(),
	}
}
