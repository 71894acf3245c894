// Package ldaptest provides test doubles for code built on the ldap package.
package ldaptest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/mock"

	ldapclient "github.com/isometry/ldap-idrepo/internal/ldap"
)

// MockConn is a testify mock of ldap.Conn. Protocol operations go through
// the mock; SetTimeout, IsClosing and Close keep local state so factories can
// manage the connection without extra expectations.
type MockConn struct {
	mock.Mock

	closed  atomic.Bool
	timeout atomic.Int64
}

var _ ldapclient.Conn = (*MockConn)(nil)

// NewMockConn returns an open mock connection.
func NewMockConn() *MockConn {
	return &MockConn{}
}

func (m *MockConn) Bind(username, password string) error {
	args := m.Called(username, password)
	return args.Error(0)
}

func (m *MockConn) SimpleBind(req *ldap.SimpleBindRequest) (*ldap.SimpleBindResult, error) {
	args := m.Called(req)
	result, _ := args.Get(0).(*ldap.SimpleBindResult)
	return result, args.Error(1)
}

func (m *MockConn) GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error {
	args := m.Called(client, servicePrincipal, authzid)
	return args.Error(0)
}

func (m *MockConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	args := m.Called(req)
	result, _ := args.Get(0).(*ldap.SearchResult)
	return result, args.Error(1)
}

func (m *MockConn) SearchAsync(ctx context.Context, req *ldap.SearchRequest, bufferSize int) ldap.Response {
	args := m.Called(ctx, req, bufferSize)
	if fn, ok := args.Get(0).(func(context.Context) ldap.Response); ok {
		return fn(ctx)
	}
	resp, _ := args.Get(0).(ldap.Response)
	return resp
}

func (m *MockConn) Add(req *ldap.AddRequest) error {
	args := m.Called(req)
	return args.Error(0)
}

func (m *MockConn) Modify(req *ldap.ModifyRequest) error {
	args := m.Called(req)
	return args.Error(0)
}

func (m *MockConn) Del(req *ldap.DelRequest) error {
	args := m.Called(req)
	return args.Error(0)
}

func (m *MockConn) SetTimeout(timeout time.Duration) {
	m.timeout.Store(int64(timeout))
}

// Timeout returns the last value passed to SetTimeout.
func (m *MockConn) Timeout() time.Duration {
	return time.Duration(m.timeout.Load())
}

func (m *MockConn) IsClosing() bool {
	return m.closed.Load()
}

func (m *MockConn) Close() error {
	m.closed.Store(true)
	return nil
}

// Break simulates the server dropping the connection.
func (m *MockConn) Break() {
	m.closed.Store(true)
}

// Closed reports whether Close was called.
func (m *MockConn) Closed() bool {
	return m.closed.Load()
}

// Dialer is an ldapclient.DialFunc that hands out connections produced by New
// and records every attempt.
type Dialer struct {
	New func(server *ldapclient.ServerInfo) (ldapclient.Conn, error)

	mu    sync.Mutex
	dials []string
	conns []ldapclient.Conn
}

// NewDialer returns a Dialer whose connections come from fn.
func NewDialer(fn func(server *ldapclient.ServerInfo) (ldapclient.Conn, error)) *Dialer {
	return &Dialer{New: fn}
}

// Dial implements ldapclient.DialFunc.
func (d *Dialer) Dial(_ context.Context, server *ldapclient.ServerInfo, _ *ldapclient.ConnectionConfig) (ldapclient.Conn, error) {
	conn, err := d.New(server)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, fmt.Sprintf("%s:%d", server.Host, server.Port))
	if err == nil {
		d.conns = append(d.conns, conn)
	}
	return conn, err
}

// Dials returns host:port of every dial attempt in order.
func (d *Dialer) Dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dials...)
}

// Conns returns every connection handed out.
func (d *Dialer) Conns() []ldapclient.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ldapclient.Conn(nil), d.conns...)
}

// ResultError builds a server error carrying code.
func ResultError(code uint16, msg string) error {
	return ldap.NewError(code, fmt.Errorf("%s", msg))
}

// Entry builds a search result entry.
func Entry(dn string, attrs map[string][]string) *ldap.Entry {
	return ldap.NewEntry(dn, attrs)
}

// Result wraps entries in a search result.
func Result(entries ...*ldap.Entry) *ldap.SearchResult {
	return &ldap.SearchResult{Entries: entries}
}

// ForwardingConn forwards protocol operations to a shared MockConn while
// keeping its own transport state, so one mock can observe every connection
// of several factories.
type ForwardingConn struct {
	target *MockConn

	closed  atomic.Bool
	timeout atomic.Int64
}

var _ ldapclient.Conn = (*ForwardingConn)(nil)

// NewForwardingConn returns an open connection forwarding to target.
func NewForwardingConn(target *MockConn) *ForwardingConn {
	return &ForwardingConn{target: target}
}

// ForwardingDialer returns a Dialer whose connections all forward to target.
func ForwardingDialer(target *MockConn) *Dialer {
	return NewDialer(func(*ldapclient.ServerInfo) (ldapclient.Conn, error) {
		return NewForwardingConn(target), nil
	})
}

func (c *ForwardingConn) Bind(username, password string) error {
	return c.target.Bind(username, password)
}

func (c *ForwardingConn) SimpleBind(req *ldap.SimpleBindRequest) (*ldap.SimpleBindResult, error) {
	return c.target.SimpleBind(req)
}

func (c *ForwardingConn) GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error {
	return c.target.GSSAPIBind(client, servicePrincipal, authzid)
}

func (c *ForwardingConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	return c.target.Search(req)
}

func (c *ForwardingConn) SearchAsync(ctx context.Context, req *ldap.SearchRequest, bufferSize int) ldap.Response {
	return c.target.SearchAsync(ctx, req, bufferSize)
}

func (c *ForwardingConn) Add(req *ldap.AddRequest) error {
	return c.target.Add(req)
}

func (c *ForwardingConn) Modify(req *ldap.ModifyRequest) error {
	return c.target.Modify(req)
}

func (c *ForwardingConn) Del(req *ldap.DelRequest) error {
	return c.target.Del(req)
}

func (c *ForwardingConn) SetTimeout(timeout time.Duration) {
	c.timeout.Store(int64(timeout))
}

func (c *ForwardingConn) IsClosing() bool {
	return c.closed.Load()
}

func (c *ForwardingConn) Close() error {
	c.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (c *ForwardingConn) Closed() bool {
	return c.closed.Load()
}
