package ldap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Conn is the part of *ldap.Conn used by the factories and the repository layer.
type Conn interface {
	Bind(username, password string) error
	SimpleBind(req *ldap.SimpleBindRequest) (*ldap.SimpleBindResult, error)
	GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	SearchAsync(ctx context.Context, req *ldap.SearchRequest, bufferSize int) ldap.Response
	Add(req *ldap.AddRequest) error
	Modify(req *ldap.ModifyRequest) error
	Del(req *ldap.DelRequest) error
	SetTimeout(timeout time.Duration)
	IsClosing() bool
	Close() error
}

var _ Conn = (*ldap.Conn)(nil)

// DialFunc opens a transport connection to one server.
type DialFunc func(ctx context.Context, server *ServerInfo, cfg *ConnectionConfig) (Conn, error)

// DialServer connects to server using the configured security mode.
func DialServer(ctx context.Context, server *ServerInfo, cfg *ConnectionConfig) (Conn, error) {
	url := ServerInfoToURL(server)
	dialer := &net.Dialer{Timeout: cfg.Timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	var conn *ldap.Conn
	var err error

	if server.UseTLS {
		// Direct TLS connection (LDAPS)
		conn, err = ldap.DialURL(url, ldap.DialWithDialer(dialer), ldap.DialWithTLSConfig(tlsConfigFor(cfg, server)))
	} else {
		conn, err = ldap.DialURL(url, ldap.DialWithDialer(dialer))
		if err == nil && cfg.Mode == SecurityModeStartTLS {
			if tlsErr := conn.StartTLS(tlsConfigFor(cfg, server)); tlsErr != nil {
				conn.Close()
				err = fmt.Errorf("StartTLS: %w", tlsErr)
			}
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	return conn, nil
}

// tlsConfigFor returns the configured TLS settings with ServerName filled in.
func tlsConfigFor(cfg *ConnectionConfig, server *ServerInfo) *tls.Config {
	tc := cfg.TLSConfig
	if tc == nil {
		tc = DefaultConfig().TLSConfig
	}
	tc = tc.Clone()
	if tc.ServerName == "" {
		tc.ServerName = server.Host
	}
	return tc
}
