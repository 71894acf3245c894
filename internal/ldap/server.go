package ldap

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Default LDAP ports.
const (
	DefaultLDAPPort  = 389
	DefaultLDAPSPort = 636
)

// ValidateServerInfo validates server information.
func ValidateServerInfo(server *ServerInfo) error {
	if server == nil {
		return fmt.Errorf("server info cannot be nil")
	}

	if server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}

	if server.Port <= 0 || server.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", server.Port)
	}

	if server.Priority < 0 {
		return fmt.Errorf("priority cannot be negative: %d", server.Priority)
	}

	return nil
}

// ServerInfoToURL converts ServerInfo to LDAP URL.
func ServerInfoToURL(server *ServerInfo) string {
	scheme := "ldap"
	if server.UseTLS {
		scheme = "ldaps"
	}

	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(server.Host, strconv.Itoa(server.Port)))
}

// ParseServer parses one configured server entry.
//
// Accepted forms are ldap://host[:port], ldaps://host[:port], host[:port] and
// host:port|serverID|siteID. Entries without a scheme take TLS from mode.
func ParseServer(entry string, mode SecurityMode, priority int) (*ServerInfo, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return nil, fmt.Errorf("server entry cannot be empty")
	}

	server := &ServerInfo{
		UseTLS:   mode == SecurityModeLDAPS,
		Priority: priority,
		Source:   "config",
	}

	// host:port|serverID|siteID
	if idx := strings.Index(entry, "|"); idx >= 0 {
		ids := strings.Split(entry[idx+1:], "|")
		entry = entry[:idx]
		server.ServerID = strings.TrimSpace(ids[0])
		if len(ids) > 1 {
			server.SiteID = strings.TrimSpace(ids[1])
		}
	}

	switch {
	case strings.HasPrefix(strings.ToLower(entry), "ldaps://"):
		server.UseTLS = true
		entry = entry[len("ldaps://"):]
	case strings.HasPrefix(strings.ToLower(entry), "ldap://"):
		server.UseTLS = false
		entry = entry[len("ldap://"):]
	case strings.Contains(entry, "://"):
		return nil, fmt.Errorf("unsupported scheme in %q, must be ldap:// or ldaps://", entry)
	}

	// Drop any DN or query part of a URL
	if idx := strings.Index(entry, "/"); idx >= 0 {
		entry = entry[:idx]
	}

	host, portStr, err := net.SplitHostPort(entry)
	if err != nil {
		host = entry
		portStr = ""
	}
	server.Host = host

	if portStr == "" {
		server.Port = DefaultLDAPPort
		if server.UseTLS {
			server.Port = DefaultLDAPSPort
		}
	} else {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port number: %s", portStr)
		}
		server.Port = port
	}

	return server, ValidateServerInfo(server)
}

// ParseServers parses a priority ordered server list.
func ParseServers(entries []string, mode SecurityMode) ([]*ServerInfo, error) {
	servers := make([]*ServerInfo, 0, len(entries))
	for i, entry := range entries {
		server, err := ParseServer(entry, mode, i)
		if err != nil {
			return nil, fmt.Errorf("invalid LDAP server %q: %w", entry, err)
		}
		servers = append(servers, server)
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("at least one LDAP server must be specified")
	}
	return servers, nil
}
