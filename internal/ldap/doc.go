/*
Package ldap provides the directory connection layer of the identity repository.

This package wraps go-ldap with the pieces every repository operation needs:
scoped pooled connections, server failover, the extra request and response
controls the repository speaks, and structured error and log helpers.

# Architecture Overview

The package is organized into several core components:

  - ConnectionFactory: Pooled or single-connection access to a server list
  - Client: Retrying Search/Add/Modify/Delete over a factory
  - Controls: Proxied authorization, persistent search, entry change notification
  - Identifiers: DN building and comparison, GUID and SID rendering

# Connection Management

NewConnectionFactory returns a channel-backed pool, or a single-connection
factory when MaxConnections is 1:

  - Servers are tried in priority order on every connection attempt
  - Each failed round over the server list is retried with exponential backoff
  - MinConnections are opened at construction and idle connections expire
  - A heartbeat search keeps idle connections alive when configured
  - Affinity routes GetFor keys to a stable server
  - Simple bind, GSSAPI bind through gokrb5, or no bind at all

Every connection returned by Get or GetFor must be closed by the caller.
Closing returns it to its factory; MarkBroken makes the factory discard it.

# Error Handling

The package provides structured error handling through LDAPError:

  - Categorized errors (connection, authentication, validation, etc.)
  - Retryable error classification
  - Result code and diagnostic message extraction

# Thread Safety

Factories and clients are safe for concurrent use. A PooledConnection is
owned by one goroutine between Get and Close.

# Example Usage

	config := ldap.DefaultConfig()
	config.Servers = []string{"ldaps://ds1.example.com", "ldaps://ds2.example.com"}
	config.BindDN = "cn=Directory Manager"
	config.Password = "password"

	client, err := ldap.Dial(ctx, config)
	if err != nil {
		return err
	}
	defer client.Close()

	entry, err := client.RootDSE(ctx, "namingContexts")
	if err != nil {
		return err
	}
*/
package ldap
