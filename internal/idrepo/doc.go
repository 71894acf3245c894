/*
Package idrepo maps a generic identity repository contract onto an LDAPv3 directory.

# Architecture Overview

A Repository is built from a raw configuration multimap with New and owns
three connection factories:

  - general: bound as the service account, used for every read and write
  - bind-only: anonymous, used to verify user credentials
  - password change: anonymous, bound as the user for self-service password changes

# Identity Types

Users, groups, roles and filtered roles are directory entries described by a
per-type table of search attribute, naming attribute, filter, object classes,
allowed attributes and container. Realms are not entries; their service
attributes live in memory and are published to the registered Listener.

# DN Resolution

Every mutation addresses a DN obtained through resolution. Resolved DNs are
kept in a bounded per-repository cache keyed by name and type, refreshed on
use and optionally expired after an idle period. Deletes and change
notifications invalidate affected keys.

# Errors

Operations return *Error values whose Kind can be matched with errors.Is
against the Err sentinels:

	if errors.Is(err, idrepo.ErrIdentityNotFound) {
		// ...
	}

IdentifierMismatch and Ambiguous also match ErrIllegalArguments, and
InappropriateAuthentication matches ErrAuthenticationFailure.

# Change Notification

When a psearch.Registry is supplied with WithRegistry and a persistent search
base is configured, AddListener subscribes the repository to a persistent
search shared by every repository with the same search parameters.
*/
package idrepo
