package idrepo

import (
	"fmt"
	"strings"
	"time"

	ldapclient "github.com/isometry/ldap-idrepo/internal/ldap"
)

// IdType is the kind of identity an operation addresses.
type IdType int

const (
	IdTypeUser IdType = iota
	IdTypeGroup
	IdTypeRole
	IdTypeFilteredRole
	IdTypeRealm
)

// String returns the lower case identity type name used in DN cache keys.
func (t IdType) String() string {
	switch t {
	case IdTypeUser:
		return "user"
	case IdTypeGroup:
		return "group"
	case IdTypeRole:
		return "role"
	case IdTypeFilteredRole:
		return "filteredrole"
	case IdTypeRealm:
		return "realm"
	default:
		return fmt.Sprintf("idtype(%d)", int(t))
	}
}

// ParseIdType parses an identity type name.
func ParseIdType(s string) (IdType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return IdTypeUser, nil
	case "group":
		return IdTypeGroup, nil
	case "role":
		return IdTypeRole, nil
	case "filteredrole":
		return IdTypeFilteredRole, nil
	case "realm":
		return IdTypeRealm, nil
	default:
		return 0, fmt.Errorf("unknown identity type %q", s)
	}
}

// Operation is a repository capability reported by SupportedOperations.
type Operation string

const (
	OperationRead    Operation = "read"
	OperationCreate  Operation = "create"
	OperationEdit    Operation = "edit"
	OperationDelete  Operation = "delete"
	OperationService Operation = "service"
)

// MembershipOp selects whether ModifyMembership adds or removes members.
type MembershipOp int

const (
	MembershipAdd MembershipOp = iota
	MembershipRemove
)

// FilterOp combines attribute/value pairs in a search.
type FilterOp int

const (
	FilterAnd FilterOp = iota
	FilterOr
)

// SearchStatus reports whether a search returned every match.
type SearchStatus int

const (
	SearchSuccess SearchStatus = iota
	SearchSizeLimitExceeded
	SearchTimeLimitExceeded
)

func (s SearchStatus) String() string {
	switch s {
	case SearchSuccess:
		return "success"
	case SearchSizeLimitExceeded:
		return "size limit exceeded"
	case SearchTimeLimitExceeded:
		return "time limit exceeded"
	default:
		return "unknown"
	}
}

// Canonical status attribute and values exposed to callers.
const (
	StatusAttribute = "inetUserStatus"
	StatusActive    = "Active"
	StatusInactive  = "Inactive"
)

// Attribute aliases understood by the mapper.
const (
	AliasID       = "_id"
	AliasUsername = "_username"
	AliasRevision = "_rev"
)

// SearchControl tunes a Search call.
type SearchControl struct {
	// Query replaces the name pattern when set.
	Query *QueryFilter
	// Limit and TimeLimit override the configured defaults when positive.
	Limit     int
	TimeLimit time.Duration
	// ReturnAttributes lists attributes to fetch; ReturnAllAttributes fetches every allowed attribute.
	ReturnAttributes    []string
	ReturnAllAttributes bool
	// AVPairs are combined with FilterOp and added to the search filter.
	AVPairs  map[string][]string
	FilterOp FilterOp
}

// Identity is one search match.
type Identity struct {
	Name       string
	DN         string
	Attributes *CIMap[[]string]
}

// SearchResults holds the matches of a Search call.
type SearchResults struct {
	Identities []Identity
	Status     SearchStatus
}

// Names returns the names of every match.
func (r *SearchResults) Names() []string {
	names := make([]string, 0, len(r.Identities))
	for _, id := range r.Identities {
		names = append(names, id.Name)
	}
	return names
}

// AuthResult describes a successful authentication.
type AuthResult struct {
	DN string
	// ExpiresIn is the time before the password expires, or 0 when no warning was returned.
	ExpiresIn time.Duration
	// GraceLogins is the number of remaining grace logins, or -1 when no warning was returned.
	GraceLogins int
}

// ChangeType re-exports the persistent search change kinds for listeners.
type ChangeType = ldapclient.ChangeType

// Listener receives identity change notifications from a repository.
type Listener interface {
	// ObjectChanged reports a change to one identity.
	ObjectChanged(name string, t IdType, change ChangeType)
	// AllObjectsChanged reports that any identity may have changed.
	AllObjectsChanged()
	// SetServiceAttributes publishes realm service attributes.
	SetServiceAttributes(service string, attrs map[string][]string)
}

// callOptions collects per-call options.
type callOptions struct {
	idGenerated bool
	changeOCs   bool
	proxyDN     string
}

// CallOption modifies a single repository call.
type CallOption func(*callOptions)

// IDWasGenerated marks the _id of a created user as server generated.
func IDWasGenerated() CallOption {
	return func(o *callOptions) { o.idGenerated = true }
}

// ChangeObjectClasses adds configured auxiliary object classes needed by written attributes.
func ChangeObjectClasses() CallOption {
	return func(o *callOptions) { o.changeOCs = true }
}

// OnBehalfOf performs the modification with proxied authorization for dn.
func OnBehalfOf(dn string) CallOption {
	return func(o *callOptions) { o.proxyDN = dn }
}

func applyOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
