package psearch

import (
	"slices"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/isometry/ldap-idrepo/internal/ldap"
)

// Params describe one persistent search and the connection it runs on.
type Params struct {
	// Connection is the template for the subscription's dedicated factory.
	Connection *ldapclient.ConnectionConfig

	BaseDN          string
	Filter          string
	Scope           int
	SearchAttribute string
}

// Fingerprint identifies the directory-side search. Params with equal
// fingerprints share one subscription.
func (p Params) Fingerprint() string {
	var servers []string
	secure := false
	if p.Connection != nil {
		servers = slices.Clone(p.Connection.Servers)
		slices.Sort(servers)
		secure = p.Connection.Mode != ldapclient.SecurityModeNone
	}

	return strings.Join([]string{
		strings.Join(servers, ","),
		strconv.FormatBool(secure),
		p.BaseDN,
		p.filter(),
		strconv.Itoa(p.Scope),
		strings.ToLower(p.SearchAttribute),
	}, "|")
}

func (p Params) filter() string {
	if p.Filter == "" {
		return "(objectClass=*)"
	}
	return p.Filter
}

func (p Params) searchRequest() *ldap.SearchRequest {
	return ldap.NewSearchRequest(
		p.BaseDN,
		p.Scope,
		ldap.NeverDerefAliases,
		0, 0, false,
		p.filter(),
		[]string{"*"},
		[]ldap.Control{ldapclient.NewControlPersistentSearch(ldapclient.ChangeTypeAny, true, true)},
	)
}

// factoryConfig derives the low-concurrency configuration of a subscription factory.
func (p Params) factoryConfig(logger ldapclient.Logger) *ldapclient.ConnectionConfig {
	cfg := p.Connection.Clone()
	cfg.MinConnections = min(cfg.MinConnections, 1)
	cfg.MaxConnections = 2
	cfg.Affinity = false
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	return cfg
}
