package idrepo

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// MemberURL is a parsed RFC 4516 LDAP URL describing dynamic group members.
type MemberURL struct {
	Host       string
	BaseDN     string
	Attributes []string
	Scope      int
	Filter     string
}

// ParseMemberURL parses a value such as "ldap:///ou=people,dc=example,dc=com??sub?(l=Paris)".
// The scope defaults to base and the filter to (objectClass=*).
func ParseMemberURL(raw string) (*MemberURL, error) {
	rest, ok := cutPrefixFold(strings.TrimSpace(raw), "ldap://")
	if !ok {
		if rest, ok = cutPrefixFold(strings.TrimSpace(raw), "ldaps://"); !ok {
			return nil, fmt.Errorf("member URL %q is not an LDAP URL", raw)
		}
	}

	host, path, _ := strings.Cut(rest, "/")
	parts := strings.SplitN(path, "?", 5)
	for len(parts) < 4 {
		parts = append(parts, "")
	}

	for i := range parts[:4] {
		unescaped, err := url.PathUnescape(parts[i])
		if err != nil {
			return nil, fmt.Errorf("member URL %q: %w", raw, err)
		}
		parts[i] = unescaped
	}

	u := &MemberURL{
		Host:   host,
		BaseDN: parts[0],
		Scope:  ldap.ScopeBaseObject,
		Filter: "(objectClass=*)",
	}

	if _, err := ldap.ParseDN(u.BaseDN); err != nil {
		return nil, fmt.Errorf("member URL %q has invalid base DN: %w", raw, err)
	}
	if parts[1] != "" {
		u.Attributes = strings.Split(parts[1], ",")
	}

	switch strings.ToLower(parts[2]) {
	case "", "base":
	case "one":
		u.Scope = ldap.ScopeSingleLevel
	case "sub":
		u.Scope = ldap.ScopeWholeSubtree
	default:
		return nil, fmt.Errorf("member URL %q has invalid scope %q", raw, parts[2])
	}

	if parts[3] != "" {
		u.Filter = parts[3]
		if !strings.HasPrefix(u.Filter, "(") {
			u.Filter = "(" + u.Filter + ")"
		}
		if _, err := ldap.CompileFilter(u.Filter); err != nil {
			return nil, fmt.Errorf("member URL %q has invalid filter: %w", raw, err)
		}
	}

	return u, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}
