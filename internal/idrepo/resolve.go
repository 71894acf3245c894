package idrepo

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/isometry/ldap-idrepo/internal/ldap"
)

type resolveMode int

const (
	// resolveExisting verifies the entry exists before returning its DN.
	resolveExisting resolveMode = iota
	// resolveSkipExistence constructs the DN without a round trip when the layout allows it.
	resolveSkipExistence
	// resolveForAuth searches by the naming attribute.
	resolveForAuth
)

// resolveDN returns the DN of name. A missing entry is reported with found
// set to false and a nil error.
func (r *Repository) resolveDN(ctx context.Context, t IdType, name string, mode resolveMode, useCache bool) (string, bool, error) {
	tc := r.cfg.typeConfig(t)
	if tc == nil {
		return "", false, newError(KindUnsupportedOperation, "resolve", t, name, "type has no directory entries")
	}

	attr := tc.searchAttr
	cacheable := true
	if mode == resolveForAuth {
		attr = tc.namingAttr
		cacheable = strings.EqualFold(tc.namingAttr, tc.searchAttr)
	}

	if !useCache {
		r.cache.invalidate(name, t)
	} else if cacheable {
		if dn, ok := r.cache.get(name, t); ok {
			return dn, true, nil
		}
	}

	if mode == resolveSkipExistence && r.canConstructDN(tc) {
		return r.generateDN(t, name), true, nil
	}

	req := ldap.NewSearchRequest(
		tc.base,
		r.cfg.scope,
		ldap.NeverDerefAliases,
		2, r.cfg.TimeLimit, false,
		andFilter(tc.filter, equalityFilter(attr, name)),
		[]string{"1.1"},
		nil,
	)

	result, err := r.general.Search(ctx, req)
	switch {
	case err == nil:
	case ldapclient.HasResultCode(err, ldap.LDAPResultNoSuchObject):
		return "", false, nil
	case ldapclient.HasResultCode(err, ldap.LDAPResultSizeLimitExceeded) && result != nil && len(result.Entries) > 1:
	default:
		return "", false, r.translate("resolve", t, name, err)
	}

	switch len(result.Entries) {
	case 0:
		return "", false, nil
	case 1:
		dn := result.Entries[0].DN
		if cacheable {
			r.cache.put(name, t, dn)
		}
		return dn, true, nil
	default:
		return "", false, newError(KindAmbiguous, "resolve", t, name,
			fmt.Sprintf("more than one entry matches %s", req.Filter))
	}
}

// canConstructDN reports whether names map to DNs without a search.
func (r *Repository) canConstructDN(tc *typeConfig) bool {
	return r.cfg.scope == ldap.ScopeSingleLevel && strings.EqualFold(tc.searchAttr, tc.namingAttr)
}

// getDN resolves an existing entry, failing with ErrIdentityNotFound when absent.
func (r *Repository) getDN(ctx context.Context, op string, t IdType, name string, useCache bool) (string, error) {
	dn, found, err := r.resolveDN(ctx, t, name, resolveExisting, useCache)
	if err != nil {
		return "", err
	}
	if !found {
		return "", newError(KindIdentityNotFound, op, t, name, "")
	}
	return dn, nil
}

// generateDN builds the DN a new entry of type t is created at.
func (r *Repository) generateDN(t IdType, name string) string {
	tc := r.cfg.typeConfig(t)
	return ldapclient.BuildDN(tc.searchAttr, name, tc.base)
}

// nameFromDN returns the search attribute value of dn, reading the entry when
// the RDN uses a different attribute.
func (r *Repository) nameFromDN(ctx context.Context, t IdType, dn string) (string, error) {
	tc := r.cfg.typeConfig(t)
	if attr, value, err := ldapclient.FirstRDN(dn); err == nil && strings.EqualFold(attr, tc.searchAttr) {
		return value, nil
	}

	entry, err := r.readEntry(ctx, dn, tc.filter, []string{tc.searchAttr})
	if err != nil || entry == nil {
		return "", err
	}
	return entry.GetEqualFoldAttributeValue(tc.searchAttr), nil
}

// readEntry reads dn with a base search. A missing entry returns nil, nil.
func (r *Repository) readEntry(ctx context.Context, dn, filter string, attrs []string) (*ldap.Entry, error) {
	if filter == "" {
		filter = "(objectClass=*)"
	}
	req := ldap.NewSearchRequest(
		dn,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, r.cfg.TimeLimit, false,
		filter,
		attrs,
		nil,
	)
	result, err := r.general.Search(ctx, req)
	if ldapclient.HasResultCode(err, ldap.LDAPResultNoSuchObject) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(result.Entries) == 0 {
		return nil, nil
	}
	return result.Entries[0], nil
}

func equalityFilter(attr, value string) string {
	return "(" + attr + "=" + ldap.EscapeFilter(value) + ")"
}

// andFilter combines filters with &, skipping empty ones.
func andFilter(filters ...string) string {
	return combineFilters("&", filters...)
}

func orFilter(filters ...string) string {
	return combineFilters("|", filters...)
}

func combineFilters(op string, filters ...string) string {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		if f = strings.TrimSpace(f); f == "" {
			continue
		}
		if !strings.HasPrefix(f, "(") {
			f = "(" + f + ")"
		}
		parts = append(parts, f)
	}
	switch len(parts) {
	case 0:
		return "(objectClass=*)"
	case 1:
		return parts[0]
	default:
		return "(" + op + strings.Join(parts, "") + ")"
	}
}
