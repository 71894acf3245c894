package idrepo

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/isometry/ldap-idrepo/internal/ldap"
)

// QueryOp is the operator of a QueryFilter node.
type QueryOp int

const (
	QueryTrue QueryOp = iota
	QueryFalse
	QueryAnd
	QueryOr
	QueryNot
	QueryEquals
	QueryContains
	QueryStartsWith
	QueryPresent
	QueryGreaterOrEqual
	QueryLessOrEqual
)

// QueryFilter is a structured search condition over caller attribute names.
type QueryFilter struct {
	Op        QueryOp
	Attribute string
	Value     string
	Children  []*QueryFilter
}

func And(children ...*QueryFilter) *QueryFilter {
	return &QueryFilter{Op: QueryAnd, Children: children}
}

func Or(children ...*QueryFilter) *QueryFilter {
	return &QueryFilter{Op: QueryOr, Children: children}
}

func Not(child *QueryFilter) *QueryFilter {
	return &QueryFilter{Op: QueryNot, Children: []*QueryFilter{child}}
}

func Equals(attr, value string) *QueryFilter {
	return &QueryFilter{Op: QueryEquals, Attribute: attr, Value: value}
}

func Contains(attr, value string) *QueryFilter {
	return &QueryFilter{Op: QueryContains, Attribute: attr, Value: value}
}

func StartsWith(attr, value string) *QueryFilter {
	return &QueryFilter{Op: QueryStartsWith, Attribute: attr, Value: value}
}

func Present(attr string) *QueryFilter {
	return &QueryFilter{Op: QueryPresent, Attribute: attr}
}

func GreaterOrEqual(attr, value string) *QueryFilter {
	return &QueryFilter{Op: QueryGreaterOrEqual, Attribute: attr, Value: value}
}

func LessOrEqual(attr, value string) *QueryFilter {
	return &QueryFilter{Op: QueryLessOrEqual, Attribute: attr, Value: value}
}

func True() *QueryFilter {
	return &QueryFilter{Op: QueryTrue}
}

func False() *QueryFilter {
	return &QueryFilter{Op: QueryFalse}
}

// LDAPFilter renders the filter, mapping attribute names through attr.
func (q *QueryFilter) LDAPFilter(attr func(string) string) string {
	if attr == nil {
		attr = func(s string) string { return s }
	}

	switch q.Op {
	case QueryTrue:
		return "(objectClass=*)"
	case QueryFalse:
		return "(!(objectClass=*))"
	case QueryAnd, QueryOr:
		if len(q.Children) == 0 {
			if q.Op == QueryAnd {
				return "(objectClass=*)"
			}
			return "(!(objectClass=*))"
		}
		var b strings.Builder
		b.WriteString("(")
		if q.Op == QueryAnd {
			b.WriteString("&")
		} else {
			b.WriteString("|")
		}
		for _, c := range q.Children {
			b.WriteString(c.LDAPFilter(attr))
		}
		b.WriteString(")")
		return b.String()
	case QueryNot:
		if len(q.Children) == 0 {
			return "(!(objectClass=*))"
		}
		return "(!" + q.Children[0].LDAPFilter(attr) + ")"
	case QueryEquals:
		return "(" + attr(q.Attribute) + "=" + ldap.EscapeFilter(q.Value) + ")"
	case QueryContains:
		return "(" + attr(q.Attribute) + "=*" + ldap.EscapeFilter(q.Value) + "*)"
	case QueryStartsWith:
		return "(" + attr(q.Attribute) + "=" + ldap.EscapeFilter(q.Value) + "*)"
	case QueryPresent:
		return "(" + attr(q.Attribute) + "=*)"
	case QueryGreaterOrEqual:
		return "(" + attr(q.Attribute) + ">=" + ldap.EscapeFilter(q.Value) + ")"
	case QueryLessOrEqual:
		return "(" + attr(q.Attribute) + "<=" + ldap.EscapeFilter(q.Value) + ")"
	default:
		return "(!(objectClass=*))"
	}
}

// patternFilter matches attr against a pattern in which "*" is a wildcard.
func patternFilter(attr, pattern string) string {
	if pattern == "" {
		pattern = "*"
	}
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = ldap.EscapeFilter(p)
	}
	return "(" + attr + "=" + strings.Join(parts, "*") + ")"
}

// Search finds identities of type t whose search attribute matches pattern,
// or that match ctl.Query when it is set.
func (r *Repository) Search(ctx context.Context, t IdType, pattern string, ctl *SearchControl) (*SearchResults, error) {
	const op = "search"

	if err := r.requireDirectoryType(op, t); err != nil {
		return nil, err
	}
	if ctl == nil {
		ctl = &SearchControl{}
	}
	tc := r.cfg.typeConfig(t)

	mapAttr := func(name string) string {
		if dir, ok := r.directoryAttr(t, name); ok {
			return dir
		}
		return name
	}

	term := patternFilter(tc.searchAttr, pattern)
	if ctl.Query != nil {
		term = ctl.Query.LDAPFilter(mapAttr)
	}
	filter := andFilter(term, tc.filter, r.avFilter(t, ctl, mapAttr))

	sizeLimit := r.cfg.MaxResults
	if ctl.Limit > 0 {
		sizeLimit = ctl.Limit
	}
	timeLimit := r.cfg.searchTimeLimit()
	if ctl.TimeLimit > 0 {
		timeLimit = ctl.TimeLimit
	}

	var (
		plan    readPlan
		planned bool
	)
	switch {
	case ctl.ReturnAllAttributes:
		plan, planned = r.planRead(t, nil)
	case len(ctl.ReturnAttributes) > 0:
		plan, planned = r.planRead(t, ctl.ReturnAttributes)
	}
	fetch := NewCISet(tc.searchAttr)
	if planned {
		fetch.Add(plan.fetch.Values()...)
	}

	req := ldap.NewSearchRequest(
		tc.base,
		r.cfg.scope,
		ldap.NeverDerefAliases,
		sizeLimit, int(timeLimit/time.Second), false,
		filter,
		fetch.Values(),
		nil,
	)

	results := &SearchResults{Status: SearchSuccess}
	result, err := r.general.Search(ctx, req)
	switch {
	case err == nil:
	case ldapclient.HasResultCode(err, ldap.LDAPResultNoSuchObject):
		return results, nil
	case ldapclient.HasResultCode(err, ldap.LDAPResultSizeLimitExceeded):
		results.Status = SearchSizeLimitExceeded
	case ldapclient.HasResultCode(err, ldap.LDAPResultTimeLimitExceeded):
		results.Status = SearchTimeLimitExceeded
	default:
		return nil, r.translate(op, t, pattern, err)
	}
	if results.Status != SearchSuccess {
		r.logger.Warn("Search returned a partial result", map[string]any{
			"type":   t.String(),
			"filter": filter,
			"status": results.Status.String(),
		})
	}
	if result == nil {
		return results, nil
	}

	for _, entry := range result.Entries {
		id := Identity{
			Name: entry.GetEqualFoldAttributeValue(tc.searchAttr),
			DN:   entry.DN,
		}
		if planned {
			id.Attributes = r.attributes(t, entry, plan)
		} else {
			id.Attributes = NewCIMap[[]string]()
		}
		results.Identities = append(results.Identities, id)
	}
	return results, nil
}

// avFilter combines the attribute/value pairs of ctl.
func (r *Repository) avFilter(t IdType, ctl *SearchControl, mapAttr func(string) string) string {
	if len(ctl.AVPairs) == 0 {
		return ""
	}

	var terms []string
	for _, name := range slices.Sorted(maps.Keys(ctl.AVPairs)) {
		dir := mapAttr(name)
		values := ctl.AVPairs[name]
		if r.isStatusAttr(t, dir) {
			values = r.statusToDirectory(values)
		}
		if len(values) == 0 {
			terms = append(terms, "("+dir+"=*)")
			continue
		}
		for _, v := range values {
			terms = append(terms, patternFilter(dir, v))
		}
	}

	if ctl.FilterOp == FilterOr {
		return orFilter(terms...)
	}
	return andFilter(terms...)
}
