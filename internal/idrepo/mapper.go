package idrepo

import (
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// directoryAttr maps a caller attribute name onto the directory attribute it
// is stored in. ok is false for aliases with no configured target.
func (r *Repository) directoryAttr(t IdType, name string) (string, bool) {
	tc := r.cfg.typeConfig(t)
	switch {
	case strings.EqualFold(name, AliasID):
		return tc.searchAttr, true
	case strings.EqualFold(name, AliasUsername):
		return tc.namingAttr, true
	case strings.EqualFold(name, AliasRevision):
		return r.cfg.EtagAttr, r.cfg.EtagAttr != ""
	case t == IdTypeUser && strings.EqualFold(name, StatusAttribute):
		return r.cfg.StatusAttr, true
	default:
		return name, true
	}
}

func isAlias(name string) bool {
	return strings.EqualFold(name, AliasID) || strings.EqualFold(name, AliasUsername) || strings.EqualFold(name, AliasRevision)
}

// isAllowed reports whether attr may be read or written for t. An empty
// allowed set permits every attribute.
func (r *Repository) isAllowed(t IdType, attr string) bool {
	tc := r.cfg.typeConfig(t)
	if tc.allowed.Len() == 0 || isAlias(attr) {
		return true
	}
	if t == IdTypeUser && (strings.EqualFold(attr, StatusAttribute) || strings.EqualFold(attr, r.cfg.StatusAttr)) {
		return true
	}
	return tc.allowed.Has(attr)
}

func (r *Repository) isStatusAttr(t IdType, dirAttr string) bool {
	return t == IdTypeUser && strings.EqualFold(dirAttr, r.cfg.StatusAttr)
}

// statusToDirectory translates canonical status values to the configured ones.
func (r *Repository) statusToDirectory(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		switch {
		case strings.EqualFold(v, StatusActive):
			out[i] = r.cfg.StatusActive
		case strings.EqualFold(v, StatusInactive):
			out[i] = r.cfg.StatusInactive
		default:
			out[i] = v
		}
	}
	return out
}

// statusFromDirectory translates configured status values to the canonical ones.
func (r *Repository) statusFromDirectory(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		switch {
		case strings.EqualFold(v, r.cfg.StatusActive):
			out[i] = StatusActive
		case strings.EqualFold(v, r.cfg.StatusInactive):
			out[i] = StatusInactive
		default:
			out[i] = v
		}
	}
	return out
}

// toDirectory prepares caller attributes for writing: disallowed attributes
// are dropped, aliases resolved and status values translated.
func toDirectory[V any](r *Repository, t IdType, attrs *CIMap[V], status func(V) V) *CIMap[V] {
	out := NewCIMap[V]()
	for name, v := range attrs.All() {
		if !r.isAllowed(t, name) {
			r.logger.Debug("Dropping attribute not allowed for type", map[string]any{
				"type":      t.String(),
				"attribute": name,
			})
			continue
		}
		dir, ok := r.directoryAttr(t, name)
		if !ok {
			continue
		}
		if status != nil && r.isStatusAttr(t, dir) {
			v = status(v)
		}
		out.Set(dir, v)
	}
	return out
}

func (r *Repository) toDirectoryStrings(t IdType, attrs *CIMap[[]string]) *CIMap[[]string] {
	return toDirectory(r, t, attrs, r.statusToDirectory)
}

func (r *Repository) toDirectoryBinary(t IdType, attrs *CIMap[[][]byte]) *CIMap[[][]byte] {
	return toDirectory[[][]byte](r, t, attrs, nil)
}

// readPlan lists the directory attributes fetched for a read and the names
// they are reported under.
type readPlan struct {
	all       bool
	fetch     *CISet
	requested [][2]string // caller name, directory name
}

// planRead resolves requested attribute names. ok is false when names were
// given but none of them is allowed.
func (r *Repository) planRead(t IdType, names []string) (readPlan, bool) {
	plan := readPlan{fetch: NewCISet()}

	if len(names) == 0 {
		plan.all = true
		plan.fetch.Add("*")
	} else {
		for _, name := range names {
			if !r.isAllowed(t, name) {
				continue
			}
			dir, ok := r.directoryAttr(t, name)
			if !ok {
				continue
			}
			plan.fetch.Add(dir)
			plan.requested = append(plan.requested, [2]string{name, dir})
		}
		if len(plan.requested) == 0 {
			return plan, false
		}
	}

	if t == IdTypeUser && r.cfg.EtagAttr != "" {
		plan.fetch.Add(r.cfg.EtagAttr)
	}
	return plan, true
}

// attributes converts entry to caller attributes according to plan. A full
// read also reports the _id and _username aliases, and the etag of a user is
// always reported as _rev.
func (r *Repository) attributes(t IdType, entry *ldap.Entry, plan readPlan) *CIMap[[]string] {
	out := NewCIMap[[]string]()

	report := func(name, dir string) {
		raw := entry.GetEqualFoldRawAttributeValues(dir)
		if len(raw) == 0 {
			return
		}
		values := r.stringValues(dir, raw)
		if r.isStatusAttr(t, dir) {
			values = r.statusFromDirectory(values)
			if !isAlias(name) {
				name = StatusAttribute
			}
		}
		out.Set(name, values)
	}

	r.walkPlan(t, entry, plan, report)
	return out
}

// binaryAttributes is attributes without string conversion or status translation.
func (r *Repository) binaryAttributes(t IdType, entry *ldap.Entry, plan readPlan) *CIMap[[][]byte] {
	out := NewCIMap[[][]byte]()
	r.walkPlan(t, entry, plan, func(name, dir string) {
		if raw := entry.GetEqualFoldRawAttributeValues(dir); len(raw) > 0 {
			out.Set(name, slices.Clone(raw))
		}
	})
	return out
}

// walkPlan calls report with each caller name and the directory attribute it
// is read from.
func (r *Repository) walkPlan(t IdType, entry *ldap.Entry, plan readPlan, report func(name, dir string)) {
	if plan.all {
		for _, attr := range entry.Attributes {
			if r.isAllowed(t, attr.Name) && !r.isEtag(t, attr.Name) {
				report(attr.Name, attr.Name)
			}
		}
		for _, alias := range []string{AliasID, AliasUsername} {
			if dir, ok := r.directoryAttr(t, alias); ok {
				report(alias, dir)
			}
		}
	} else {
		for _, req := range plan.requested {
			if !strings.EqualFold(req[0], AliasRevision) {
				report(req[0], req[1])
			}
		}
	}

	if t == IdTypeUser && r.cfg.EtagAttr != "" {
		report(AliasRevision, r.cfg.EtagAttr)
	}
}

func (r *Repository) isEtag(t IdType, attr string) bool {
	return t == IdTypeUser && r.cfg.EtagAttr != "" && strings.EqualFold(attr, r.cfg.EtagAttr)
}

// stringValues renders raw values, letting the directory helper format binary attributes.
func (r *Repository) stringValues(attr string, raw [][]byte) []string {
	values := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok, err := r.helper.FormatBinaryAttribute(attr, v); ok {
			if err != nil {
				r.logger.Warn("Failed to format binary attribute", map[string]any{
					"attribute": attr,
					"error":     err.Error(),
				})
				continue
			}
			values = append(values, s)
			continue
		}
		values = append(values, string(v))
	}
	return values
}

// applyCreationMapping fills the configured creation attributes of a new user
// that the caller did not supply. "attr" defaults to the name and
// "attr=other" copies the value of other when present.
func (r *Repository) applyCreationMapping(name string, attrs *CIMap[[]string]) {
	for _, mapping := range r.cfg.CreateUserMapping {
		attr, other, _ := strings.Cut(strings.TrimSpace(mapping), "=")
		if attr == "" || attrs.Has(attr) {
			continue
		}
		if values, ok := attrs.Get(other); ok && other != "" && len(values) > 0 {
			attrs.Set(attr, slices.Clone(values))
			continue
		}
		attrs.Set(attr, []string{name})
	}
}
