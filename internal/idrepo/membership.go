package idrepo

import (
	"context"

	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/isometry/ldap-idrepo/internal/ldap"
)

const defaultMemberOfAttr = "memberOf"

// GetMembers returns the names of the members of a group, role or filtered role.
func (r *Repository) GetMembers(ctx context.Context, t IdType, name string, membersType IdType) ([]string, error) {
	const op = "get members"

	if membersType != IdTypeUser {
		return nil, newError(KindUnsupportedOperation, op, t, name, "only user members are supported")
	}

	switch t {
	case IdTypeGroup:
		return r.groupMembers(ctx, name)
	case IdTypeRole:
		roleDN, err := r.getDN(ctx, op, t, name, true)
		if err != nil {
			return nil, err
		}
		users := r.cfg.typeConfig(IdTypeUser)
		return r.searchNames(ctx, op, IdTypeUser, users.base, r.cfg.scope,
			andFilter(users.filter, equalityFilter(r.cfg.RoleDNAttr, roleDN)))
	case IdTypeFilteredRole:
		roleDN, err := r.getDN(ctx, op, t, name, true)
		if err != nil {
			return nil, err
		}
		entry, err := r.readEntry(ctx, roleDN, "", []string{r.cfg.RoleFilterAttr})
		if err != nil {
			return nil, r.translate(op, t, name, err)
		}
		if entry == nil {
			return nil, newError(KindIdentityNotFound, op, t, name, "")
		}
		roleFilter := entry.GetEqualFoldAttributeValue(r.cfg.RoleFilterAttr)
		if roleFilter == "" {
			return nil, nil
		}
		users := r.cfg.typeConfig(IdTypeUser)
		return r.searchNames(ctx, op, IdTypeUser, r.cfg.OrganizationDN, ldap.ScopeWholeSubtree,
			andFilter(users.filter, roleFilter))
	default:
		return nil, newError(KindUnsupportedOperation, op, t, name, "type has no members")
	}
}

// groupMembers combines static members and the results of every member URL.
func (r *Repository) groupMembers(ctx context.Context, name string) ([]string, error) {
	const op = "get members"

	groupDN, err := r.getDN(ctx, op, IdTypeGroup, name, true)
	if err != nil {
		return nil, err
	}
	users := r.cfg.typeConfig(IdTypeUser)

	if r.cfg.ADRecursiveGroups {
		if f := r.helper.RecursiveMembersFilter(r.memberOfAttr(), groupDN); f != "" {
			return r.searchNames(ctx, op, IdTypeUser, users.base, ldap.ScopeWholeSubtree, andFilter(users.filter, f))
		}
	}

	entry, err := r.readEntry(ctx, groupDN, "", []string{r.cfg.UniqueMemberAttr, r.cfg.MemberURLAttr})
	if err != nil {
		return nil, r.translate(op, IdTypeGroup, name, err)
	}
	if entry == nil {
		r.cache.invalidate(name, IdTypeGroup)
		return nil, newError(KindIdentityNotFound, op, IdTypeGroup, name, "")
	}

	names := NewCISet()
	for _, memberDN := range entry.GetEqualFoldAttributeValues(r.cfg.UniqueMemberAttr) {
		member, err := r.nameFromDN(ctx, IdTypeUser, memberDN)
		if err != nil {
			return nil, r.translate(op, IdTypeGroup, name, err)
		}
		names.Add(member)
	}

	for _, raw := range entry.GetEqualFoldAttributeValues(r.cfg.MemberURLAttr) {
		u, err := ParseMemberURL(raw)
		if err != nil {
			r.logger.Warn("Ignoring invalid member URL", map[string]any{
				"group": groupDN,
				"error": err.Error(),
			})
			continue
		}
		dynamic, err := r.searchNames(ctx, op, IdTypeUser, u.BaseDN, u.Scope, andFilter(users.filter, u.Filter))
		if err != nil {
			return nil, err
		}
		names.Add(dynamic...)
	}

	return names.Values(), nil
}

// GetMemberships returns the groups, roles or filtered roles a user belongs to.
func (r *Repository) GetMemberships(ctx context.Context, t IdType, name string, membershipType IdType) ([]string, error) {
	const op = "get memberships"

	if t != IdTypeUser {
		return nil, newError(KindUnsupportedOperation, op, t, name, "only user memberships are supported")
	}

	userDN, err := r.getDN(ctx, op, t, name, true)
	if err != nil {
		return nil, err
	}

	switch membershipType {
	case IdTypeGroup:
		groups := r.cfg.typeConfig(IdTypeGroup)
		if r.cfg.ADRecursiveGroups {
			if f := r.helper.RecursiveMembershipFilter(r.cfg.UniqueMemberAttr, userDN); f != "" {
				return r.searchNames(ctx, op, IdTypeGroup, groups.base, ldap.ScopeWholeSubtree, andFilter(groups.filter, f))
			}
		}
		if r.cfg.MemberOfAttr != "" {
			return r.namesFromAttribute(ctx, op, userDN, r.cfg.MemberOfAttr, IdTypeGroup)
		}
		return r.searchNames(ctx, op, IdTypeGroup, groups.base, r.cfg.scope,
			andFilter(groups.filter, equalityFilter(r.cfg.UniqueMemberAttr, userDN)))

	case IdTypeRole:
		return r.namesFromAttribute(ctx, op, userDN, r.cfg.RoleDNAttr, IdTypeRole)

	case IdTypeFilteredRole:
		return r.filteredRoleMemberships(ctx, name)

	default:
		return nil, newError(KindUnsupportedOperation, op, membershipType, name, "type has no memberships")
	}
}

// filteredRoleMemberships evaluates the stored filter of every filtered role against the user.
func (r *Repository) filteredRoleMemberships(ctx context.Context, name string) ([]string, error) {
	const op = "get memberships"

	roles := r.cfg.typeConfig(IdTypeFilteredRole)
	users := r.cfg.typeConfig(IdTypeUser)

	req := ldap.NewSearchRequest(
		roles.base, r.cfg.scope, ldap.NeverDerefAliases,
		r.cfg.MaxResults, r.cfg.TimeLimit, false,
		roles.filter,
		[]string{roles.searchAttr, r.cfg.RoleFilterAttr},
		nil,
	)
	result, err := r.general.Search(ctx, req)
	if ldapclient.HasResultCode(err, ldap.LDAPResultNoSuchObject) {
		return nil, nil
	}
	if err != nil && !isLimitError(err) {
		return nil, r.translate(op, IdTypeFilteredRole, name, err)
	}
	if result == nil {
		return nil, nil
	}

	names := NewCISet()
	for _, role := range result.Entries {
		roleFilter := role.GetEqualFoldAttributeValue(r.cfg.RoleFilterAttr)
		if roleFilter == "" {
			continue
		}
		matches, err := r.searchNames(ctx, op, IdTypeUser, r.cfg.OrganizationDN, ldap.ScopeWholeSubtree,
			andFilter(users.filter, roleFilter, equalityFilter(users.searchAttr, name)))
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 {
			names.Add(role.GetEqualFoldAttributeValue(roles.searchAttr))
		}
	}
	return names.Values(), nil
}

// ModifyMembership adds users to or removes them from a group or role.
func (r *Repository) ModifyMembership(ctx context.Context, t IdType, name string, members []string, membersType IdType, mop MembershipOp) error {
	const op = "modify membership"

	if len(members) == 0 {
		return newError(KindIllegalArguments, op, t, name, "no members given")
	}
	if membersType != IdTypeUser || (t != IdTypeGroup && t != IdTypeRole) {
		return newError(KindUnsupportedOperation, op, t, name, "membership of "+membersType.String()+" in "+t.String()+" is not supported")
	}

	targetDN, err := r.getDN(ctx, op, t, name, true)
	if err != nil {
		return err
	}

	memberDNs := make([]string, 0, len(members))
	for _, m := range members {
		dn, err := r.getDN(ctx, op, IdTypeUser, m, true)
		if err != nil {
			return err
		}
		memberDNs = append(memberDNs, dn)
	}

	if t == IdTypeRole {
		for _, memberDN := range memberDNs {
			if err := r.modifyValueDelta(ctx, op, t, name, memberDN, r.cfg.RoleDNAttr, []string{targetDN}, mop); err != nil {
				return err
			}
		}
		return nil
	}

	if err := r.modifyValueDelta(ctx, op, t, name, targetDN, r.cfg.UniqueMemberAttr, memberDNs, mop); err != nil {
		return err
	}
	if r.cfg.MemberOfAttr != "" {
		for _, memberDN := range memberDNs {
			if err := r.modifyValueDelta(ctx, op, t, name, memberDN, r.cfg.MemberOfAttr, []string{targetDN}, mop); err != nil {
				return err
			}
		}
	}
	return nil
}

// modifyValueDelta adds the DN values of attr that dn lacks, or removes
// those it has, in one modify request.
func (r *Repository) modifyValueDelta(ctx context.Context, op string, t IdType, name, dn, attr string, values []string, mop MembershipOp) error {
	entry, err := r.readEntry(ctx, dn, "", []string{attr})
	if err != nil {
		return r.translate(op, t, name, err)
	}
	if entry == nil {
		return newError(KindIdentityNotFound, op, t, name, "entry "+dn+" not found")
	}

	current := make(map[string]bool)
	for _, v := range entry.GetEqualFoldAttributeValues(attr) {
		current[ldapclient.NormalizeDN(v)] = true
	}

	var delta []string
	seen := make(map[string]bool)
	for _, v := range values {
		key := ldapclient.NormalizeDN(v)
		if seen[key] || current[key] == (mop == MembershipAdd) {
			continue
		}
		seen[key] = true
		delta = append(delta, v)
	}
	if len(delta) == 0 {
		return nil
	}

	change := ldap.Change{
		Operation:    ldap.AddAttribute,
		Modification: ldap.PartialAttribute{Type: attr, Vals: delta},
	}
	if mop == MembershipRemove {
		change.Operation = ldap.DeleteAttribute
	}
	return r.modify(ctx, op, t, name, dn, []ldap.Change{change}, "")
}

// namesFromAttribute maps the DN values of attr on dn to names of type t.
func (r *Repository) namesFromAttribute(ctx context.Context, op, dn, attr string, t IdType) ([]string, error) {
	entry, err := r.readEntry(ctx, dn, "", []string{attr})
	if err != nil {
		return nil, r.translate(op, t, dn, err)
	}
	if entry == nil {
		return nil, nil
	}

	base := r.cfg.typeConfig(t).base
	names := NewCISet()
	for _, v := range entry.GetEqualFoldAttributeValues(attr) {
		if !ldapclient.IsDNChild(v, base) {
			continue
		}
		name, err := r.nameFromDN(ctx, t, v)
		if err != nil {
			return nil, r.translate(op, t, dn, err)
		}
		names.Add(name)
	}
	return names.Values(), nil
}

// searchNames returns the search attribute values of type t matching filter.
func (r *Repository) searchNames(ctx context.Context, op string, t IdType, base string, scope int, filter string) ([]string, error) {
	attr := r.cfg.typeConfig(t).searchAttr
	req := ldap.NewSearchRequest(
		base, scope, ldap.NeverDerefAliases,
		r.cfg.MaxResults, r.cfg.TimeLimit, false,
		filter,
		[]string{attr},
		nil,
	)

	result, err := r.general.Search(ctx, req)
	switch {
	case err == nil:
	case ldapclient.HasResultCode(err, ldap.LDAPResultNoSuchObject):
		return nil, nil
	case isLimitError(err) && result != nil:
		r.logger.Warn("Member search returned a partial result", map[string]any{
			"base":   base,
			"filter": filter,
			"error":  err.Error(),
		})
	default:
		return nil, r.translate(op, t, base, err)
	}

	names := NewCISet()
	for _, entry := range result.Entries {
		names.Add(entry.GetEqualFoldAttributeValue(attr))
	}
	return names.Values(), nil
}

func (r *Repository) memberOfAttr() string {
	if r.cfg.MemberOfAttr != "" {
		return r.cfg.MemberOfAttr
	}
	return defaultMemberOfAttr
}

func isLimitError(err error) bool {
	return ldapclient.HasResultCode(err, ldap.LDAPResultSizeLimitExceeded, ldap.LDAPResultTimeLimitExceeded)
}
