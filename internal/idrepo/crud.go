package idrepo

import (
	"context"
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/isometry/ldap-idrepo/internal/ldap"
)

// Create adds a new identity and returns its DN.
func (r *Repository) Create(ctx context.Context, t IdType, name string, attrs *CIMap[[]string], opts ...CallOption) (string, error) {
	const op = "create"

	if err := r.requireDirectoryType(op, t); err != nil {
		return "", err
	}
	if !r.supports(t, OperationCreate) {
		return "", newError(KindUnsupportedOperation, op, t, name, "")
	}
	if name == "" {
		return "", newError(KindIllegalArguments, op, t, name, "name is required")
	}

	o := applyOptions(opts)
	tc := r.cfg.typeConfig(t)
	if attrs == nil {
		attrs = NewCIMap[[]string]()
	} else {
		attrs = attrs.Clone()
	}

	// _id addresses the search attribute, which always carries name. _username
	// addresses the naming attribute and only survives when that differs.
	if t == IdTypeUser {
		if strings.EqualFold(tc.searchAttr, tc.namingAttr) {
			id, username := first(attrs, AliasID), first(attrs, AliasUsername)
			if id != "" && username != "" && id != username && !o.idGenerated {
				return "", newError(KindIdentifierMismatch, op, t, name, "_id "+id+" does not match _username "+username)
			}
			attrs.Delete(AliasUsername)
		}
		attrs.Delete(AliasID)
	}
	if t == IdTypeUser {
		r.applyCreationMapping(name, attrs)
	}

	dirAttrs := r.toDirectoryStrings(t, attrs)
	if values, _ := dirAttrs.Get(tc.searchAttr); !slices.ContainsFunc(values, func(v string) bool {
		return strings.EqualFold(v, name)
	}) {
		dirAttrs.Set(tc.searchAttr, append([]string{name}, values...))
	}

	objectClasses := NewCISet(tc.objectClasses...)
	if existing, ok := dirAttrs.Get("objectClass"); ok {
		objectClasses.Add(existing...)
	}
	dirAttrs.Set("objectClass", objectClasses.Values())

	if t == IdTypeGroup && r.cfg.DefaultGroupMember != "" && !dirAttrs.Has(r.cfg.UniqueMemberAttr) {
		dirAttrs.Set(r.cfg.UniqueMemberAttr, []string{r.cfg.DefaultGroupMember})
	}

	dn := r.generateDN(t, name)
	req := ldap.NewAddRequest(dn, nil)
	for attr, values := range dirAttrs.All() {
		if len(values) == 0 {
			continue
		}
		if r.helper.IsPasswordAttribute(attr) {
			var err error
			if attr, values, err = r.helper.EncodePassword(attr, values); err != nil {
				return "", wrapError(KindIllegalArguments, op, t, name, err)
			}
		}
		req.Attribute(attr, values)
	}

	if err := r.general.Add(ctx, req); err != nil {
		return "", r.translate(op, t, name, err)
	}

	r.cache.put(name, t, dn)
	return dn, nil
}

// GetAttributes reads the named attributes of an identity, or every allowed
// attribute when names is empty.
func (r *Repository) GetAttributes(ctx context.Context, t IdType, name string, names []string) (*CIMap[[]string], error) {
	entry, plan, err := r.read(ctx, "get attributes", t, name, names)
	if err != nil || entry == nil {
		return NewCIMap[[]string](), err
	}
	return r.attributes(t, entry, plan), nil
}

// GetBinaryAttributes is GetAttributes returning raw values.
func (r *Repository) GetBinaryAttributes(ctx context.Context, t IdType, name string, names []string) (*CIMap[[][]byte], error) {
	entry, plan, err := r.read(ctx, "get binary attributes", t, name, names)
	if err != nil || entry == nil {
		return NewCIMap[[][]byte](), err
	}
	return r.binaryAttributes(t, entry, plan), nil
}

// read fetches the entry for a read plan. A nil entry with a nil error means
// only disallowed attributes were requested.
func (r *Repository) read(ctx context.Context, op string, t IdType, name string, names []string) (*ldap.Entry, readPlan, error) {
	if err := r.requireDirectoryType(op, t); err != nil {
		return nil, readPlan{}, err
	}

	plan, ok := r.planRead(t, names)
	dn, err := r.getDN(ctx, op, t, name, true)
	if err != nil {
		return nil, plan, err
	}

	fetch := plan.fetch.Values()
	if !ok {
		fetch = []string{"1.1"}
	}

	entry, err := r.readEntry(ctx, dn, "", fetch)
	if err != nil {
		return nil, plan, r.translate(op, t, name, err)
	}
	if entry == nil {
		r.cache.invalidate(name, t)
		return nil, plan, newError(KindIdentityNotFound, op, t, name, "")
	}
	if !ok {
		return nil, plan, nil
	}
	return entry, plan, nil
}

// SetAttributes writes attributes of an identity. isAdd adds values instead
// of replacing them; an empty value list removes the attribute.
func (r *Repository) SetAttributes(ctx context.Context, t IdType, name string, attrs *CIMap[[]string], isAdd bool, opts ...CallOption) error {
	const op = "set attributes"
	if err := r.requireDirectoryType(op, t); err != nil {
		return err
	}
	return r.setAttributes(ctx, op, t, name, r.toDirectoryStrings(t, attrs), isAdd, opts)
}

// SetBinaryAttributes is SetAttributes for raw values.
func (r *Repository) SetBinaryAttributes(ctx context.Context, t IdType, name string, attrs *CIMap[[][]byte], isAdd bool, opts ...CallOption) error {
	const op = "set binary attributes"
	if err := r.requireDirectoryType(op, t); err != nil {
		return err
	}

	dirAttrs := NewCIMap[[]string]()
	for attr, values := range r.toDirectoryBinary(t, attrs).All() {
		strs := make([]string, len(values))
		for i, v := range values {
			strs[i] = string(v)
		}
		dirAttrs.Set(attr, strs)
	}
	return r.setAttributes(ctx, op, t, name, dirAttrs, isAdd, opts)
}

func (r *Repository) setAttributes(ctx context.Context, op string, t IdType, name string, dirAttrs *CIMap[[]string], isAdd bool, opts []CallOption) error {
	o := applyOptions(opts)

	var regular, passwords []ldap.Change
	written := make([]string, 0, dirAttrs.Len())
	for attr, values := range dirAttrs.All() {
		isPassword := r.helper.IsPasswordAttribute(attr)
		if isPassword && len(values) > 0 {
			var err error
			if attr, values, err = r.helper.EncodePassword(attr, values); err != nil {
				return wrapError(KindIllegalArguments, op, t, name, err)
			}
		}

		change := ldap.Change{
			Operation:    ldap.ReplaceAttribute,
			Modification: ldap.PartialAttribute{Type: attr, Vals: values},
		}
		if isAdd && len(values) > 0 {
			change.Operation = ldap.AddAttribute
		}

		if isPassword {
			passwords = append(passwords, change)
		} else {
			regular = append(regular, change)
		}
		written = append(written, attr)
	}

	if len(regular)+len(passwords) == 0 {
		return newError(KindIllegalArguments, op, t, name, "no attributes to modify")
	}

	dn, err := r.getDN(ctx, op, t, name, true)
	if err != nil {
		return err
	}

	if o.changeOCs {
		missing, err := r.missingObjectClasses(ctx, t, dn, written)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			regular = append([]ldap.Change{{
				Operation:    ldap.AddAttribute,
				Modification: ldap.PartialAttribute{Type: "objectClass", Vals: missing},
			}}, regular...)
		}
	}

	proxyDN := ""
	if r.cfg.ProxiedAuth {
		proxyDN = o.proxyDN
	}

	// Without a proxy control the service account writes everything, so
	// password changes need no request of their own.
	if proxyDN == "" {
		return r.modify(ctx, op, t, name, dn, append(regular, passwords...), "")
	}

	// Password changes under proxied authorization go in their own request.
	if len(regular) > 0 {
		if err := r.modify(ctx, op, t, name, dn, regular, proxyDN); err != nil {
			return err
		}
	}
	if len(passwords) > 0 {
		return r.modify(ctx, op, t, name, dn, passwords, proxyDN)
	}
	return nil
}

// modify sends one modify request, on behalf of proxyDN when set. A denied
// proxied request is retried once without the control when fallback is enabled.
func (r *Repository) modify(ctx context.Context, op string, t IdType, name, dn string, changes []ldap.Change, proxyDN string) error {
	var controls []ldap.Control
	if proxyDN != "" {
		controls = append(controls, ldapclient.NewControlProxiedAuthorizationDN(proxyDN))
	}

	req := ldap.NewModifyRequest(dn, controls)
	req.Changes = changes
	err := r.general.Modify(ctx, req)

	if err != nil && proxyDN != "" && r.cfg.ProxiedAuthFallback &&
		ldapclient.HasResultCode(err, ldap.LDAPResultAuthorizationDenied, ldap.LDAPResultInsufficientAccessRights) {
		r.logger.Warn("Proxied authorization denied, retrying as service account", map[string]any{
			"dn":       dn,
			"proxy_dn": proxyDN,
			"error":    err.Error(),
		})
		req = ldap.NewModifyRequest(dn, nil)
		req.Changes = changes
		err = r.general.Modify(ctx, req)
	}

	return r.translate(op, t, name, err)
}

// missingObjectClasses returns the configured auxiliary classes the entry
// lacks that allow at least one of written.
func (r *Repository) missingObjectClasses(ctx context.Context, t IdType, dn string, written []string) ([]string, error) {
	const op = "change object classes"

	schema, err := r.schema(ctx)
	if err != nil {
		return nil, err
	}

	entry, err := r.readEntry(ctx, dn, "", []string{"objectClass"})
	if err != nil {
		return nil, r.translate(op, t, dn, err)
	}
	current := NewCISet()
	if entry != nil {
		current.Add(entry.GetEqualFoldAttributeValues("objectClass")...)
	}

	var missing []string
	for _, name := range r.cfg.typeConfig(t).objectClasses {
		if current.Has(name) {
			continue
		}
		oc, ok := schema.ObjectClass(name)
		if !ok {
			return nil, newError(KindSchemaLookup, op, t, dn, "object class "+name+" is not defined in the schema")
		}
		if oc.Kind != ObjectClassAuxiliary {
			continue
		}
		must, may, err := schema.Attributes(name)
		if err != nil {
			return nil, wrapError(KindSchemaLookup, op, t, dn, err)
		}
		for _, attr := range written {
			if must.Has(attr) || may.Has(attr) {
				missing = append(missing, name)
				break
			}
		}
	}
	return missing, nil
}

// RemoveAttributes deletes the named attributes from an identity.
func (r *Repository) RemoveAttributes(ctx context.Context, t IdType, name string, names []string) error {
	const op = "remove attributes"
	if err := r.requireDirectoryType(op, t); err != nil {
		return err
	}

	remove := NewCISet()
	for _, n := range names {
		if !r.isAllowed(t, n) {
			continue
		}
		if dir, ok := r.directoryAttr(t, n); ok {
			remove.Add(dir)
		}
	}
	if remove.Len() == 0 {
		return newError(KindIllegalArguments, op, t, name, "no attributes to remove")
	}

	dn, err := r.getDN(ctx, op, t, name, true)
	if err != nil {
		return err
	}

	changes := make([]ldap.Change, 0, remove.Len())
	for _, attr := range remove.Values() {
		changes = append(changes, ldap.Change{
			Operation:    ldap.DeleteAttribute,
			Modification: ldap.PartialAttribute{Type: attr},
		})
	}
	return r.modify(ctx, op, t, name, dn, changes, "")
}

// ChangePassword replaces oldPassword with newPassword while bound as the identity itself.
func (r *Repository) ChangePassword(ctx context.Context, t IdType, name, attrName, oldPassword, newPassword string) error {
	const op = "change password"

	if err := r.requireDirectoryType(op, t); err != nil {
		return err
	}
	if oldPassword == newPassword {
		return newError(KindPasswordPolicyViolation, op, t, name, "new password must differ from the current password")
	}

	dn, err := r.getDN(ctx, op, t, name, false)
	if err != nil {
		return err
	}

	attr, oldValues, err := r.helper.EncodePassword(attrName, []string{oldPassword})
	if err != nil {
		return wrapError(KindPasswordPolicyViolation, op, t, name, err)
	}
	_, newValues, err := r.helper.EncodePassword(attrName, []string{newPassword})
	if err != nil {
		return wrapError(KindPasswordPolicyViolation, op, t, name, err)
	}

	pc, err := r.passwordChange.Get(ctx)
	if err != nil {
		return wrapError(KindPasswordPolicyViolation, op, t, name, err)
	}
	defer pc.Close()
	// The connection stays bound as the user.
	defer pc.MarkBroken()

	if _, err := pc.Conn().SimpleBind(ldap.NewSimpleBindRequest(dn, oldPassword, nil)); err != nil {
		return wrapError(KindPasswordPolicyViolation, op, t, name, err)
	}

	req := ldap.NewModifyRequest(dn, nil)
	req.Delete(attr, oldValues)
	req.Add(attr, newValues)
	if err := pc.Conn().Modify(req); err != nil {
		return wrapError(KindPasswordPolicyViolation, op, t, name, err)
	}

	r.logger.Debug("Password changed", map[string]any{"dn": dn})
	return nil
}

// Delete removes an identity.
func (r *Repository) Delete(ctx context.Context, t IdType, name string) error {
	const op = "delete"
	if err := r.requireDirectoryType(op, t); err != nil {
		return err
	}

	dn, found, err := r.resolveDN(ctx, t, name, resolveSkipExistence, true)
	if err != nil {
		return err
	}
	if !found {
		return newError(KindIdentityNotFound, op, t, name, "")
	}

	err = r.general.Delete(ctx, dn)
	r.cache.invalidate(name, t)
	return r.translate(op, t, name, err)
}

// IsExists reports whether an identity exists.
func (r *Repository) IsExists(ctx context.Context, t IdType, name string) (bool, error) {
	if err := r.requireDirectoryType("exists", t); err != nil {
		return false, err
	}
	_, found, err := r.resolveDN(ctx, t, name, resolveExisting, true)
	return found, err
}

// IsActive reports whether a user is active. A user without a status value is active.
func (r *Repository) IsActive(ctx context.Context, name string) (bool, error) {
	attrs, err := r.GetAttributes(ctx, IdTypeUser, name, []string{StatusAttribute})
	if err != nil {
		return false, err
	}
	status := first(attrs, StatusAttribute)
	return status == "" || strings.EqualFold(status, StatusActive), nil
}

// SetActiveStatus activates or deactivates a user.
func (r *Repository) SetActiveStatus(ctx context.Context, name string, active bool) error {
	status := StatusInactive
	if active {
		status = StatusActive
	}
	attrs := NewCIMap[[]string]()
	attrs.Set(StatusAttribute, []string{status})
	return r.SetAttributes(ctx, IdTypeUser, name, attrs, false)
}
