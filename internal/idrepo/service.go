package idrepo

import (
	"context"
	"maps"
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

const objectClassAttr = "objectClass"

// AssignService assigns a service to a user or realm. For users the
// "objectClass" entry of attrs lists the classes the service needs.
func (r *Repository) AssignService(ctx context.Context, t IdType, name, service string, attrs map[string][]string) error {
	const op = "assign service"

	switch t {
	case IdTypeRealm:
		r.setRealmService(service, attrs, false)
		return nil
	case IdTypeUser:
		dn, err := r.getDN(ctx, op, t, name, true)
		if err != nil {
			return err
		}
		entry, err := r.readEntry(ctx, dn, "", []string{objectClassAttr})
		if err != nil {
			return r.translate(op, t, name, err)
		}
		if entry == nil {
			return newError(KindIdentityNotFound, op, t, name, "")
		}

		current := NewCISet(entry.GetEqualFoldAttributeValues(objectClassAttr)...)
		var changes []ldap.Change
		var missing []string
		for _, oc := range serviceValues(attrs, objectClassAttr) {
			if !current.Has(oc) {
				missing = append(missing, oc)
			}
		}
		if len(missing) > 0 {
			changes = append(changes, ldap.Change{
				Operation:    ldap.AddAttribute,
				Modification: ldap.PartialAttribute{Type: objectClassAttr, Vals: missing},
			})
		}
		changes = append(changes, replaceChanges(attrs)...)
		if len(changes) == 0 {
			return nil
		}
		return r.modify(ctx, op, t, name, dn, changes, "")
	default:
		return newError(KindUnsupportedOperation, op, t, name, "services can only be assigned to users and realms")
	}
}

// GetAssignedServices returns the services whose object classes are all
// present on the user, or the services stored for a realm. mapping lists
// the object classes of each known service.
func (r *Repository) GetAssignedServices(ctx context.Context, t IdType, name string, mapping map[string][]string) ([]string, error) {
	const op = "get assigned services"

	switch t {
	case IdTypeRealm:
		r.servicesMu.RLock()
		defer r.servicesMu.RUnlock()
		return slices.Sorted(maps.Keys(r.services)), nil
	case IdTypeUser:
		dn, err := r.getDN(ctx, op, t, name, true)
		if err != nil {
			return nil, err
		}
		entry, err := r.readEntry(ctx, dn, "", []string{objectClassAttr})
		if err != nil {
			return nil, r.translate(op, t, name, err)
		}
		if entry == nil {
			return nil, newError(KindIdentityNotFound, op, t, name, "")
		}

		current := NewCISet(entry.GetEqualFoldAttributeValues(objectClassAttr)...)
		var assigned []string
		for _, service := range slices.Sorted(maps.Keys(mapping)) {
			classes := mapping[service]
			if len(classes) == 0 {
				continue
			}
			if !slices.ContainsFunc(classes, func(oc string) bool { return !current.Has(oc) }) {
				assigned = append(assigned, service)
			}
		}
		return assigned, nil
	default:
		return nil, newError(KindUnsupportedOperation, op, t, name, "")
	}
}

// GetServiceAttributes returns the named service attributes, or all of them when names is empty.
func (r *Repository) GetServiceAttributes(ctx context.Context, t IdType, name, service string, names []string) (map[string][]string, error) {
	switch t {
	case IdTypeRealm:
		return r.realmService(service, names), nil
	case IdTypeUser:
		entry, err := r.serviceEntry(ctx, "get service attributes", t, name, names)
		if err != nil {
			return nil, err
		}
		out := make(map[string][]string, len(entry.Attributes))
		for _, attr := range entry.Attributes {
			out[attr.Name] = r.stringValues(attr.Name, attr.ByteValues)
		}
		return out, nil
	default:
		return nil, newError(KindUnsupportedOperation, "get service attributes", t, name, "")
	}
}

// GetBinaryServiceAttributes is GetServiceAttributes returning raw values.
func (r *Repository) GetBinaryServiceAttributes(ctx context.Context, t IdType, name, service string, names []string) (map[string][][]byte, error) {
	switch t {
	case IdTypeRealm:
		out := make(map[string][][]byte)
		for attr, values := range r.realmService(service, names) {
			raw := make([][]byte, len(values))
			for i, v := range values {
				raw[i] = []byte(v)
			}
			out[attr] = raw
		}
		return out, nil
	case IdTypeUser:
		entry, err := r.serviceEntry(ctx, "get binary service attributes", t, name, names)
		if err != nil {
			return nil, err
		}
		out := make(map[string][][]byte, len(entry.Attributes))
		for _, attr := range entry.Attributes {
			out[attr.Name] = slices.Clone(attr.ByteValues)
		}
		return out, nil
	default:
		return nil, newError(KindUnsupportedOperation, "get binary service attributes", t, name, "")
	}
}

func (r *Repository) serviceEntry(ctx context.Context, op string, t IdType, name string, names []string) (*ldap.Entry, error) {
	dn, err := r.getDN(ctx, op, t, name, true)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		names = []string{"*"}
	}
	entry, err := r.readEntry(ctx, dn, "", names)
	if err != nil {
		return nil, r.translate(op, t, name, err)
	}
	if entry == nil {
		return nil, newError(KindIdentityNotFound, op, t, name, "")
	}
	return entry, nil
}

// ModifyService replaces service attributes. Empty values remove an attribute.
func (r *Repository) ModifyService(ctx context.Context, t IdType, name, service string, attrs map[string][]string) error {
	const op = "modify service"

	switch t {
	case IdTypeRealm:
		r.setRealmService(service, attrs, true)
		return nil
	case IdTypeUser:
		changes := replaceChanges(attrs)
		if len(changes) == 0 {
			return newError(KindIllegalArguments, op, t, name, "no attributes to modify")
		}
		dn, err := r.getDN(ctx, op, t, name, true)
		if err != nil {
			return err
		}
		return r.modify(ctx, op, t, name, dn, changes, "")
	default:
		return newError(KindUnsupportedOperation, op, t, name, "")
	}
}

// UnassignService removes a service. For users the "objectClass" entry of
// attrs lists the classes to remove; every attribute those classes define
// is cleared first.
func (r *Repository) UnassignService(ctx context.Context, t IdType, name, service string, attrs map[string][]string) error {
	const op = "unassign service"

	switch t {
	case IdTypeRealm:
		r.servicesMu.Lock()
		delete(r.services, service)
		r.servicesMu.Unlock()
		r.publishService(service, map[string][]string{})
		return nil
	case IdTypeUser:
	default:
		return newError(KindUnsupportedOperation, op, t, name, "")
	}

	dn, err := r.getDN(ctx, op, t, name, true)
	if err != nil {
		return err
	}
	entry, err := r.readEntry(ctx, dn, "", []string{"*", objectClassAttr})
	if err != nil {
		return r.translate(op, t, name, err)
	}
	if entry == nil {
		return newError(KindIdentityNotFound, op, t, name, "")
	}

	current := NewCISet(entry.GetEqualFoldAttributeValues(objectClassAttr)...)
	var removed []string
	for _, oc := range serviceValues(attrs, objectClassAttr) {
		if current.Has(oc) {
			removed = append(removed, oc)
		}
	}
	if len(removed) == 0 {
		return nil
	}

	schema, err := r.schema(ctx)
	if err != nil {
		return err
	}

	present := NewCISet()
	for _, attr := range entry.Attributes {
		present.Add(attr.Name)
	}

	cleared := NewCISet()
	for _, oc := range removed {
		must, may, err := schema.Attributes(oc)
		if err != nil {
			return wrapError(KindSchemaLookup, op, t, name, err)
		}
		for _, attr := range append(must.Values(), may.Values()...) {
			if present.Has(attr) && !strings.EqualFold(attr, objectClassAttr) {
				cleared.Add(attr)
			}
		}
	}

	changes := make([]ldap.Change, 0, cleared.Len()+1)
	for _, attr := range cleared.Values() {
		changes = append(changes, ldap.Change{
			Operation:    ldap.DeleteAttribute,
			Modification: ldap.PartialAttribute{Type: attr},
		})
	}
	changes = append(changes, ldap.Change{
		Operation:    ldap.DeleteAttribute,
		Modification: ldap.PartialAttribute{Type: objectClassAttr, Vals: removed},
	})
	return r.modify(ctx, op, t, name, dn, changes, "")
}

// setRealmService stores realm service attributes and publishes them to the listener.
func (r *Repository) setRealmService(service string, attrs map[string][]string, merge bool) {
	r.servicesMu.Lock()
	stored := r.services[service]
	if stored == nil || !merge {
		stored = make(map[string][]string)
	}
	for attr, values := range attrs {
		if len(values) == 0 {
			delete(stored, attr)
			continue
		}
		stored[attr] = slices.Clone(values)
	}
	r.services[service] = stored
	snapshot := cloneServiceAttrs(stored)
	r.servicesMu.Unlock()

	r.publishService(service, snapshot)
}

func (r *Repository) realmService(service string, names []string) map[string][]string {
	r.servicesMu.RLock()
	defer r.servicesMu.RUnlock()

	stored := r.services[service]
	if len(names) == 0 {
		return cloneServiceAttrs(stored)
	}
	out := make(map[string][]string)
	wanted := NewCISet(names...)
	for attr, values := range stored {
		if wanted.Has(attr) {
			out[attr] = slices.Clone(values)
		}
	}
	return out
}

func (r *Repository) publishService(service string, attrs map[string][]string) {
	r.listenerMu.Lock()
	l := r.listener
	r.listenerMu.Unlock()

	if l != nil {
		l.SetServiceAttributes(service, attrs)
	}
}

func cloneServiceAttrs(attrs map[string][]string) map[string][]string {
	out := make(map[string][]string, len(attrs))
	for k, v := range attrs {
		out[k] = slices.Clone(v)
	}
	return out
}

// serviceValues returns the values of attr in attrs, matching the key case-insensitively.
func serviceValues(attrs map[string][]string, attr string) []string {
	for k, v := range attrs {
		if strings.EqualFold(k, attr) {
			return v
		}
	}
	return nil
}

// replaceChanges builds REPLACE modifications for every attribute other than objectClass.
func replaceChanges(attrs map[string][]string) []ldap.Change {
	var changes []ldap.Change
	for _, attr := range slices.Sorted(maps.Keys(attrs)) {
		if strings.EqualFold(attr, objectClassAttr) {
			continue
		}
		changes = append(changes, ldap.Change{
			Operation:    ldap.ReplaceAttribute,
			Modification: ldap.PartialAttribute{Type: attr, Vals: attrs[attr]},
		})
	}
	return changes
}
