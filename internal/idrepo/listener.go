package idrepo

import (
	"context"
	"strings"

	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/isometry/ldap-idrepo/internal/ldap"
	"github.com/isometry/ldap-idrepo/internal/psearch"
)

// entryTypes are the identity types change notifications are matched against, in priority order.
var entryTypes = []IdType{IdTypeUser, IdTypeGroup, IdTypeRole, IdTypeFilteredRole}

// AddListener registers l for change notifications. When a registry and a
// persistent search base are configured the repository subscribes to the
// shared persistent search; otherwise l only receives realm service updates.
func (r *Repository) AddListener(ctx context.Context, l Listener) error {
	if l == nil {
		return newError(KindIllegalArguments, "add listener", 0, "", "listener is required")
	}

	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()

	r.listener = l
	if r.registry == nil || r.cfg.PSearchBase == "" || r.fingerprint != "" {
		return nil
	}

	conn := r.cfg.generalConnection()
	conn.Dialer = r.dialer
	conn.Logger = r.rootLogger.Named("psearch")

	fingerprint, err := r.registry.AddListener(ctx, psearch.Params{
		Connection:      conn,
		BaseDN:          r.cfg.PSearchBase,
		Filter:          r.cfg.PSearchFilter,
		Scope:           r.cfg.psearchScope,
		SearchAttribute: r.cfg.UserSearchAttr,
	}, r.id, &changeRelay{repo: r})
	if err != nil {
		r.listener = nil
		return wrapError(KindInitialization, "add listener", 0, "", err)
	}

	r.fingerprint = fingerprint
	return nil
}

// RemoveListener unregisters the listener and leaves the persistent search.
func (r *Repository) RemoveListener() error {
	r.listenerMu.Lock()
	fingerprint := r.fingerprint
	r.listener = nil
	r.fingerprint = ""
	r.listenerMu.Unlock()

	if fingerprint == "" || r.registry == nil {
		return nil
	}
	return r.registry.RemoveListener(fingerprint, r.id)
}

func (r *Repository) currentListener() Listener {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	return r.listener
}

// changeRelay adapts persistent search events to the DN cache and the repository listener.
type changeRelay struct {
	repo *Repository
}

func (c *changeRelay) EntryChanged(event psearch.Event) {
	r := c.repo

	t, known := r.entryType(event.DN, event.Entry)
	name := r.entryName(t, known, event.DN, event.Entry)

	var previousName string
	switch event.ChangeType {
	case ldapclient.ChangeTypeModDN, ldapclient.ChangeTypeDelete:
		previousDN := event.PreviousDN
		if previousDN == "" {
			previousDN = event.DN
		}
		previousName = r.invalidateDN(previousDN, t, known)
		if known && t == IdTypeUser && event.Entry != nil {
			tc := r.cfg.typeConfig(t)
			for _, attr := range []string{tc.searchAttr, tc.namingAttr} {
				for _, v := range event.Entry.GetEqualFoldAttributeValues(attr) {
					r.cache.invalidate(v, t)
				}
			}
		}
	}

	r.logger.Debug("Entry changed", map[string]any{
		"dn":          event.DN,
		"change_type": event.ChangeType.String(),
		"type":        t.String(),
		"known_type":  known,
	})

	l := r.currentListener()
	if l == nil || !known {
		return
	}
	if previousName != "" && previousName != name {
		l.ObjectChanged(previousName, t, event.ChangeType)
	}
	if name != "" {
		l.ObjectChanged(name, t, event.ChangeType)
	}
}

func (c *changeRelay) AllEntriesChanged() {
	r := c.repo
	r.cache.purge()
	if l := r.currentListener(); l != nil {
		l.AllObjectsChanged()
	}
}

// invalidateDN drops the cache keys the RDN of dn can produce and returns the
// name dn was known by. Only t is considered when the entry type is known, and
// then the name is empty unless the RDN uses the search attribute of t.
func (r *Repository) invalidateDN(dn string, t IdType, known bool) string {
	attr, value, err := ldapclient.FirstRDN(dn)
	if err != nil {
		r.logger.Debug("Ignoring unparseable DN in change notification", map[string]any{"dn": dn})
		return ""
	}

	types := entryTypes
	if known {
		types = []IdType{t}
	}
	for _, candidate := range types {
		tc := r.cfg.typeConfig(candidate)
		if strings.EqualFold(attr, tc.searchAttr) || strings.EqualFold(attr, tc.namingAttr) {
			r.cache.invalidate(value, candidate)
		}
	}
	if known && !strings.EqualFold(attr, r.cfg.typeConfig(t).searchAttr) {
		return ""
	}
	return value
}

// entryType identifies the type of a changed entry by the configured object
// classes it carries, falling back to its position in the tree.
func (r *Repository) entryType(dn string, entry *ldap.Entry) (IdType, bool) {
	if entry != nil {
		classes := NewCISet(entry.GetEqualFoldAttributeValues(objectClassAttr)...)
		best, bestScore := IdTypeUser, 0
		for _, t := range entryTypes {
			score := 0
			for _, oc := range r.cfg.typeConfig(t).objectClasses {
				if !strings.EqualFold(oc, "top") && classes.Has(oc) {
					score++
				}
			}
			if score > bestScore {
				best, bestScore = t, score
			}
		}
		if bestScore > 0 {
			return best, true
		}
	}

	attr, _, err := ldapclient.FirstRDN(dn)
	if err != nil {
		return 0, false
	}
	parent, _ := ldapclient.GetDNParent(dn)
	for _, t := range entryTypes {
		tc := r.cfg.typeConfig(t)
		if strings.EqualFold(attr, tc.searchAttr) && ldapclient.EqualDN(parent, tc.base) {
			return t, true
		}
	}
	return 0, false
}

func (r *Repository) entryName(t IdType, known bool, dn string, entry *ldap.Entry) string {
	if known && entry != nil {
		if v := entry.GetEqualFoldAttributeValue(r.cfg.typeConfig(t).searchAttr); v != "" {
			return v
		}
	}
	_, value, err := ldapclient.FirstRDN(dn)
	if err != nil {
		return ""
	}
	return value
}
