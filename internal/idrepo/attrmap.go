package idrepo

import (
	"iter"
	"maps"
	"slices"
	"strings"
)

// CIMap is an insertion ordered map whose keys compare case-insensitively.
// A key keeps the casing it was first stored with.
type CIMap[V any] struct {
	keys   []string
	values map[string]V
}

// NewCIMap returns an empty map.
func NewCIMap[V any]() *CIMap[V] {
	return &CIMap[V]{values: make(map[string]V)}
}

// AttributesFrom builds an attribute map from m, ordering keys alphabetically.
func AttributesFrom(m map[string][]string) *CIMap[[]string] {
	out := NewCIMap[[]string]()
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out.Set(k, slices.Clone(m[k]))
	}
	return out
}

func fold(key string) string {
	return strings.ToLower(key)
}

// Set stores v under key.
func (m *CIMap[V]) Set(key string, v V) {
	k := fold(key)
	if _, ok := m.values[k]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[k] = v
}

// Get returns the value stored under key.
func (m *CIMap[V]) Get(key string) (V, bool) {
	if m == nil {
		var zero V
		return zero, false
	}
	v, ok := m.values[fold(key)]
	return v, ok
}

// Has reports whether key is present.
func (m *CIMap[V]) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Delete removes key.
func (m *CIMap[V]) Delete(key string) {
	k := fold(key)
	if _, ok := m.values[k]; !ok {
		return
	}
	delete(m.values, k)
	m.keys = slices.DeleteFunc(m.keys, func(s string) bool { return fold(s) == k })
}

// Len returns the number of keys.
func (m *CIMap[V]) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the keys in insertion order with their stored casing.
func (m *CIMap[V]) Keys() []string {
	if m == nil {
		return nil
	}
	return slices.Clone(m.keys)
}

// All iterates over the entries in insertion order.
func (m *CIMap[V]) All() iter.Seq2[string, V] {
	return func(yield func(string, V) bool) {
		if m == nil {
			return
		}
		for _, k := range m.keys {
			if !yield(k, m.values[fold(k)]) {
				return
			}
		}
	}
}

// Clone returns a shallow copy.
func (m *CIMap[V]) Clone() *CIMap[V] {
	out := NewCIMap[V]()
	for k, v := range m.All() {
		out.Set(k, v)
	}
	return out
}

// first returns the first value of a multi-valued attribute.
func first(m *CIMap[[]string], key string) string {
	if values, ok := m.Get(key); ok && len(values) > 0 {
		return values[0]
	}
	return ""
}

// CISet is an insertion ordered set of case-insensitive strings.
type CISet struct {
	m *CIMap[struct{}]
}

// NewCISet returns a set holding values.
func NewCISet(values ...string) *CISet {
	s := &CISet{m: NewCIMap[struct{}]()}
	s.Add(values...)
	return s
}

// Add inserts values.
func (s *CISet) Add(values ...string) {
	for _, v := range values {
		if v != "" {
			s.m.Set(v, struct{}{})
		}
	}
}

// Has reports whether v is in the set.
func (s *CISet) Has(v string) bool {
	return s != nil && s.m.Has(v)
}

// Delete removes v.
func (s *CISet) Delete(v string) {
	s.m.Delete(v)
}

// Len returns the number of values.
func (s *CISet) Len() int {
	if s == nil {
		return 0
	}
	return s.m.Len()
}

// Values returns the values in insertion order.
func (s *CISet) Values() []string {
	if s == nil {
		return nil
	}
	return s.m.Keys()
}
