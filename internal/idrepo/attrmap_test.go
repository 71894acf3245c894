package idrepo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCIMap(t *testing.T) {
	m := NewCIMap[[]string]()
	m.Set("objectClass", []string{"top"})
	m.Set("mail", []string{"a@example.com"})
	m.Set("OBJECTCLASS", []string{"top", "person"})

	assert.Equal(t, 2, m.Len())
	assert.Equal(t, []string{"objectClass", "mail"}, m.Keys(), "keys keep their first casing and position")
	assert.Equal(t, []string{"top", "person"}, must(m.Get("objectclass")))
	assert.Equal(t, "top", first(m, "ObjectClass"))
	assert.Empty(t, first(m, "cn"))

	clone := m.Clone()
	m.Delete("MAIL")
	m.Delete("missing")
	assert.Equal(t, []string{"objectClass"}, m.Keys())
	assert.True(t, clone.Has("mail"))

	var keys []string
	for k := range clone.All() {
		keys = append(keys, k)
		break
	}
	assert.Equal(t, []string{"objectClass"}, keys)

	var nilMap *CIMap[string]
	assert.Equal(t, 0, nilMap.Len())
	assert.False(t, nilMap.Has("x"))
	assert.Nil(t, nilMap.Keys())
}

func TestAttributesFrom(t *testing.T) {
	source := map[string][]string{"sn": {"Liddell"}, "cn": {"Alice"}}
	m := AttributesFrom(source)
	source["cn"][0] = "changed"

	assert.Equal(t, []string{"cn", "sn"}, m.Keys())
	assert.Equal(t, []string{"Alice"}, must(m.Get("CN")))
}

func TestCISet(t *testing.T) {
	s := NewCISet("top", "", "Person", "TOP")
	assert.Equal(t, []string{"top", "Person"}, s.Values())
	assert.True(t, s.Has("person"))

	s.Delete("PERSON")
	assert.Equal(t, 1, s.Len())

	var nilSet *CISet
	assert.False(t, nilSet.Has("top"))
	assert.Equal(t, 0, nilSet.Len())
	assert.Nil(t, nilSet.Values())
}
