package idrepo

import (
	"context"
	"maps"
	"slices"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	ldapclient "github.com/isometry/ldap-idrepo/internal/ldap"
	"github.com/isometry/ldap-idrepo/internal/ldap/ldaptest"
)

const (
	orgDN    = "dc=example,dc=com"
	peopleDN = "ou=people,dc=example,dc=com"
	groupsDN = "ou=groups,dc=example,dc=com"
	aliceDN  = "uid=alice,ou=people,dc=example,dc=com"
	bobDN    = "uid=bob,ou=people,dc=example,dc=com"
	adminsDN = "cn=admins,ou=groups,dc=example,dc=com"

	serviceDN = "cn=Directory Manager"
	servicePW = "secret"
)

// protocolMethods are the MockConn methods that reach the directory.
var protocolMethods = []string{"Search", "Add", "Modify", "Del", "SimpleBind"}

func testConfig(overrides map[string][]string) map[string][]string {
	raw := map[string][]string{
		"sun-idrepo-ldapv3-config-ldap-server":       {"ldap://ds1.example.com:389"},
		"sun-idrepo-ldapv3-config-authid":            {serviceDN},
		"sun-idrepo-ldapv3-config-authpw":            {servicePW},
		"sun-idrepo-ldapv3-config-organization_name": {orgDN},
		"openam-idrepo-ldapv3-heartbeat-interval":    {"0"},
	}
	maps.Copy(raw, overrides)
	return raw
}

// newTestRepository returns a repository whose connections all forward to
// the returned mock directory.
func newTestRepository(t *testing.T, overrides map[string][]string, opts ...Option) (*Repository, *ldaptest.MockConn) {
	t.Helper()

	dir := ldaptest.NewMockConn()
	dir.On("Bind", serviceDN, servicePW).Return(nil).Maybe()
	dialer := ldaptest.ForwardingDialer(dir)

	opts = append([]Option{WithDialer(dialer.Dial)}, opts...)
	r, err := New(context.Background(), testConfig(overrides), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Shutdown() })

	return r, dir
}

func assertNoDirectoryCalls(t *testing.T, dir *ldaptest.MockConn) {
	t.Helper()
	for _, method := range protocolMethods {
		dir.AssertNumberOfCalls(t, method, 0)
	}
}

func searchFilter(filter string) any {
	return mock.MatchedBy(func(req *ldap.SearchRequest) bool {
		return req.Filter == filter
	})
}

func baseRead(dn string) any {
	return mock.MatchedBy(func(req *ldap.SearchRequest) bool {
		return req.BaseDN == dn && req.Scope == ldap.ScopeBaseObject
	})
}

func modifyOf(dn string) any {
	return mock.MatchedBy(func(req *ldap.ModifyRequest) bool {
		return req.DN == dn
	})
}

func userLookup(name string) string {
	return "(&(objectclass=inetorgperson)(uid=" + name + "))"
}

func groupLookup(name string) string {
	return "(&(objectclass=groupOfUniqueNames)(cn=" + name + "))"
}

// expectUser makes the lookup of name resolve to dn.
func expectUser(dir *ldaptest.MockConn, name, dn string) {
	dir.On("Search", searchFilter(userLookup(name))).
		Return(ldaptest.Result(ldaptest.Entry(dn, nil)), nil)
}

func addValues(req *ldap.AddRequest, attr string) []string {
	for _, a := range req.Attributes {
		if a.Type == attr {
			return a.Vals
		}
	}
	return nil
}

func TestNewRejectsInvalidConfiguration(t *testing.T) {
	_, err := New(context.Background(), map[string][]string{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInitialization)
}

func TestNewOpensFactories(t *testing.T) {
	dir := ldaptest.NewMockConn()
	dir.On("Bind", serviceDN, servicePW).Return(nil)
	dialer := ldaptest.ForwardingDialer(dir)

	r, err := New(context.Background(), testConfig(nil), WithDialer(dialer.Dial))
	require.NoError(t, err)

	assert.NotEmpty(t, r.ID())
	assert.Len(t, dialer.Dials(), 3, "general, bind-only and password change factories each open one connection")
	dir.AssertNumberOfCalls(t, "Bind", 1)

	stats := r.Stats()
	assert.Equal(t, []string{"bind_only", "general", "password_change"}, slices.Sorted(maps.Keys(stats)))
	assert.Equal(t, 1, stats["general"].Idle)

	require.NoError(t, r.Shutdown())
	for _, conn := range dialer.Conns() {
		assert.True(t, conn.(*ldaptest.ForwardingConn).Closed())
	}
}

func TestSupportedOperations(t *testing.T) {
	r, _ := newTestRepository(t, nil)

	assert.Len(t, r.SupportedTypes(), 5)
	assert.Contains(t, r.SupportedOperations(IdTypeUser), OperationService)
	assert.NotContains(t, r.SupportedOperations(IdTypeGroup), OperationService)
	assert.Equal(t, []Operation{OperationRead, OperationEdit, OperationService}, r.SupportedOperations(IdTypeRealm))
	assert.Nil(t, r.SupportedOperations(IdType(42)))
}

func TestCreateThenResolve(t *testing.T) {
	r, dir := newTestRepository(t, nil)
	ctx := context.Background()

	var added *ldap.AddRequest
	dir.On("Add", mock.Anything).Run(func(args mock.Arguments) {
		added = args.Get(0).(*ldap.AddRequest)
	}).Return(nil).Once()

	attrs := AttributesFrom(map[string][]string{
		"mail":          {"alice@example.com"},
		StatusAttribute: {StatusActive},
	})
	dn, err := r.Create(ctx, IdTypeUser, "alice", attrs)
	require.NoError(t, err)
	assert.Equal(t, aliceDN, dn)

	require.NotNil(t, added)
	assert.Equal(t, aliceDN, added.DN)
	assert.Equal(t, []string{"alice"}, addValues(added, "uid"))
	assert.Equal(t, []string{"alice"}, addValues(added, "cn"))
	assert.Equal(t, []string{"alice"}, addValues(added, "sn"))
	assert.Equal(t, []string{"Active"}, addValues(added, "inetuserstatus"))
	assert.Contains(t, addValues(added, "objectClass"), "inetOrgPerson")

	got, err := r.getDN(ctx, "test", IdTypeUser, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, aliceDN, got)
	dir.AssertNumberOfCalls(t, "Search", 0)

	r.cache.purge()
	expectUser(dir, "alice", aliceDN)

	got, err = r.getDN(ctx, "test", IdTypeUser, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, aliceDN, got)
	dir.AssertNumberOfCalls(t, "Search", 1)
}

func TestCreateKeepsCallerValues(t *testing.T) {
	r, dir := newTestRepository(t, map[string][]string{
		"sun-idrepo-ldapv3-config-createuser-attr-mapping": {"cn=givenName", "sn"},
		"sun-idrepo-ldapv3-config-dftgroupmember":          {"cn=nobody"},
	})

	var requests []*ldap.AddRequest
	dir.On("Add", mock.Anything).Run(func(args mock.Arguments) {
		requests = append(requests, args.Get(0).(*ldap.AddRequest))
	}).Return(nil)

	_, err := r.Create(context.Background(), IdTypeUser, "alice", AttributesFrom(map[string][]string{
		"givenName": {"Alice"},
		"sn":        {"Liddell"},
	}))
	require.NoError(t, err)

	_, err = r.Create(context.Background(), IdTypeGroup, "admins", nil)
	require.NoError(t, err)

	require.Len(t, requests, 2)
	assert.Equal(t, []string{"Alice"}, addValues(requests[0], "cn"))
	assert.Equal(t, []string{"Liddell"}, addValues(requests[0], "sn"))
	assert.Equal(t, adminsDN, requests[1].DN)
	assert.Equal(t, []string{"cn=nobody"}, addValues(requests[1], "uniqueMember"))
}

func TestCreateIdentifierMismatch(t *testing.T) {
	r, dir := newTestRepository(t, nil)

	attrs := AttributesFrom(map[string][]string{
		AliasID:       {"alice"},
		AliasUsername: {"bob"},
	})

	_, err := r.Create(context.Background(), IdTypeUser, "alice", attrs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIdentifierMismatch)
	assert.ErrorIs(t, err, ErrIllegalArguments)
	assertNoDirectoryCalls(t, dir)

	dir.On("Add", mock.Anything).Return(nil).Once()
	_, err = r.Create(context.Background(), IdTypeUser, "alice", attrs, IDWasGenerated())
	require.NoError(t, err)
}

func TestCreateDuplicate(t *testing.T) {
	r, dir := newTestRepository(t, nil)
	dir.On("Add", mock.Anything).Return(ldaptest.ResultError(ldap.LDAPResultEntryAlreadyExists, "exists"))

	_, err := r.Create(context.Background(), IdTypeUser, "alice", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateIdentity)
	assert.Equal(t, 0, r.cache.len())
}

func TestCreateRejectsRealm(t *testing.T) {
	r, dir := newTestRepository(t, nil)

	_, err := r.Create(context.Background(), IdTypeRealm, "root", nil)
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
	assertNoDirectoryCalls(t, dir)
}

func TestResolveUsesCache(t *testing.T) {
	r, dir := newTestRepository(t, nil)
	expectUser(dir, "alice", aliceDN)

	for range 3 {
		exists, err := r.IsExists(context.Background(), IdTypeUser, "alice")
		require.NoError(t, err)
		assert.True(t, exists)
	}
	dir.AssertNumberOfCalls(t, "Search", 1)
}

func TestResolveWithoutCache(t *testing.T) {
	r, dir := newTestRepository(t, map[string][]string{
		"sun-idrepo-ldapv3-dncache-enabled": {"false"},
	})
	expectUser(dir, "alice", aliceDN)

	for range 2 {
		_, err := r.IsExists(context.Background(), IdTypeUser, "alice")
		require.NoError(t, err)
	}
	dir.AssertNumberOfCalls(t, "Search", 2)
}

func TestResolveAmbiguous(t *testing.T) {
	r, dir := newTestRepository(t, nil)
	dir.On("Search", searchFilter(userLookup("alice"))).Return(ldaptest.Result(
		ldaptest.Entry(aliceDN, nil),
		ldaptest.Entry("uid=alice,ou=contractors,dc=example,dc=com", nil),
	), ldaptest.ResultError(ldap.LDAPResultSizeLimitExceeded, "size limit"))

	_, err := r.IsExists(context.Background(), IdTypeUser, "alice")
	assert.ErrorIs(t, err, ErrAmbiguous)
	assert.ErrorIs(t, err, ErrIllegalArguments)
}

func TestResolveMissingBase(t *testing.T) {
	r, dir := newTestRepository(t, nil)
	dir.On("Search", mock.Anything).Return(nil, ldaptest.ResultError(ldap.LDAPResultNoSuchObject, "no such object"))

	exists, err := r.IsExists(context.Background(), IdTypeUser, "alice")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDeleteInvalidatesCache(t *testing.T) {
	r, dir := newTestRepository(t, nil)
	ctx := context.Background()

	dir.On("Search", searchFilter(userLookup("alice"))).
		Return(ldaptest.Result(ldaptest.Entry(aliceDN, nil)), nil).Once()
	dir.On("Search", searchFilter(userLookup("alice"))).
		Return(ldaptest.Result(), nil)
	dir.On("Del", mock.MatchedBy(func(req *ldap.DelRequest) bool {
		return req.DN == aliceDN
	})).Return(nil).Once()

	exists, err := r.IsExists(ctx, IdTypeUser, "alice")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, r.Delete(ctx, IdTypeUser, "alice"))

	_, err = r.getDN(ctx, "test", IdTypeUser, "alice", true)
	assert.ErrorIs(t, err, ErrIdentityNotFound)
	dir.AssertNumberOfCalls(t, "Search", 2)
	dir.AssertNumberOfCalls(t, "Del", 1)
}

func TestDeleteConstructsDN(t *testing.T) {
	r, dir := newTestRepository(t, map[string][]string{
		"sun-idrepo-ldapv3-config-search-scope": {"SCOPE_ONE"},
	})
	dir.On("Del", mock.MatchedBy(func(req *ldap.DelRequest) bool {
		return req.DN == aliceDN
	})).Return(ldaptest.ResultError(ldap.LDAPResultNoSuchObject, "no such object"))

	err := r.Delete(context.Background(), IdTypeUser, "alice")
	assert.ErrorIs(t, err, ErrIdentityNotFound)
	dir.AssertNumberOfCalls(t, "Search", 0)
}

func TestGetAttributes(t *testing.T) {
	r, dir := newTestRepository(t, map[string][]string{
		"sun-idrepo-ldapv3-config-user-attributes": {"uid", "mail", "cn"},
		"sun-idrepo-ldapv3-config-inactive":        {"disabled"},
	})
	expectUser(dir, "alice", aliceDN)
	dir.On("Search", baseRead(aliceDN)).Return(ldaptest.Result(ldaptest.Entry(aliceDN, map[string][]string{
		"uid":             {"alice"},
		"mail":            {"alice@example.com"},
		"inetuserstatus":  {"disabled"},
		"telephoneNumber": {"555-0100"},
	})), nil)

	attrs, err := r.GetAttributes(context.Background(), IdTypeUser, "alice",
		[]string{"mail", StatusAttribute, AliasID, "telephoneNumber"})
	require.NoError(t, err)

	assert.Equal(t, []string{"mail", StatusAttribute, AliasID}, attrs.Keys())
	assert.Equal(t, []string{StatusInactive}, must(attrs.Get(StatusAttribute)))
	assert.Equal(t, []string{"alice"}, must(attrs.Get(AliasID)))

	all, err := r.GetAttributes(context.Background(), IdTypeUser, "alice", nil)
	require.NoError(t, err)
	assert.True(t, all.Has("MAIL"))
	assert.True(t, all.Has(StatusAttribute))
	assert.False(t, all.Has("telephoneNumber"))
}

func TestGetAttributesOnlyDisallowed(t *testing.T) {
	r, dir := newTestRepository(t, map[string][]string{
		"sun-idrepo-ldapv3-config-user-attributes": {"mail"},
	})
	expectUser(dir, "alice", aliceDN)

	var read *ldap.SearchRequest
	dir.On("Search", baseRead(aliceDN)).Run(func(args mock.Arguments) {
		read = args.Get(0).(*ldap.SearchRequest)
	}).Return(ldaptest.Result(ldaptest.Entry(aliceDN, nil)), nil)

	attrs, err := r.GetAttributes(context.Background(), IdTypeUser, "alice", []string{"telephoneNumber"})
	require.NoError(t, err)
	assert.Equal(t, 0, attrs.Len())
	require.NotNil(t, read)
	assert.Equal(t, []string{"1.1"}, read.Attributes)
}

func TestGetAttributesEntryVanished(t *testing.T) {
	r, dir := newTestRepository(t, nil)
	expectUser(dir, "alice", aliceDN)
	dir.On("Search", baseRead(aliceDN)).Return(nil, ldaptest.ResultError(ldap.LDAPResultNoSuchObject, "gone"))

	_, err := r.GetAttributes(context.Background(), IdTypeUser, "alice", nil)
	assert.ErrorIs(t, err, ErrIdentityNotFound)
	assert.Equal(t, 0, r.cache.len())
}

func TestGetBinaryAttributes(t *testing.T) {
	r, dir := newTestRepository(t, nil)
	expectUser(dir, "alice", aliceDN)
	dir.On("Search", baseRead(aliceDN)).Return(ldaptest.Result(ldaptest.Entry(aliceDN, map[string][]string{
		"jpegPhoto": {"\xff\xd8\xff"},
	})), nil)

	attrs, err := r.GetBinaryAttributes(context.Background(), IdTypeUser, "alice", []string{"jpegPhoto"})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0xff, 0xd8, 0xff}}, must(attrs.Get("jpegphoto")))
}

func TestIsActive(t *testing.T) {
	tests := []struct {
		name   string
		status []string
		want   bool
	}{
		{name: "no status", want: true},
		{name: "active", status: []string{"Active"}, want: true},
		{name: "inactive", status: []string{"Inactive"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, dir := newTestRepository(t, nil)
			expectUser(dir, "alice", aliceDN)

			attrs := map[string][]string{"uid": {"alice"}}
			if tt.status != nil {
				attrs["inetuserstatus"] = tt.status
			}
			dir.On("Search", baseRead(aliceDN)).Return(ldaptest.Result(ldaptest.Entry(aliceDN, attrs)), nil)

			active, err := r.IsActive(context.Background(), "alice")
			require.NoError(t, err)
			assert.Equal(t, tt.want, active)
		})
	}
}

func TestSetAttributesNothingToModify(t *testing.T) {
	r, dir := newTestRepository(t, map[string][]string{
		"sun-idrepo-ldapv3-config-user-attributes": {"mail"},
	})

	err := r.SetAttributes(context.Background(), IdTypeUser, "alice",
		AttributesFrom(map[string][]string{"telephoneNumber": {"555-0100"}}), false)
	assert.ErrorIs(t, err, ErrIllegalArguments)

	err = r.SetAttributes(context.Background(), IdTypeUser, "alice", nil, false)
	assert.ErrorIs(t, err, ErrIllegalArguments)

	assertNoDirectoryCalls(t, dir)
}

func TestSetActiveStatus(t *testing.T) {
	r, dir := newTestRepository(t, map[string][]string{
		"sun-idrepo-ldapv3-config-inactive": {"disabled"},
	})
	expectUser(dir, "alice", aliceDN)

	var req *ldap.ModifyRequest
	dir.On("Modify", modifyOf(aliceDN)).Run(func(args mock.Arguments) {
		req = args.Get(0).(*ldap.ModifyRequest)
	}).Return(nil)

	require.NoError(t, r.SetActiveStatus(context.Background(), "alice", false))

	require.NotNil(t, req)
	require.Len(t, req.Changes, 1)
	assert.Equal(t, uint(ldap.ReplaceAttribute), req.Changes[0].Operation)
	assert.Equal(t, "inetuserstatus", req.Changes[0].Modification.Type)
	assert.Equal(t, []string{"disabled"}, req.Changes[0].Modification.Vals)
}

func TestSetAttributesAddAndRemove(t *testing.T) {
	r, dir := newTestRepository(t, nil)
	expectUser(dir, "alice", aliceDN)

	var req *ldap.ModifyRequest
	dir.On("Modify", modifyOf(aliceDN)).Run(func(args mock.Arguments) {
		req = args.Get(0).(*ldap.ModifyRequest)
	}).Return(nil)

	attrs := NewCIMap[[]string]()
	attrs.Set("mail", []string{"alice@example.org"})
	attrs.Set("description", nil)
	require.NoError(t, r.SetAttributes(context.Background(), IdTypeUser, "alice", attrs, true))

	require.Len(t, req.Changes, 2)
	assert.Equal(t, uint(ldap.AddAttribute), req.Changes[0].Operation)
	assert.Equal(t, uint(ldap.ReplaceAttribute), req.Changes[1].Operation)
	assert.Empty(t, req.Changes[1].Modification.Vals)
}

func TestSetAttributesProxiedAuthFallback(t *testing.T) {
	tests := []struct {
		name      string
		fallback  string
		wantErr   error
		wantCalls int
	}{
		{name: "fallback enabled", fallback: "true", wantCalls: 2},
		{name: "fallback disabled", fallback: "false", wantErr: ErrProxiedAuthzDenied, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, dir := newTestRepository(t, map[string][]string{
				"openam-idrepo-ldapv3-proxied-auth-enabled":         {"true"},
				"openam-idrepo-ldapv3-proxied-auth-denied-fallback": {tt.fallback},
			})
			expectUser(dir, "alice", aliceDN)

			var requests []*ldap.ModifyRequest
			record := func(args mock.Arguments) {
				requests = append(requests, args.Get(0).(*ldap.ModifyRequest))
			}
			dir.On("Modify", mock.MatchedBy(func(req *ldap.ModifyRequest) bool {
				return len(req.Controls) == 1
			})).Run(record).Return(ldaptest.ResultError(ldap.LDAPResultAuthorizationDenied, "denied"))
			dir.On("Modify", mock.MatchedBy(func(req *ldap.ModifyRequest) bool {
				return len(req.Controls) == 0
			})).Run(record).Return(nil)

			err := r.SetAttributes(context.Background(), IdTypeUser, "alice",
				AttributesFrom(map[string][]string{"mail": {"alice@example.org"}}), false,
				OnBehalfOf(bobDN))

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Empty(t, requests[len(requests)-1].Controls)
			}
			dir.AssertNumberOfCalls(t, "Modify", tt.wantCalls)
			proxy, ok := requests[0].Controls[0].(*ldapclient.ControlProxiedAuthorization)
			require.True(t, ok)
			assert.Equal(t, "dn:"+bobDN, proxy.AuthzID)
		})
	}
}

func TestSetAttributesSeparatesPasswordUnderProxy(t *testing.T) {
	r, dir := newTestRepository(t, map[string][]string{
		"openam-idrepo-ldapv3-proxied-auth-enabled": {"true"},
	})
	expectUser(dir, "alice", aliceDN)

	var requests []*ldap.ModifyRequest
	dir.On("Modify", modifyOf(aliceDN)).Run(func(args mock.Arguments) {
		requests = append(requests, args.Get(0).(*ldap.ModifyRequest))
	}).Return(nil)

	err := r.SetAttributes(context.Background(), IdTypeUser, "alice", AttributesFrom(map[string][]string{
		"mail":         {"alice@example.org"},
		"userPassword": {"n3w"},
	}), false, OnBehalfOf(aliceDN))
	require.NoError(t, err)

	require.Len(t, requests, 2)
	require.Len(t, requests[0].Changes, 1)
	assert.Equal(t, "mail", requests[0].Changes[0].Modification.Type)
	require.Len(t, requests[1].Changes, 1)
	assert.Equal(t, "userPassword", requests[1].Changes[0].Modification.Type)
	for _, req := range requests {
		assert.Len(t, req.Controls, 1)
	}
}

func TestSetAttributesWithoutProxySupport(t *testing.T) {
	r, dir := newTestRepository(t, nil)
	expectUser(dir, "alice", aliceDN)

	var req *ldap.ModifyRequest
	dir.On("Modify", modifyOf(aliceDN)).Run(func(args mock.Arguments) {
		req = args.Get(0).(*ldap.ModifyRequest)
	}).Return(nil).Once()

	err := r.SetAttributes(context.Background(), IdTypeUser, "alice", AttributesFrom(map[string][]string{
		"mail":         {"alice@example.org"},
		"userPassword": {"n3w"},
	}), false, OnBehalfOf(bobDN))
	require.NoError(t, err)
	assert.Empty(t, req.Controls)
	assert.Len(t, req.Changes, 2)
}

func TestSetAttributesProxyEnabledWithoutDelegate(t *testing.T) {
	r, dir := newTestRepository(t, map[string][]string{
		"openam-idrepo-ldapv3-proxied-auth-enabled": {"true"},
	})
	expectUser(dir, "alice", aliceDN)

	var req *ldap.ModifyRequest
	dir.On("Modify", modifyOf(aliceDN)).Run(func(args mock.Arguments) {
		req = args.Get(0).(*ldap.ModifyRequest)
	}).Return(nil).Once()

	err := r.SetAttributes(context.Background(), IdTypeUser, "alice", AttributesFrom(map[string][]string{
		"mail":         {"alice@example.org"},
		"userPassword": {"n3w"},
	}), false)
	require.NoError(t, err)
	dir.AssertNumberOfCalls(t, "Modify", 1)
	assert.Empty(t, req.Controls)
	assert.Len(t, req.Changes, 2)
}

func TestSetAttributesAddsAuxiliaryObjectClass(t *testing.T) {
	r, dir := newTestRepository(t, map[string][]string{
		"sun-idrepo-ldapv3-config-user-objectclass": {"top", "inetOrgPerson", "posixAccount"},
	})
	expectUser(dir, "alice", aliceDN)
	expectSchema(dir, posixSchema...)
	dir.On("Search", baseRead(aliceDN)).Return(ldaptest.Result(ldaptest.Entry(aliceDN, map[string][]string{
		"objectClass": {"top", "inetOrgPerson"},
	})), nil)

	var req *ldap.ModifyRequest
	dir.On("Modify", modifyOf(aliceDN)).Run(func(args mock.Arguments) {
		req = args.Get(0).(*ldap.ModifyRequest)
	}).Return(nil)

	err := r.SetAttributes(context.Background(), IdTypeUser, "alice", AttributesFrom(map[string][]string{
		"loginShell": {"/bin/zsh"},
	}), false, ChangeObjectClasses())
	require.NoError(t, err)

	require.Len(t, req.Changes, 2)
	assert.Equal(t, uint(ldap.AddAttribute), req.Changes[0].Operation)
	assert.Equal(t, "objectClass", req.Changes[0].Modification.Type)
	assert.Equal(t, []string{"posixAccount"}, req.Changes[0].Modification.Vals)
}

func TestRemoveAttributes(t *testing.T) {
	r, dir := newTestRepository(t, nil)
	expectUser(dir, "alice", aliceDN)

	var req *ldap.ModifyRequest
	dir.On("Modify", modifyOf(aliceDN)).Run(func(args mock.Arguments) {
		req = args.Get(0).(*ldap.ModifyRequest)
	}).Return(nil)

	require.NoError(t, r.RemoveAttributes(context.Background(), IdTypeUser, "alice", []string{"mail", "MAIL", "description"}))
	require.Len(t, req.Changes, 2)
	for _, c := range req.Changes {
		assert.Equal(t, uint(ldap.DeleteAttribute), c.Operation)
	}

	err := r.RemoveAttributes(context.Background(), IdTypeUser, "alice", nil)
	assert.ErrorIs(t, err, ErrIllegalArguments)
}

func TestModifyConstraintViolationIsFatal(t *testing.T) {
	r, dir := newTestRepository(t, nil)
	expectUser(dir, "alice", aliceDN)
	dir.On("Modify", modifyOf(aliceDN)).Return(ldaptest.ResultError(ldap.LDAPResultConstraintViolation, "too long"))

	err := r.SetAttributes(context.Background(), IdTypeUser, "alice",
		AttributesFrom(map[string][]string{"mail": {"x"}}), false)
	assert.ErrorIs(t, err, ErrFatal)
}

func TestChangePassword(t *testing.T) {
	r, dir := newTestRepository(t, nil)
	expectUser(dir, "alice", aliceDN)
	dir.On("SimpleBind", mock.MatchedBy(func(req *ldap.SimpleBindRequest) bool {
		return req.Username == aliceDN && req.Password == "old"
	})).Return(&ldap.SimpleBindResult{}, nil)

	var req *ldap.ModifyRequest
	dir.On("Modify", modifyOf(aliceDN)).Run(func(args mock.Arguments) {
		req = args.Get(0).(*ldap.ModifyRequest)
	}).Return(nil)

	require.NoError(t, r.ChangePassword(context.Background(), IdTypeUser, "alice", "userPassword", "old", "new"))

	require.Len(t, req.Changes, 2)
	assert.Equal(t, uint(ldap.DeleteAttribute), req.Changes[0].Operation)
	assert.Equal(t, []string{"old"}, req.Changes[0].Modification.Vals)
	assert.Equal(t, uint(ldap.AddAttribute), req.Changes[1].Operation)
	assert.Equal(t, []string{"new"}, req.Changes[1].Modification.Vals)
	assert.Equal(t, 0, r.passwordChange.Stats().Total, "the user-bound connection is discarded")
}

func TestChangePasswordAlwaysResolves(t *testing.T) {
	r, dir := newTestRepository(t, nil)
	expectUser(dir, "alice", aliceDN)
	dir.On("SimpleBind", mock.Anything).Return(&ldap.SimpleBindResult{}, nil)
	dir.On("Modify", mock.Anything).Return(nil)

	_, err := r.IsExists(context.Background(), IdTypeUser, "alice")
	require.NoError(t, err)
	require.NoError(t, r.ChangePassword(context.Background(), IdTypeUser, "alice", "userPassword", "old", "new"))

	dir.AssertNumberOfCalls(t, "Search", 2)
}

func TestChangePasswordFailures(t *testing.T) {
	t.Run("identical passwords", func(t *testing.T) {
		r, dir := newTestRepository(t, nil)

		err := r.ChangePassword(context.Background(), IdTypeUser, "alice", "userPassword", "same", "same")
		assert.ErrorIs(t, err, ErrPasswordPolicyViolation)
		assertNoDirectoryCalls(t, dir)
	})

	t.Run("wrong current password", func(t *testing.T) {
		r, dir := newTestRepository(t, nil)
		expectUser(dir, "alice", aliceDN)
		dir.On("SimpleBind", mock.Anything).Return(nil, ldaptest.ResultError(ldap.LDAPResultInvalidCredentials, "invalid"))

		err := r.ChangePassword(context.Background(), IdTypeUser, "alice", "userPassword", "wrong", "new")
		assert.ErrorIs(t, err, ErrPasswordPolicyViolation)
		dir.AssertNumberOfCalls(t, "Modify", 0)
	})

	t.Run("rejected by policy", func(t *testing.T) {
		r, dir := newTestRepository(t, nil)
		expectUser(dir, "alice", aliceDN)
		dir.On("SimpleBind", mock.Anything).Return(&ldap.SimpleBindResult{}, nil)
		dir.On("Modify", mock.Anything).Return(ldaptest.ResultError(ldap.LDAPResultConstraintViolation, "password in history"))

		err := r.ChangePassword(context.Background(), IdTypeUser, "alice", "userPassword", "old", "new")
		assert.ErrorIs(t, err, ErrPasswordPolicyViolation)

		var repoErr *Error
		require.ErrorAs(t, err, &repoErr)
		assert.Equal(t, uint16(ldap.LDAPResultConstraintViolation), repoErr.ResultCode)
	})
}

func must[V any](v V, ok bool) V {
	if !ok {
		var zero V
		return zero
	}
	return v
}

const aliceMail = "alice@example.com"

// mailSearch keeps uid as the naming attribute but finds users by mail.
var mailSearch = map[string][]string{
	"sun-idrepo-ldapv3-config-users-search-attribute": {"mail"},
	"sun-idrepo-ldapv3-config-auth-naming-attr":       {"uid"},
}

func mailLookup(mail string) string {
	return "(&(objectclass=inetorgperson)(mail=" + mail + "))"
}

func mergeConfig(configs ...map[string][]string) map[string][]string {
	out := make(map[string][]string)
	for _, c := range configs {
		maps.Copy(out, c)
	}
	return out
}

func TestIdentifierAliases(t *testing.T) {
	tests := []struct {
		name         string
		overrides    map[string][]string
		identity     string
		lookup       string
		wantID       string
		wantUsername string
	}{
		{
			name:         "search and naming attributes differ",
			overrides:    mailSearch,
			identity:     aliceMail,
			lookup:       mailLookup(aliceMail),
			wantID:       aliceMail,
			wantUsername: "alice",
		},
		{
			name:         "shared attribute",
			identity:     "alice",
			lookup:       userLookup("alice"),
			wantID:       "alice",
			wantUsername: "alice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, dir := newTestRepository(t, tt.overrides)
			dir.On("Search", searchFilter(tt.lookup)).Return(ldaptest.Result(ldaptest.Entry(aliceDN, nil)), nil)
			dir.On("Search", baseRead(aliceDN)).Return(ldaptest.Result(ldaptest.Entry(aliceDN, map[string][]string{
				"uid":  {"alice"},
				"mail": {aliceMail},
			})), nil)

			requested, err := r.GetAttributes(context.Background(), IdTypeUser, tt.identity, []string{AliasID, AliasUsername})
			require.NoError(t, err)
			assert.Equal(t, []string{tt.wantID}, must(requested.Get(AliasID)))
			assert.Equal(t, []string{tt.wantUsername}, must(requested.Get(AliasUsername)))

			all, err := r.GetAttributes(context.Background(), IdTypeUser, tt.identity, nil)
			require.NoError(t, err)
			assert.Equal(t, []string{tt.wantID}, must(all.Get(AliasID)))
			assert.Equal(t, []string{tt.wantUsername}, must(all.Get(AliasUsername)))
		})
	}
}

func TestCreateReconcilesIdentifiers(t *testing.T) {
	tests := []struct {
		name       string
		overrides  map[string][]string
		identity   string
		attrs      map[string][]string
		opts       []CallOption
		wantErr    error
		wantDN     string
		namingAttr string
		wantID     []string
		wantNaming []string
	}{
		{
			name:       "differing attributes take _username as the naming value",
			overrides:  mailSearch,
			identity:   aliceMail,
			attrs:      map[string][]string{AliasID: {"x-1234"}, AliasUsername: {"alice"}},
			wantDN:     "mail=alice@example.com,ou=people,dc=example,dc=com",
			namingAttr: "uid",
			wantID:     []string{aliceMail},
			wantNaming: []string{"alice"},
		},
		{
			name:       "shared attribute with matching aliases",
			identity:   "alice",
			attrs:      map[string][]string{AliasID: {"alice"}, AliasUsername: {"alice"}},
			wantDN:     aliceDN,
			namingAttr: "uid",
			wantID:     []string{"alice"},
			wantNaming: []string{"alice"},
		},
		{
			name:     "shared attribute with conflicting aliases",
			identity: "alice",
			attrs:    map[string][]string{AliasID: {"alice"}, AliasUsername: {"bob"}},
			wantErr:  ErrIdentifierMismatch,
		},
		{
			name:       "generated id is not reconciled",
			identity:   "alice",
			attrs:      map[string][]string{AliasID: {"x-1234"}, AliasUsername: {"alice"}},
			opts:       []CallOption{IDWasGenerated()},
			wantDN:     aliceDN,
			namingAttr: "uid",
			wantID:     []string{"alice"},
			wantNaming: []string{"alice"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, dir := newTestRepository(t, tt.overrides)

			var added *ldap.AddRequest
			dir.On("Add", mock.Anything).Run(func(args mock.Arguments) {
				added = args.Get(0).(*ldap.AddRequest)
			}).Return(nil).Maybe()

			dn, err := r.Create(context.Background(), IdTypeUser, tt.identity, AttributesFrom(tt.attrs), tt.opts...)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assertNoDirectoryCalls(t, dir)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDN, dn)

			require.NotNil(t, added)
			searchAttr := r.cfg.typeConfig(IdTypeUser).searchAttr
			assert.Equal(t, tt.wantID, addValues(added, searchAttr))
			assert.Equal(t, tt.wantNaming, addValues(added, tt.namingAttr))
			assert.Nil(t, addValues(added, AliasID))
			assert.Nil(t, addValues(added, AliasUsername))

			cached, ok := r.cache.get(tt.identity, IdTypeUser)
			assert.True(t, ok)
			assert.Equal(t, tt.wantDN, cached)
		})
	}
}

func TestDeleteResolution(t *testing.T) {
	oneLevel := map[string][]string{"sun-idrepo-ldapv3-config-search-scope": {"SCOPE_ONE"}}

	tests := []struct {
		name         string
		overrides    map[string][]string
		identity     string
		lookup       string
		wantSearches int
	}{
		{
			name:      "one level with a shared attribute constructs the DN",
			overrides: oneLevel,
			identity:  "alice",
		},
		{
			name:         "one level with differing attributes searches",
			overrides:    mergeConfig(oneLevel, mailSearch),
			identity:     aliceMail,
			lookup:       mailLookup(aliceMail),
			wantSearches: 1,
		},
		{
			name:         "subtree searches",
			identity:     "alice",
			lookup:       userLookup("alice"),
			wantSearches: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, dir := newTestRepository(t, tt.overrides)
			if tt.lookup != "" {
				dir.On("Search", searchFilter(tt.lookup)).Return(ldaptest.Result(ldaptest.Entry(aliceDN, nil)), nil)
			}
			dir.On("Del", mock.MatchedBy(func(req *ldap.DelRequest) bool {
				return req.DN == aliceDN
			})).Return(nil).Once()

			require.NoError(t, r.Delete(context.Background(), IdTypeUser, tt.identity))

			dir.AssertNumberOfCalls(t, "Search", tt.wantSearches)
			dir.AssertNumberOfCalls(t, "Del", 1)
			_, ok := r.cache.get(tt.identity, IdTypeUser)
			assert.False(t, ok)
		})
	}
}
