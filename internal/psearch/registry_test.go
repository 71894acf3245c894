package psearch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	ldapclient "github.com/isometry/ldap-idrepo/internal/ldap"
	"github.com/isometry/ldap-idrepo/internal/ldap/ldaptest"
	"github.com/isometry/ldap-idrepo/internal/psearch"
)

const waitFor = time.Second

// harness serves persistent searches whose messages are fed by the test.
type harness struct {
	dialer  *ldaptest.Dialer
	streams chan chan ldaptest.Message
}

func newHarness() *harness {
	h := &harness{streams: make(chan chan ldaptest.Message, 16)}
	h.dialer = ldaptest.NewDialer(func(*ldapclient.ServerInfo) (ldapclient.Conn, error) {
		conn := ldaptest.NewMockConn()
		conn.On("SearchAsync", mock.Anything, mock.MatchedBy(func(req *ldap.SearchRequest) bool {
			return ldap.FindControl(req.Controls, ldapclient.ControlTypePersistentSearch) != nil
		}), mock.Anything).Return(func(ctx context.Context) ldap.Response {
			msgs := make(chan ldaptest.Message, 8)
			h.streams <- msgs
			return ldaptest.NewStreamResponse(ctx, msgs)
		})
		return conn, nil
	})
	return h
}

func (h *harness) params(filter string, servers ...string) psearch.Params {
	if len(servers) == 0 {
		servers = []string{"ldap://ds1.example.com"}
	}
	cfg := ldapclient.DefaultConfig()
	cfg.Servers = servers
	cfg.Mode = ldapclient.SecurityModeNone
	cfg.MinConnections = 1
	cfg.MaxRetries = 0
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond
	cfg.Dialer = h.dialer.Dial

	return psearch.Params{
		Connection:      cfg,
		BaseDN:          "dc=example,dc=com",
		Filter:          filter,
		Scope:           ldap.ScopeWholeSubtree,
		SearchAttribute: "uid",
	}
}

func (h *harness) nextStream(t *testing.T) chan ldaptest.Message {
	t.Helper()
	select {
	case s := <-h.streams:
		return s
	case <-time.After(waitFor):
		t.Fatal("persistent search was not started")
		return nil
	}
}

func (h *harness) assertNoNewStream(t *testing.T) {
	t.Helper()
	select {
	case <-h.streams:
		t.Fatal("unexpected additional persistent search")
	case <-time.After(50 * time.Millisecond):
	}
}

type recorder struct {
	events chan psearch.Event
	resets chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		events: make(chan psearch.Event, 16),
		resets: make(chan struct{}, 16),
	}
}

func (r *recorder) EntryChanged(e psearch.Event) { r.events <- e }
func (r *recorder) AllEntriesChanged()          { r.resets <- struct{}{} }

func (r *recorder) nextEvent(t *testing.T) psearch.Event {
	t.Helper()
	select {
	case e := <-r.events:
		return e
	case <-time.After(waitFor):
		t.Fatal("no event delivered")
		return psearch.Event{}
	}
}

func newRegistry(t *testing.T, opts ...psearch.Option) *psearch.Registry {
	t.Helper()
	opts = append([]psearch.Option{psearch.WithRestartBackoff(time.Millisecond, 5*time.Millisecond)}, opts...)
	r := psearch.NewRegistry(opts...)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestParamsFingerprint(t *testing.T) {
	h := newHarness()
	base := h.params("(objectClass=*)", "ldap://a.example.com", "ldap://b.example.com")

	reordered := h.params("(objectClass=*)", "ldap://b.example.com", "ldap://a.example.com")
	assert.Equal(t, base.Fingerprint(), reordered.Fingerprint(), "server order is irrelevant")

	upper := base
	upper.SearchAttribute = "UID"
	assert.Equal(t, base.Fingerprint(), upper.Fingerprint())

	defaulted := base
	defaulted.Filter = ""
	assert.Equal(t, base.Fingerprint(), defaulted.Fingerprint())

	tests := map[string]func(p *psearch.Params){
		"filter":           func(p *psearch.Params) { p.Filter = "(objectClass=person)" },
		"base":             func(p *psearch.Params) { p.BaseDN = "ou=people,dc=example,dc=com" },
		"scope":            func(p *psearch.Params) { p.Scope = ldap.ScopeSingleLevel },
		"search attribute": func(p *psearch.Params) { p.SearchAttribute = "cn" },
		"secure":           func(p *psearch.Params) { p.Connection.Mode = ldapclient.SecurityModeLDAPS },
		"servers":          func(p *psearch.Params) { p.Connection.Servers = []string{"ldap://c.example.com"} },
	}
	for name, modify := range tests {
		t.Run(name, func(t *testing.T) {
			p := h.params("(objectClass=*)", "ldap://a.example.com", "ldap://b.example.com")
			modify(&p)
			assert.NotEqual(t, base.Fingerprint(), p.Fingerprint())
		})
	}
}

func TestRegistrySharesSubscription(t *testing.T) {
	h := newHarness()
	r := newRegistry(t)
	ctx := context.Background()

	fp1, err := r.AddListener(ctx, h.params("(objectClass=*)"), "repo-a", newRecorder())
	require.NoError(t, err)
	fp2, err := r.AddListener(ctx, h.params("(objectClass=*)"), "repo-b", newRecorder())
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 2, r.Listeners(fp1))

	h.nextStream(t)
	h.assertNoNewStream(t)
	require.Len(t, h.dialer.Conns(), 1, "one connection serves both listeners")
	conn := h.dialer.Conns()[0].(*ldaptest.MockConn)

	require.NoError(t, r.RemoveListener(fp1, "repo-a"))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, r.Listeners(fp1))
	assert.False(t, conn.Closed(), "search keeps running for the remaining listener")

	require.NoError(t, r.RemoveListener(fp1, "repo-b"))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.Listeners(fp1))
	assert.True(t, conn.Closed(), "last listener stops the search")
}

func TestRegistrySeparatesFingerprints(t *testing.T) {
	h := newHarness()
	r := newRegistry(t)
	ctx := context.Background()

	fp1, err := r.AddListener(ctx, h.params("(objectClass=person)"), "repo-a", newRecorder())
	require.NoError(t, err)
	fp2, err := r.AddListener(ctx, h.params("(objectClass=groupOfUniqueNames)"), "repo-b", newRecorder())
	require.NoError(t, err)

	assert.NotEqual(t, fp1, fp2)
	assert.Equal(t, 2, r.Len())
	h.nextStream(t)
	h.nextStream(t)

	require.NoError(t, r.Close())
	assert.Equal(t, 0, r.Len())
	for _, c := range h.dialer.Conns() {
		assert.True(t, c.(*ldaptest.MockConn).Closed())
	}
}

func TestRegistryDispatchesChanges(t *testing.T) {
	h := newHarness()
	r := newRegistry(t)
	ctx := context.Background()

	a, b := newRecorder(), newRecorder()
	_, err := r.AddListener(ctx, h.params(""), "repo-a", a)
	require.NoError(t, err)
	_, err = r.AddListener(ctx, h.params(""), "repo-b", b)
	require.NoError(t, err)

	stream := h.nextStream(t)
	stream <- ldaptest.Message{
		Entry: ldaptest.Entry("uid=new,ou=people,dc=example,dc=com", map[string][]string{"uid": {"new"}}),
		Controls: []ldap.Control{&ldapclient.ControlEntryChangeNotification{
			ChangeType: ldapclient.ChangeTypeModDN,
			PreviousDN: "uid=old,ou=people,dc=example,dc=com",
		}},
	}

	for _, rec := range []*recorder{a, b} {
		event := rec.nextEvent(t)
		assert.Equal(t, "uid=new,ou=people,dc=example,dc=com", event.DN)
		assert.Equal(t, ldapclient.ChangeTypeModDN, event.ChangeType)
		assert.Equal(t, "uid=old,ou=people,dc=example,dc=com", event.PreviousDN)
		assert.Equal(t, "new", event.Entry.GetAttributeValue("uid"))
	}

	stream <- ldaptest.Message{Entry: ldaptest.Entry("uid=plain,ou=people,dc=example,dc=com", nil)}
	event := a.nextEvent(t)
	assert.Equal(t, ldapclient.ChangeTypeModify, event.ChangeType)
	assert.Empty(t, event.PreviousDN)
}

func TestRegistryRestartsAfterConnectionLoss(t *testing.T) {
	h := newHarness()
	r := newRegistry(t)

	rec := newRecorder()
	_, err := r.AddListener(context.Background(), h.params(""), "repo-a", rec)
	require.NoError(t, err)

	first := h.nextStream(t)
	first <- ldaptest.Message{Err: ldaptest.ResultError(ldap.ErrorNetwork, "connection reset")}

	select {
	case <-rec.resets:
	case <-time.After(waitFor):
		t.Fatal("listener was not told to discard cached state")
	}

	second := h.nextStream(t)
	second <- ldaptest.Message{Entry: ldaptest.Entry("uid=alice,ou=people,dc=example,dc=com", nil)}
	assert.Equal(t, "uid=alice,ou=people,dc=example,dc=com", rec.nextEvent(t).DN)

	conns := h.dialer.Conns()
	require.Len(t, conns, 2)
	assert.True(t, conns[0].(*ldaptest.MockConn).Closed(), "the failed connection is discarded")
}

func TestRegistryFactoryFailure(t *testing.T) {
	r := newRegistry(t, psearch.WithFactory(func(context.Context, *ldapclient.ConnectionConfig) (ldapclient.ConnectionFactory, error) {
		return nil, errors.New("no route to host")
	}))

	_, err := r.AddListener(context.Background(), newHarness().params(""), "repo-a", newRecorder())
	require.Error(t, err)
	assert.ErrorContains(t, err, "no route to host")
	assert.Equal(t, 0, r.Len())
}

func TestRegistryRejectsInvalidRegistration(t *testing.T) {
	r := newRegistry(t)

	_, err := r.AddListener(context.Background(), psearch.Params{}, "repo-a", newRecorder())
	assert.Error(t, err)

	_, err = r.AddListener(context.Background(), newHarness().params(""), "repo-a", nil)
	assert.Error(t, err)

	assert.NoError(t, r.RemoveListener("unknown", "repo-a"))
}
