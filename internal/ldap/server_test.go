package ldap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServer(t *testing.T) {
	tests := []struct {
		name    string
		entry   string
		mode    SecurityMode
		want    *ServerInfo
		wantErr bool
	}{
		{
			name:  "ldaps url with default port",
			entry: "ldaps://ds1.example.com",
			mode:  SecurityModeNone,
			want:  &ServerInfo{Host: "ds1.example.com", Port: 636, UseTLS: true, Source: "config"},
		},
		{
			name:  "ldap url with port and DN",
			entry: "ldap://ds1.example.com:1389/dc=example,dc=com",
			mode:  SecurityModeLDAPS,
			want:  &ServerInfo{Host: "ds1.example.com", Port: 1389, Source: "config"},
		},
		{
			name:  "bare host follows LDAPS mode",
			entry: "ds1.example.com",
			mode:  SecurityModeLDAPS,
			want:  &ServerInfo{Host: "ds1.example.com", Port: 636, UseTLS: true, Source: "config"},
		},
		{
			name:  "bare host with StartTLS uses the plain port",
			entry: "ds1.example.com",
			mode:  SecurityModeStartTLS,
			want:  &ServerInfo{Host: "ds1.example.com", Port: 389, Source: "config"},
		},
		{
			name:  "server and site identifiers",
			entry: "ds2.example.com:389|02|london",
			mode:  SecurityModeNone,
			want:  &ServerInfo{Host: "ds2.example.com", Port: 389, ServerID: "02", SiteID: "london", Source: "config"},
		},
		{
			name:  "ipv6 literal",
			entry: "ldap://[::1]:389",
			mode:  SecurityModeNone,
			want:  &ServerInfo{Host: "::1", Port: 389, Source: "config"},
		},
		{name: "empty", entry: "  ", wantErr: true},
		{name: "unsupported scheme", entry: "http://ds1.example.com", wantErr: true},
		{name: "bad port", entry: "ds1.example.com:abc", wantErr: true},
		{name: "port out of range", entry: "ds1.example.com:70000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseServer(tt.entry, tt.mode, 0)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseServers(t *testing.T) {
	servers, err := ParseServers([]string{"ldap://a.example.com", "b.example.com:1636"}, SecurityModeLDAPS)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, 0, servers[0].Priority)
	assert.Equal(t, 1, servers[1].Priority)
	assert.Equal(t, "ldap://a.example.com:389", ServerInfoToURL(servers[0]))
	assert.Equal(t, "ldaps://b.example.com:1636", ServerInfoToURL(servers[1]))

	_, err = ParseServers(nil, SecurityModeNone)
	assert.Error(t, err)

	_, err = ParseServers([]string{"a.example.com", ""}, SecurityModeNone)
	assert.ErrorContains(t, err, "invalid LDAP server")
}

func TestParseSecurityMode(t *testing.T) {
	for input, want := range map[string]SecurityMode{
		"none":     SecurityModeNone,
		"LDAPS":    SecurityModeLDAPS,
		"startTLS": SecurityModeStartTLS,
	} {
		got, err := ParseSecurityMode(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParseSecurityMode("ssl3")
	assert.Error(t, err)
}
