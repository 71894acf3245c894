package ldap

import (
	"testing"
)

func TestConnectionConfig_GetAuthMethod(t *testing.T) {
	tests := []struct {
		name     string
		config   *ConnectionConfig
		expected AuthMethod
	}{
		{
			name: "simple bind with DN and password",
			config: &ConnectionConfig{
				BindDN:   "cn=Directory Manager",
				Password: "testpass",
			},
			expected: AuthMethodSimpleBind,
		},
		{
			name: "kerberos with realm and keytab",
			config: &ConnectionConfig{
				KerberosRealm:  "EXAMPLE.COM",
				KerberosKeytab: "/path/to/keytab",
			},
			expected: AuthMethodKerberos,
		},
		{
			name: "kerberos with realm and credential cache",
			config: &ConnectionConfig{
				KerberosRealm:  "EXAMPLE.COM",
				KerberosCCache: "/tmp/krb5cc_1000",
			},
			expected: AuthMethodKerberos,
		},
		{
			name: "kerberos with realm and bind DN (password auth)",
			config: &ConnectionConfig{
				BindDN:        "svc-idrepo",
				Password:      "testpass",
				KerberosRealm: "EXAMPLE.COM",
			},
			expected: AuthMethodKerberos, // Kerberos takes precedence
		},
		{
			name: "bind DN only is a simple bind",
			config: &ConnectionConfig{
				BindDN: "cn=Directory Manager",
			},
			expected: AuthMethodSimpleBind,
		},
		{
			name: "realm alone is anonymous",
			config: &ConnectionConfig{
				KerberosRealm: "EXAMPLE.COM",
			},
			expected: AuthMethodNone,
		},
		{
			name:     "empty config is anonymous",
			config:   &ConnectionConfig{},
			expected: AuthMethodNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.config.GetAuthMethod()
			if result != tt.expected {
				t.Errorf("GetAuthMethod() = %v, expected %v", result, tt.expected)
			}
		})
	}
}

func TestConnectionConfig_HasAuthentication(t *testing.T) {
	tests := []struct {
		name     string
		config   *ConnectionConfig
		expected bool
	}{
		{
			name: "service account",
			config: &ConnectionConfig{
				BindDN:   "cn=Directory Manager",
				Password: "testpass",
			},
			expected: true,
		},
		{
			name: "kerberos with keytab",
			config: &ConnectionConfig{
				KerberosRealm:  "EXAMPLE.COM",
				KerberosKeytab: "/path/to/keytab",
			},
			expected: true,
		},
		{
			name: "password without bind DN",
			config: &ConnectionConfig{
				Password: "testpass",
			},
			expected: false,
		},
		{
			name:     "bind-only factory",
			config:   &ConnectionConfig{Servers: []string{"ldap://ds1.example.com"}},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.config.HasAuthentication()
			if result != tt.expected {
				t.Errorf("HasAuthentication() = %v, expected %v", result, tt.expected)
			}
		})
	}
}

func TestAuthMethod_String(t *testing.T) {
	tests := []struct {
		method   AuthMethod
		expected string
	}{
		{AuthMethodNone, "none"},
		{AuthMethodSimpleBind, "simple"},
		{AuthMethodKerberos, "kerberos"},
		{AuthMethod(999), "unknown"}, // Invalid method
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := tt.method.String()
			if result != tt.expected {
				t.Errorf("String() = %v, expected %v", result, tt.expected)
			}
		})
	}
}
