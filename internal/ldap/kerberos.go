package ldap

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
)

// performKerberosAuth performs a GSSAPI bind on conn.
// Shared by the pooled and single-connection factories.
func performKerberosAuth(conn Conn, cfg *ConnectionConfig, serverInfo *ServerInfo, logger Logger) error {
	principal, realm, err := kerberosPrincipal(cfg)
	if err != nil {
		return fmt.Errorf("kerberos configuration error: %w", err)
	}

	gssapiClient, err := createGSSAPIClient(cfg, principal, realm, logger)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = gssapiClient.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(cfg, serverInfo)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	if err := conn.GSSAPIBind(gssapiClient, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}

	return nil
}

// kerberosPrincipal splits the bind identity into principal and realm.
// A realm embedded as user@REALM is used when KerberosRealm is empty.
func kerberosPrincipal(cfg *ConnectionConfig) (string, string, error) {
	if cfg == nil {
		return "", "", fmt.Errorf("configuration cannot be nil")
	}

	principal, realm := cfg.BindDN, cfg.KerberosRealm
	if at := strings.LastIndex(principal, "@"); at > 0 {
		if realm == "" {
			realm = principal[at+1:]
		}
		principal = principal[:at]
	}

	if realm == "" {
		return "", "", fmt.Errorf("kerberos realm is required")
	}

	hasCCache := (cfg.KerberosCCache != "" && fileExists(cfg.KerberosCCache)) || fileExists(getDefaultCCachePath())
	if principal == "" && !hasCCache {
		return "", "", fmt.Errorf("principal is required for Kerberos authentication without a credential cache")
	}

	return principal, realm, nil
}

// createGSSAPIClient creates a GSSAPI client.
// Priority order: credential cache, keytab, password.
func createGSSAPIClient(cfg *ConnectionConfig, principal, realm string, logger Logger) (ldap.GSSAPIClient, error) {
	krb5confPath := cfg.KerberosConfig
	if krb5confPath == "" {
		krb5confPath = "/etc/krb5.conf"
	}

	if !fileExists(krb5confPath) {
		return nil, fmt.Errorf("kerberos configuration file not found at %s", krb5confPath)
	}

	if cfg.KerberosCCache != "" && fileExists(cfg.KerberosCCache) {
		return gssapi.NewClientFromCCache(cfg.KerberosCCache, krb5confPath, krb5client.DisablePAFXFAST(true))
	}

	if defaultCCache := getDefaultCCachePath(); fileExists(defaultCCache) {
		logger.Debug("Using default credential cache", map[string]any{"ccache": defaultCCache})
		return gssapi.NewClientFromCCache(defaultCCache, krb5confPath, krb5client.DisablePAFXFAST(true))
	}

	if cfg.KerberosKeytab != "" && fileExists(cfg.KerberosKeytab) {
		return gssapi.NewClientWithKeytab(principal, realm, cfg.KerberosKeytab, krb5confPath, krb5client.DisablePAFXFAST(true))
	}

	if principal != "" {
		if defaultKeytab := getDefaultKeytabPath(); fileExists(defaultKeytab) {
			return gssapi.NewClientWithKeytab(principal, realm, defaultKeytab, krb5confPath, krb5client.DisablePAFXFAST(true))
		}
	}

	if principal != "" && cfg.Password != "" {
		return gssapi.NewClientWithPassword(principal, realm, cfg.Password, krb5confPath, krb5client.DisablePAFXFAST(true))
	}

	return nil, fmt.Errorf("no suitable credentials found for Kerberos authentication")
}

// buildServicePrincipal constructs the LDAP service principal name from server info.
// KerberosSPN overrides the automatic construction.
func buildServicePrincipal(cfg *ConnectionConfig, serverInfo *ServerInfo) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("configuration is required for service principal")
	}

	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}

	if serverInfo == nil || serverInfo.Host == "" {
		return "", fmt.Errorf("hostname is required for service principal")
	}

	return "ldap/" + serverInfo.Host, nil
}

// getDefaultCCachePath returns the default credential cache location.
func getDefaultCCachePath() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return strings.TrimPrefix(ccache, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

// getDefaultKeytabPath returns the default keytab location.
func getDefaultKeytabPath() string {
	if keytab := os.Getenv("KRB5_KTNAME"); keytab != "" {
		return strings.TrimPrefix(keytab, "FILE:")
	}
	return "/etc/krb5.keytab"
}

// fileExists checks if a file exists and is readable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	file.Close()
	return true
}
