package idrepo

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"

	ldapclient "github.com/isometry/ldap-idrepo/internal/ldap"
)

// Directory types selecting the DirectoryHelper.
const (
	DirectoryGeneric = "generic"
	DirectoryAD      = "AD"
	DirectoryADAM    = "ADAM"
)

// Config is the decoded repository configuration. It is immutable after LoadConfig.
type Config struct {
	// Connection
	Servers           []string `mapstructure:"sun-idrepo-ldapv3-config-ldap-server"`
	BindDN            string   `mapstructure:"sun-idrepo-ldapv3-config-authid"`
	BindPassword      string   `mapstructure:"sun-idrepo-ldapv3-config-authpw"`
	ConnectionMode    string   `mapstructure:"sun-idrepo-ldapv3-config-connection-mode" default:"LDAP"`
	PoolMin           int      `mapstructure:"sun-idrepo-ldapv3-config-connection_pool_min_size" default:"1"`
	PoolMax           int      `mapstructure:"sun-idrepo-ldapv3-config-connection_pool_max_size" default:"10"`
	ConnectionTimeout int      `mapstructure:"openam-idrepo-ldapv3-connection-timeout" default:"10"`
	HeartbeatInterval int      `mapstructure:"openam-idrepo-ldapv3-heartbeat-interval" default:"10"`
	HeartbeatUnit     string   `mapstructure:"openam-idrepo-ldapv3-heartbeat-timeunit" default:"SECONDS"`
	HeartbeatBase     string   `mapstructure:"openam-idrepo-ldapv3-heartbeat-search-base"`
	HeartbeatFilter   string   `mapstructure:"openam-idrepo-ldapv3-heartbeat-search-filter" default:"(objectClass=*)"`
	Affinity          bool     `mapstructure:"openam-idrepo-ldapv3-affinity-enabled"`
	KerberosRealm     string   `mapstructure:"openam-idrepo-ldapv3-kerberos-realm"`
	KerberosKeytab    string   `mapstructure:"openam-idrepo-ldapv3-kerberos-keytab"`
	KerberosConfig    string   `mapstructure:"openam-idrepo-ldapv3-kerberos-config"`
	DirectoryType     string   `mapstructure:"openam-idrepo-ldapv3-directory-type" default:"generic"`

	// Search
	OrganizationDN string `mapstructure:"sun-idrepo-ldapv3-config-organization_name"`
	SearchScope    string `mapstructure:"sun-idrepo-ldapv3-config-search-scope" default:"SCOPE_SUB"`
	MaxResults     int    `mapstructure:"sun-idrepo-ldapv3-config-max-result" default:"1000"`
	TimeLimit      int    `mapstructure:"sun-idrepo-ldapv3-config-time-limit" default:"10"`

	// Users
	UserSearchAttr       string   `mapstructure:"sun-idrepo-ldapv3-config-users-search-attribute" default:"uid"`
	UserNamingAttr       string   `mapstructure:"sun-idrepo-ldapv3-config-auth-naming-attr" default:"uid"`
	UserFilter           string   `mapstructure:"sun-idrepo-ldapv3-config-users-search-filter" default:"(objectclass=inetorgperson)"`
	UserObjectClasses    []string `mapstructure:"sun-idrepo-ldapv3-config-user-objectclass" default:"[\"top\",\"person\",\"organizationalPerson\",\"inetOrgPerson\",\"inetUser\"]"`
	UserAttributes       []string `mapstructure:"sun-idrepo-ldapv3-config-user-attributes"`
	PeopleContainerName  string   `mapstructure:"sun-idrepo-ldapv3-config-people-container-name" default:"ou"`
	PeopleContainerValue string   `mapstructure:"sun-idrepo-ldapv3-config-people-container-value" default:"people"`
	CreateUserMapping    []string `mapstructure:"sun-idrepo-ldapv3-config-createuser-attr-mapping" default:"[\"cn\",\"sn\"]"`
	StatusAttr           string   `mapstructure:"sun-idrepo-ldapv3-config-isactive" default:"inetuserstatus"`
	StatusActive         string   `mapstructure:"sun-idrepo-ldapv3-config-active" default:"Active"`
	StatusInactive       string   `mapstructure:"sun-idrepo-ldapv3-config-inactive" default:"Inactive"`
	EtagAttr             string   `mapstructure:"openam-idrepo-ldapv3-etag-attribute"`

	// Groups
	GroupSearchAttr     string   `mapstructure:"sun-idrepo-ldapv3-config-groups-search-attribute" default:"cn"`
	GroupNamingAttr     string   `mapstructure:"sun-idrepo-ldapv3-config-groups-naming-attribute" default:"cn"`
	GroupFilter         string   `mapstructure:"sun-idrepo-ldapv3-config-groups-search-filter" default:"(objectclass=groupOfUniqueNames)"`
	GroupObjectClasses  []string `mapstructure:"sun-idrepo-ldapv3-config-group-objectclass" default:"[\"top\",\"groupOfUniqueNames\"]"`
	GroupAttributes     []string `mapstructure:"sun-idrepo-ldapv3-config-group-attributes"`
	GroupContainerName  string   `mapstructure:"sun-idrepo-ldapv3-config-group-container-name" default:"ou"`
	GroupContainerValue string   `mapstructure:"sun-idrepo-ldapv3-config-group-container-value" default:"groups"`
	UniqueMemberAttr    string   `mapstructure:"sun-idrepo-ldapv3-config-uniquemember" default:"uniqueMember"`
	MemberOfAttr        string   `mapstructure:"sun-idrepo-ldapv3-config-memberof"`
	MemberURLAttr       string   `mapstructure:"sun-idrepo-ldapv3-config-memberurl" default:"memberUrl"`
	DefaultGroupMember  string   `mapstructure:"sun-idrepo-ldapv3-config-dftgroupmember"`
	ADRecursiveGroups   bool     `mapstructure:"openam-idrepo-ldapv3-ad-recursive-group-membership-enabled"`

	// Roles
	RoleSearchAttr            string   `mapstructure:"sun-idrepo-ldapv3-config-roles-search-attribute" default:"cn"`
	RoleNamingAttr            string   `mapstructure:"sun-idrepo-ldapv3-config-roles-naming-attribute" default:"cn"`
	RoleFilter                string   `mapstructure:"sun-idrepo-ldapv3-config-roles-search-filter" default:"(&(objectclass=ldapsubentry)(objectclass=nsmanagedroledefinition))"`
	RoleObjectClasses         []string `mapstructure:"sun-idrepo-ldapv3-config-role-objectclass" default:"[\"top\",\"ldapSubEntry\",\"nsRoleDefinition\",\"nsSimpleRoleDefinition\",\"nsManagedRoleDefinition\"]"`
	RoleAttributes            []string `mapstructure:"sun-idrepo-ldapv3-config-role-attributes"`
	FilteredRoleSearchAttr    string   `mapstructure:"sun-idrepo-ldapv3-config-filterroles-search-attribute" default:"cn"`
	FilteredRoleNamingAttr    string   `mapstructure:"sun-idrepo-ldapv3-config-filterroles-naming-attribute" default:"cn"`
	FilteredRoleFilter        string   `mapstructure:"sun-idrepo-ldapv3-config-filterroles-search-filter" default:"(&(objectclass=ldapsubentry)(objectclass=nsfilteredroledefinition))"`
	FilteredRoleObjectClasses []string `mapstructure:"sun-idrepo-ldapv3-config-filterrole-objectclass" default:"[\"top\",\"ldapSubEntry\",\"nsRoleDefinition\",\"nsComplexRoleDefinition\",\"nsFilteredRoleDefinition\"]"`
	FilteredRoleAttributes    []string `mapstructure:"sun-idrepo-ldapv3-config-filterrole-attributes"`
	RoleDNAttr                string   `mapstructure:"sun-idrepo-ldapv3-config-nsroledn" default:"nsRoleDN"`
	RoleAttr                  string   `mapstructure:"sun-idrepo-ldapv3-config-nsrole" default:"nsRole"`
	RoleFilterAttr            string   `mapstructure:"sun-idrepo-ldapv3-config-nsrolefilter" default:"nsRoleFilter"`

	// Features
	Behera              bool `mapstructure:"openam-idrepo-ldapv3-behera-support-enabled"`
	ProxiedAuth         bool `mapstructure:"openam-idrepo-ldapv3-proxied-auth-enabled"`
	ProxiedAuthFallback bool `mapstructure:"openam-idrepo-ldapv3-proxied-auth-denied-fallback"`
	DNCacheEnabled      bool `mapstructure:"sun-idrepo-ldapv3-dncache-enabled" default:"true"`
	DNCacheSize         int  `mapstructure:"sun-idrepo-ldapv3-dncache-size" default:"1500"`
	DNCacheTTL          int  `mapstructure:"openam-idrepo-ldapv3-dncache-ttl"`

	// Persistent search
	PSearchBase   string `mapstructure:"sun-idrepo-ldapv3-config-psearchbase"`
	PSearchFilter string `mapstructure:"sun-idrepo-ldapv3-config-psearch-filter" default:"(objectClass=*)"`
	PSearchScope  string `mapstructure:"sun-idrepo-ldapv3-config-psearch-scope" default:"SCOPE_SUB"`

	mode         ldapclient.SecurityMode
	scope        int
	psearchScope int
	heartbeat    time.Duration
	types        map[IdType]*typeConfig
}

// typeConfig holds the settings of one identity type.
type typeConfig struct {
	searchAttr    string
	namingAttr    string
	filter        string
	objectClasses []string
	allowed       *CISet // empty allows every attribute
	base          string
}

// LoadConfig decodes and validates a raw configuration multimap.
func LoadConfig(raw map[string][]string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set default values: %w", err)
	}

	input := make(map[string]any, len(raw))
	for k, v := range raw {
		if len(v) > 0 {
			input[k] = v
		}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       firstValueHook,
		WeaklyTypedInput: true,
		ZeroFields:       true,
		Result:           cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(input); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.buildTypes()
	return cfg, nil
}

// firstValueHook narrows a multi-valued setting to its first value when the
// target field is a scalar.
func firstValueHook(from, to reflect.Type, data any) (any, error) {
	values, ok := data.([]string)
	if !ok || to.Kind() == reflect.Slice {
		return data, nil
	}
	if len(values) == 0 {
		return "", nil
	}
	return strings.TrimSpace(values[0]), nil
}

func (c *Config) validate() error {
	var result *multierror.Error

	if len(c.Servers) == 0 {
		result = multierror.Append(result, errors.New("at least one directory server is required"))
	}
	if c.OrganizationDN == "" {
		result = multierror.Append(result, errors.New("organization DN is required"))
	} else if _, err := ldap.ParseDN(c.OrganizationDN); err != nil {
		result = multierror.Append(result, fmt.Errorf("invalid organization DN %q: %w", c.OrganizationDN, err))
	}

	mode, err := ldapclient.ParseSecurityMode(c.ConnectionMode)
	if err != nil {
		result = multierror.Append(result, err)
	}
	c.mode = mode

	if _, err := ldapclient.ParseServers(c.Servers, mode); err != nil {
		result = multierror.Append(result, err)
	}

	if c.PoolMax <= 0 {
		result = multierror.Append(result, fmt.Errorf("connection pool max size must be positive, got %d", c.PoolMax))
	}
	if c.PoolMin < 0 || c.PoolMin > c.PoolMax {
		result = multierror.Append(result, fmt.Errorf("connection pool min size %d must be between 0 and %d", c.PoolMin, c.PoolMax))
	}
	if c.ConnectionTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("connection timeout must be positive, got %d", c.ConnectionTimeout))
	}

	if c.scope, err = parseScope(c.SearchScope); err != nil {
		result = multierror.Append(result, err)
	}
	if c.psearchScope, err = parseScope(c.PSearchScope); err != nil {
		result = multierror.Append(result, err)
	}

	unit, err := parseTimeUnit(c.HeartbeatUnit)
	if err != nil {
		result = multierror.Append(result, err)
	}
	if c.HeartbeatInterval < 0 {
		result = multierror.Append(result, fmt.Errorf("heartbeat interval cannot be negative"))
	}
	c.heartbeat = time.Duration(c.HeartbeatInterval) * unit

	switch {
	case strings.EqualFold(c.DirectoryType, DirectoryGeneric):
		c.DirectoryType = DirectoryGeneric
	case strings.EqualFold(c.DirectoryType, DirectoryAD):
		c.DirectoryType = DirectoryAD
	case strings.EqualFold(c.DirectoryType, DirectoryADAM):
		c.DirectoryType = DirectoryADAM
	default:
		result = multierror.Append(result, fmt.Errorf("unsupported directory type %q", c.DirectoryType))
	}

	if c.DNCacheEnabled && c.DNCacheSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("DN cache size must be positive, got %d", c.DNCacheSize))
	}
	if c.DNCacheTTL < 0 {
		result = multierror.Append(result, fmt.Errorf("DN cache TTL cannot be negative"))
	}
	if c.ProxiedAuthFallback && !c.ProxiedAuth {
		c.ProxiedAuthFallback = false
	}

	for _, f := range []string{c.UserFilter, c.GroupFilter, c.RoleFilter, c.FilteredRoleFilter, c.PSearchFilter, c.HeartbeatFilter} {
		if f == "" {
			continue
		}
		if _, err := ldap.CompileFilter(f); err != nil {
			result = multierror.Append(result, fmt.Errorf("invalid search filter %q: %w", f, err))
		}
	}

	return result.ErrorOrNil()
}

func (c *Config) buildTypes() {
	container := func(name, value string) string {
		if name == "" || value == "" {
			return c.OrganizationDN
		}
		return ldapclient.BuildDN(name, value, c.OrganizationDN)
	}

	c.types = map[IdType]*typeConfig{
		IdTypeUser: {
			searchAttr:    c.UserSearchAttr,
			namingAttr:    c.UserNamingAttr,
			filter:        c.UserFilter,
			objectClasses: c.UserObjectClasses,
			allowed:       NewCISet(c.UserAttributes...),
			base:          container(c.PeopleContainerName, c.PeopleContainerValue),
		},
		IdTypeGroup: {
			searchAttr:    c.GroupSearchAttr,
			namingAttr:    c.GroupNamingAttr,
			filter:        c.GroupFilter,
			objectClasses: c.GroupObjectClasses,
			allowed:       NewCISet(c.GroupAttributes...),
			base:          container(c.GroupContainerName, c.GroupContainerValue),
		},
		IdTypeRole: {
			searchAttr:    c.RoleSearchAttr,
			namingAttr:    c.RoleNamingAttr,
			filter:        c.RoleFilter,
			objectClasses: c.RoleObjectClasses,
			allowed:       NewCISet(c.RoleAttributes...),
			base:          c.OrganizationDN,
		},
		IdTypeFilteredRole: {
			searchAttr:    c.FilteredRoleSearchAttr,
			namingAttr:    c.FilteredRoleNamingAttr,
			filter:        c.FilteredRoleFilter,
			objectClasses: c.FilteredRoleObjectClasses,
			allowed:       NewCISet(c.FilteredRoleAttributes...),
			base:          c.OrganizationDN,
		},
	}
}

// typeConfig returns the settings of t, or nil for types without directory entries.
func (c *Config) typeConfig(t IdType) *typeConfig {
	return c.types[t]
}

// connectionConfig builds the template shared by the repository factories.
func (c *Config) connectionConfig() *ldapclient.ConnectionConfig {
	conn := ldapclient.DefaultConfig()
	conn.Servers = append([]string(nil), c.Servers...)
	conn.Mode = c.mode
	conn.Timeout = time.Duration(c.ConnectionTimeout) * time.Second
	conn.MinConnections = c.PoolMin
	conn.MaxConnections = c.PoolMax
	return conn
}

// generalConnection is the service-account factory configuration.
func (c *Config) generalConnection() *ldapclient.ConnectionConfig {
	conn := c.connectionConfig()
	conn.BindDN = c.BindDN
	conn.Password = c.BindPassword
	conn.KerberosRealm = c.KerberosRealm
	conn.KerberosKeytab = c.KerberosKeytab
	conn.KerberosConfig = c.KerberosConfig
	conn.Heartbeat = c.heartbeat
	conn.HeartbeatBaseDN = c.HeartbeatBase
	conn.HeartbeatFilter = c.HeartbeatFilter
	conn.Affinity = c.Affinity
	return conn
}

// anonymousConnection is the configuration of the bind-only and password change factories.
func (c *Config) anonymousConnection() *ldapclient.ConnectionConfig {
	conn := c.connectionConfig()
	conn.MinConnections = min(c.PoolMin, 1)
	return conn
}

func (c *Config) searchTimeLimit() time.Duration {
	return time.Duration(c.TimeLimit) * time.Second
}

func (c *Config) dnCacheTTL() time.Duration {
	return time.Duration(c.DNCacheTTL) * time.Second
}

func parseScope(s string) (int, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SCOPE_BASE", "BASE", "OBJECT":
		return ldap.ScopeBaseObject, nil
	case "SCOPE_ONE", "ONE", "ONELEVEL":
		return ldap.ScopeSingleLevel, nil
	case "", "SCOPE_SUB", "SUB", "SUBTREE":
		return ldap.ScopeWholeSubtree, nil
	default:
		return 0, fmt.Errorf("unsupported search scope %q", s)
	}
}

func parseTimeUnit(s string) (time.Duration, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MILLISECONDS":
		return time.Millisecond, nil
	case "", "SECONDS":
		return time.Second, nil
	case "MINUTES":
		return time.Minute, nil
	case "HOURS":
		return time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported heartbeat time unit %q", s)
	}
}
