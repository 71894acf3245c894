package idrepo

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	ldapclient "github.com/isometry/ldap-idrepo/internal/ldap"
	"github.com/isometry/ldap-idrepo/internal/psearch"
)

// Repository maps identity operations onto one directory.
type Repository struct {
	id     string
	cfg    *Config
	logger ldapclient.Logger
	helper DirectoryHelper

	general        *ldapclient.Client
	bindOnly       ldapclient.ConnectionFactory
	passwordChange ldapclient.ConnectionFactory

	cache      *dnCache
	schemaCell schemaCell

	registry   *psearch.Registry
	dialer     ldapclient.DialFunc
	rootLogger ldapclient.Logger

	listenerMu  sync.Mutex
	listener    Listener
	fingerprint string

	servicesMu sync.RWMutex
	services   map[string]map[string][]string
}

type options struct {
	registry *psearch.Registry
	logger   ldapclient.Logger
	dialer   ldapclient.DialFunc
	helper   DirectoryHelper
}

// Option configures New.
type Option func(*options)

// WithRegistry shares persistent searches through registry. Without a
// registry AddListener only records the listener.
func WithRegistry(registry *psearch.Registry) Option {
	return func(o *options) { o.registry = registry }
}

// WithLogger sets the repository logger.
func WithLogger(logger ldapclient.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDialer replaces the transport dialer of every connection factory.
func WithDialer(dialer ldapclient.DialFunc) Option {
	return func(o *options) { o.dialer = dialer }
}

// WithDirectoryHelper overrides the helper selected by the directory type.
func WithDirectoryHelper(helper DirectoryHelper) Option {
	return func(o *options) { o.helper = helper }
}

// New decodes raw, opens the connection factories and returns a ready repository.
func New(ctx context.Context, raw map[string][]string, opts ...Option) (*Repository, error) {
	o := options{logger: ldapclient.NopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = ldapclient.NopLogger()
	}

	cfg, err := LoadConfig(raw)
	if err != nil {
		return nil, wrapError(KindInitialization, "initialize", 0, "", err)
	}

	r := &Repository{
		id:         uuid.NewString(),
		cfg:        cfg,
		logger:     o.logger.Named("idrepo"),
		helper:     o.helper,
		cache:      newDNCache(cfg),
		registry:   o.registry,
		dialer:     o.dialer,
		rootLogger: o.logger,
		services:   make(map[string]map[string][]string),
	}
	if r.helper == nil {
		r.helper = NewDirectoryHelper(cfg.DirectoryType)
	}

	general := cfg.generalConnection()
	general.Dialer = o.dialer
	general.Logger = o.logger.Named("pool")
	if r.general, err = ldapclient.Dial(ctx, general); err != nil {
		return nil, wrapError(KindInitialization, "initialize", 0, "", err)
	}

	anonymous := cfg.anonymousConnection()
	anonymous.Dialer = o.dialer
	anonymous.Logger = o.logger.Named("pool")
	if r.bindOnly, err = ldapclient.NewConnectionFactory(ctx, anonymous); err != nil {
		_ = r.general.Close()
		return nil, wrapError(KindInitialization, "initialize", 0, "", err)
	}
	if r.passwordChange, err = ldapclient.NewConnectionFactory(ctx, anonymous.Clone()); err != nil {
		_ = r.general.Close()
		_ = r.bindOnly.Close()
		return nil, wrapError(KindInitialization, "initialize", 0, "", err)
	}

	r.logger.Info("Repository initialized", map[string]any{
		"id":             r.id,
		"servers":        cfg.Servers,
		"directory_type": r.helper.Name(),
		"dn_cache":       cfg.DNCacheEnabled,
	})
	return r, nil
}

// ID returns the instance identifier used for listener registration.
func (r *Repository) ID() string {
	return r.id
}

// Config returns the decoded configuration.
func (r *Repository) Config() *Config {
	return r.cfg
}

// Shutdown removes the registered listener and closes every connection factory.
func (r *Repository) Shutdown() error {
	var result *multierror.Error

	if err := r.RemoveListener(); err != nil {
		result = multierror.Append(result, err)
	}
	for _, closer := range []interface{ Close() error }{r.general, r.bindOnly, r.passwordChange} {
		if err := closer.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	r.cache.purge()

	r.logger.Info("Repository shut down", map[string]any{"id": r.id})
	return result.ErrorOrNil()
}

// Stats reports the connection factory statistics keyed by factory name.
func (r *Repository) Stats() map[string]ldapclient.PoolStats {
	return map[string]ldapclient.PoolStats{
		"general":         r.general.Stats(),
		"bind_only":       r.bindOnly.Stats(),
		"password_change": r.passwordChange.Stats(),
	}
}

// SupportedTypes lists the identity types served by the repository.
func (r *Repository) SupportedTypes() []IdType {
	return []IdType{IdTypeUser, IdTypeGroup, IdTypeRole, IdTypeFilteredRole, IdTypeRealm}
}

// SupportedOperations lists the operations available for t.
func (r *Repository) SupportedOperations(t IdType) []Operation {
	switch t {
	case IdTypeUser:
		return []Operation{OperationRead, OperationCreate, OperationEdit, OperationDelete, OperationService}
	case IdTypeGroup, IdTypeRole, IdTypeFilteredRole:
		return []Operation{OperationRead, OperationCreate, OperationEdit, OperationDelete}
	case IdTypeRealm:
		return []Operation{OperationRead, OperationEdit, OperationService}
	default:
		return nil
	}
}

func (r *Repository) supports(t IdType, op Operation) bool {
	for _, o := range r.SupportedOperations(t) {
		if o == op {
			return true
		}
	}
	return false
}

// requireDirectoryType rejects types without directory entries.
func (r *Repository) requireDirectoryType(op string, t IdType) error {
	if r.cfg.typeConfig(t) == nil {
		return newError(KindUnsupportedOperation, op, t, "", "operation not supported for type")
	}
	return nil
}
