// Package psearch shares persistent searches between repository instances.
//
// A Registry is created once per process and handed to every repository.
// Repositories whose search parameters have the same fingerprint share one
// directory-side search; the search stops when its last listener is removed.
package psearch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	ldapclient "github.com/isometry/ldap-idrepo/internal/ldap"
)

// FactoryFunc builds the connection factory of a subscription.
type FactoryFunc func(ctx context.Context, config *ldapclient.ConnectionConfig) (ldapclient.ConnectionFactory, error)

// Registry maps fingerprints to live persistent searches.
type Registry struct {
	mu   sync.Mutex
	subs map[string]*subscription

	logger     ldapclient.Logger
	newFactory FactoryFunc
	retryMin   time.Duration
	retryMax   time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger ldapclient.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithFactory replaces the connection factory constructor.
func WithFactory(fn FactoryFunc) Option {
	return func(r *Registry) {
		if fn != nil {
			r.newFactory = fn
		}
	}
}

// WithRestartBackoff sets the delay bounds between restarts of an interrupted search.
func WithRestartBackoff(initial, max time.Duration) Option {
	return func(r *Registry) {
		r.retryMin = initial
		r.retryMax = max
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		subs:       make(map[string]*subscription),
		logger:     ldapclient.NopLogger(),
		newFactory: ldapclient.NewConnectionFactory,
		retryMin:   time.Second,
		retryMax:   time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddListener registers l under id for the search described by params,
// starting the search if no other listener shares its fingerprint.
// It returns the fingerprint to pass to RemoveListener.
func (r *Registry) AddListener(ctx context.Context, params Params, id string, l Listener) (string, error) {
	if params.Connection == nil {
		return "", errors.New("persistent search connection configuration is required")
	}
	if l == nil {
		return "", errors.New("listener cannot be nil")
	}

	fingerprint := params.Fingerprint()

	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[fingerprint]; ok {
		sub.add(id, l)
		r.logger.Debug("Listener joined persistent search", map[string]any{
			"fingerprint": fingerprint,
			"listener":    id,
			"listeners":   sub.count(),
		})
		return fingerprint, nil
	}

	factory, err := r.newFactory(ctx, params.factoryConfig(r.logger.Named("pool")))
	if err != nil {
		return "", fmt.Errorf("failed to create persistent search connection: %w", err)
	}

	sub := &subscription{
		fingerprint: fingerprint,
		params:      params,
		factory:     factory,
		logger:      r.logger,
		retry:       r.restartBackOff,
		listeners:   map[string]Listener{id: l},
	}
	sub.start()
	r.subs[fingerprint] = sub

	r.logger.Info("Persistent search started", map[string]any{
		"fingerprint": fingerprint,
		"listener":    id,
	})
	return fingerprint, nil
}

// RemoveListener deregisters id. The search stops when no listeners remain.
// Unknown fingerprints and ids are logged and ignored.
func (r *Registry) RemoveListener(fingerprint, id string) error {
	r.mu.Lock()
	sub, ok := r.subs[fingerprint]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("No persistent search for listener", map[string]any{
			"fingerprint": fingerprint,
			"listener":    id,
		})
		return nil
	}

	remaining, found := sub.remove(id)
	if !found {
		r.logger.Debug("Listener not registered", map[string]any{
			"fingerprint": fingerprint,
			"listener":    id,
		})
	}
	if remaining > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.subs, fingerprint)
	r.mu.Unlock()

	r.logger.Info("Persistent search stopped", map[string]any{"fingerprint": fingerprint})
	return sub.stop()
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Listeners returns the number of listeners registered for fingerprint.
func (r *Registry) Listeners(fingerprint string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[fingerprint]; ok {
		return sub.count()
	}
	return 0
}

// Close stops every subscription.
func (r *Registry) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*subscription)
	r.mu.Unlock()

	var result *multierror.Error
	for _, sub := range subs {
		if err := sub.stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (r *Registry) restartBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryMin
	b.MaxInterval = r.retryMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
