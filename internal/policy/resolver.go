package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	id "carebridge/pkg/domain"
	dErrors "carebridge/pkg/domain-errors"
)

// Store supplies raw policy layers. Pure I/O; merging happens in the Resolver.
type Store interface {
	GetOrgLayer(ctx context.Context, orgID id.OrgID) (*Layer, error)
	GetStateLayer(ctx context.Context, state id.StateCode) (*Layer, error)
	GetPayerLayer(ctx context.Context, payerID id.PayerID) (*Layer, error)
}

// Cache is an optional read-through cache for resolved bundles. The redis
// implementation lives in the cache subpackage; nil disables caching.
type Cache interface {
	Get(ctx context.Context, key string) (*Bundle, bool)
	Set(ctx context.Context, key string, b *Bundle, ttl time.Duration)
}

// Defaults seed the bundle before any layer applies. They come from server
// config so regulators' numbers are tunable without a deploy.
type Defaults struct {
	GeofenceRadiusMeters  float64
	GPSAccuracyThresholdM float64
}

// Resolver merges org, state, and payer policy layers into a Bundle.
type Resolver struct {
	store    Store
	cache    Cache
	defaults Defaults
	ttl      time.Duration
	logger   *slog.Logger
}

// Option configures the Resolver.
type Option func(*Resolver)

func WithCache(c Cache, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = c
		r.ttl = ttl
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

func New(store Store, defaults Defaults, opts ...Option) (*Resolver, error) {
	if store == nil {
		return nil, fmt.Errorf("policy store is required")
	}
	r := &Resolver{
		store:    store,
		defaults: defaults,
		ttl:      5 * time.Minute,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve returns the merged bundle for a visit's org/state/payer triple.
// PayerID may be nil (self-pay visits have no MCO layer).
func (r *Resolver) Resolve(ctx context.Context, orgID id.OrgID, state id.StateCode, payerID id.PayerID) (*Bundle, error) {
	if orgID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "org id is required")
	}
	if !state.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "valid state code is required")
	}

	key := cacheKey(orgID, state, payerID)
	if r.cache != nil {
		if b, ok := r.cache.Get(ctx, key); ok {
			return b, nil
		}
	}

	bundle := &Bundle{
		OrgID:                 orgID,
		StateCode:             state,
		PayerID:               payerID,
		GeofenceRadiusMeters:  r.defaults.GeofenceRadiusMeters,
		GPSAccuracyThresholdM: r.defaults.GPSAccuracyThresholdM,
	}

	orgLayer, err := r.store.GetOrgLayer(ctx, orgID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load org policy layer")
	}
	bundle.apply(orgLayer)

	stateLayer, err := r.store.GetStateLayer(ctx, state)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load state policy layer")
	}
	bundle.apply(stateLayer)

	if !payerID.IsNil() {
		payerLayer, err := r.store.GetPayerLayer(ctx, payerID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load payer policy layer")
		}
		bundle.apply(payerLayer)
	}

	if r.cache != nil {
		r.cache.Set(ctx, key, bundle, r.ttl)
	}
	return bundle, nil
}

func cacheKey(orgID id.OrgID, state id.StateCode, payerID id.PayerID) string {
	return fmt.Sprintf("policy:%s:%s:%s", orgID, state, payerID)
}
