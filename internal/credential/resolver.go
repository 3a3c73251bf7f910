// Package credential resolves an opaque API key to the tier it grants
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/perti/swim/internal/metrics"
	"github.com/perti/swim/internal/tier"
	"github.com/perti/swim/internal/ttlcache"
	log "github.com/sirupsen/logrus"
)

// ErrAuthFailed is returned when a credential does not grant access
var ErrAuthFailed = errors.New("authentication failed")

// ErrNoCredential is returned when an empty credential is presented
var ErrNoCredential = errors.New("no credential")

// Resolver resolves credentials via a short-lived cache in front of a Store
type Resolver struct {
	store Store

	cache *ttlcache.Store[tier.Tier]

	// debugTier, if set, is granted to any non-empty credential when
	// no store is configured or the store cannot be reached
	debugTier tier.Tier

	// timeout bounds each store query
	timeout time.Duration

	Now func() time.Time
}

// NewResolver returns a resolver backed by store, which may be nil.
// Close the resolver to stop its cache cleaning routine.
func NewResolver(store Store, cacheTTL time.Duration) *Resolver {
	return &Resolver{
		store:   store,
		cache:   ttlcache.New[tier.Tier](cacheTTL),
		timeout: 5 * time.Second,
		Now:     time.Now,
	}
}

// WithDebugTier enables the debug fallback. The public tier is
// refused since it would grant nothing over an anonymous connection.
func (r *Resolver) WithDebugTier(t tier.Tier) (*Resolver, error) {
	if !t.Valid() || t == tier.Public {
		return r, fmt.Errorf("debug tier must be a non-public tier, not %q", t)
	}
	r.debugTier = t
	return r, nil
}

// WithTimeout sets the bound on each store query
func (r *Resolver) WithTimeout(timeout time.Duration) *Resolver {
	r.timeout = timeout
	return r
}

// WithNow sets the clock used for expiry checks (required for testing)
func (r *Resolver) WithNow(now func() time.Time) *Resolver {
	r.Now = now
	r.cache.WithNow(now)
	return r
}

// Close stops the cache cleaning routine
func (r *Resolver) Close() {
	r.cache.Close()
}

// HasStore reports whether a credential store is configured
func (r *Resolver) HasStore() bool {
	return r.store != nil
}

// DebugTier returns the debug tier, or the empty tier if disabled
func (r *Resolver) DebugTier() tier.Tier {
	return r.debugTier
}

// Resolve returns the tier for a credential. Inactive, expired and
// unknown credentials give ErrAuthFailed, as does an unreachable store
// unless the debug fallback is enabled.
func (r *Resolver) Resolve(ctx context.Context, credential string) (tier.Tier, error) {

	if credential == "" {
		return tier.Public, ErrNoCredential
	}

	if t, ok := r.cache.Get(credential); ok {
		metrics.CredentialLookups.WithLabelValues("cache_hit").Inc()
		return t, nil
	}

	if r.store == nil {
		if r.debugTier != "" {
			metrics.CredentialLookups.WithLabelValues("debug").Inc()
			log.WithField("tier", r.debugTier).Warn("no credential store; granting debug tier")
			return r.debugTier, nil
		}
		metrics.CredentialLookups.WithLabelValues("denied").Inc()
		return tier.Public, fmt.Errorf("%w: no credential store configured", ErrAuthFailed)
	}

	lctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rec, err := r.store.Lookup(lctx, credential)

	if errors.Is(err, ErrNotFound) {
		metrics.CredentialLookups.WithLabelValues("denied").Inc()
		return tier.Public, fmt.Errorf("%w: unknown credential", ErrAuthFailed)
	}

	if err != nil {
		if r.debugTier != "" {
			metrics.CredentialLookups.WithLabelValues("debug").Inc()
			log.WithFields(log.Fields{"error": err.Error(), "tier": r.debugTier}).Warn("credential store unavailable; granting debug tier")
			return r.debugTier, nil
		}
		metrics.CredentialLookups.WithLabelValues("error").Inc()
		log.WithField("error", err.Error()).Error("credential lookup failed")
		return tier.Public, fmt.Errorf("%w: %s", ErrAuthFailed, err.Error())
	}

	now := r.Now()

	if !rec.IsActive {
		metrics.CredentialLookups.WithLabelValues("denied").Inc()
		return tier.Public, fmt.Errorf("%w: credential inactive", ErrAuthFailed)
	}

	if rec.Expired(now) {
		metrics.CredentialLookups.WithLabelValues("denied").Inc()
		return tier.Public, fmt.Errorf("%w: credential expired", ErrAuthFailed)
	}

	t, err := tier.Parse(rec.Tier)
	if err != nil {
		metrics.CredentialLookups.WithLabelValues("denied").Inc()
		return tier.Public, fmt.Errorf("%w: credential has unknown tier %q", ErrAuthFailed, rec.Tier)
	}

	r.cache.Set(credential, t)

	metrics.CredentialLookups.WithLabelValues("store_hit").Inc()

	go r.touch(credential, now)

	return t, nil
}

// touch records last use; failure is logged and otherwise ignored
func (r *Resolver) touch(credential string, at time.Time) {

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.store.Touch(ctx, credential, at); err != nil {
		log.WithField("error", err.Error()).Debug("could not record credential last use")
	}
}
