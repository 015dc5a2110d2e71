// Package cache is the content-addressed classification cache. Entries are
// keyed by a hash of the normalized input plus the pipeline stage, expire
// after a fixed TTL, and concurrent identical requests share one computation.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Entry is one cached classification decision.
type Entry struct {
	Key        string    `json:"key" db:"key"`
	Stage      string    `json:"stage" db:"stage"`
	Decision   bool      `json:"decision" db:"decision"`
	Confidence float64   `json:"confidence" db:"confidence"`
	ModelID    string    `json:"model_id,omitempty" db:"model_id"`
	// FallbackUsed records whether the deterministic fallback produced the
	// decision, so every reader of the entry reports it the same way, not
	// just the caller that ran the compute.
	FallbackUsed bool `json:"fallback_used,omitempty" db:"fallback_used"`
	CachedAt   time.Time `json:"cached_at" db:"cached_at"`
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
}

// Expired reports whether the entry is past its expiry at time now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Backing stores entries. Get must treat expired entries as absent; Set may
// overwrite an existing entry for the same (stage, key).
type Backing interface {
	Get(ctx context.Context, stage, key string) (*Entry, error)
	Set(ctx context.Context, e Entry) error
}

// Key hashes the classification input into a stable cache key. The body is
// truncated to its prefix so trailing quote chains and signatures don't
// defeat caching.
func Key(subject, bodyPrefix, sender string) string {
	h := sha256.New()
	h.Write([]byte(subject))
	h.Write([]byte{0})
	h.Write([]byte(bodyPrefix))
	h.Write([]byte{0})
	h.Write([]byte(sender))
	return hex.EncodeToString(h.Sum(nil))
}

// Cache wraps a Backing with TTL handling and single-flight computation.
type Cache struct {
	backing Backing
	ttl     time.Duration
	group   singleflight.Group
	now     func() time.Time // injectable for testing
}

// New creates a Cache over the given backing.
func New(backing Backing, ttl time.Duration) *Cache {
	return &Cache{
		backing: backing,
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (c *Cache) WithNow(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Get returns the cached entry for (stage, key), or nil when absent or
// expired.
func (c *Cache) Get(ctx context.Context, stage, key string) (*Entry, error) {
	e, err := c.backing.Get(ctx, stage, key)
	if err != nil {
		return nil, eris.Wrap(err, "cache: get")
	}
	if e == nil || e.Expired(c.now()) {
		return nil, nil
	}
	return e, nil
}

// GetOrCompute returns the cached entry for (stage, key), computing and
// storing it on a miss. At most one concurrent compute runs per (stage, key);
// other callers await the in-flight result. The bool result reports a cache
// hit. Compute errors are returned uncached.
func (c *Cache) GetOrCompute(ctx context.Context, stage, key string, compute func(ctx context.Context) (Entry, error)) (Entry, bool, error) {
	if e, err := c.Get(ctx, stage, key); err != nil {
		return Entry{}, false, err
	} else if e != nil {
		return *e, true, nil
	}

	type flightResult struct {
		entry Entry
		hit   bool
	}

	v, err, shared := c.group.Do(stage+"\x00"+key, func() (any, error) {
		// Re-check under the flight: a racing caller may have stored the
		// entry between our miss and acquiring the flight.
		if e, err := c.Get(ctx, stage, key); err != nil {
			return nil, err
		} else if e != nil {
			return flightResult{entry: *e, hit: true}, nil
		}

		e, err := compute(ctx)
		if err != nil {
			return nil, err
		}

		now := c.now()
		e.Key = key
		e.Stage = stage
		e.CachedAt = now
		e.ExpiresAt = now.Add(c.ttl)

		if err := c.backing.Set(ctx, e); err != nil {
			// A failed write is not fatal: the decision is still usable,
			// the next request just recomputes.
			zap.L().Warn("cache: set failed",
				zap.String("stage", stage),
				zap.Error(err),
			)
		}
		return flightResult{entry: e}, nil
	})
	if err != nil {
		return Entry{}, false, err
	}

	res := v.(flightResult)
	return res.entry, res.hit || shared, nil
}
