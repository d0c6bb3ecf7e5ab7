package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// maxMissedKids bounds the per-kid refresh bookkeeping.
const maxMissedKids = 1024

// KeyFetchError reports that no usable key set could be obtained.
type KeyFetchError struct {
	Cache string
	Err   error
}

func (e *KeyFetchError) Error() string {
	return fmt.Sprintf("keyset %s: fetch failed: %v", e.Cache, e.Err)
}

func (e *KeyFetchError) Unwrap() error { return e.Err }

// CacheConfig configures a KeySetCache.
type CacheConfig struct {
	// Name identifies the cache in logs and keys the single-flight group.
	Name string
	// TTL is how long a fetched set is used before a refresh is attempted.
	TTL time.Duration
	// FetchTimeout bounds one fetch from the source.
	FetchTimeout time.Duration
	// MinRefreshInterval throttles repeated forced refreshes for the same
	// unknown kid. A kid that has not missed recently always gets one refresh.
	MinRefreshInterval time.Duration
	// MaxStale bounds how long past its TTL a set may be served when refreshes fail.
	// Zero means the set is served until its keys expire on their own.
	MaxStale time.Duration
	// OnFetch, if set, observes every fetch attempt.
	OnFetch func(ctx context.Context, err error)
	Now     func() time.Time
	Logger  *slog.Logger
}

func (c *CacheConfig) applyDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.TTL <= 0 {
		c.TTL = 10 * time.Minute
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// CacheStats exposes refresh bookkeeping for operators.
type CacheStats struct {
	Fetches       int64
	FetchFailures int64
	Throttled     int64
	FetchedAt     time.Time
	LastError     string
}

// KeySetCache fetches and caches the signing-key set. Readers share an immutable
// snapshot; refreshes run single-flight and replace the snapshot by reference.
type KeySetCache struct {
	cfg     CacheConfig
	source  KeySource
	logger  *slog.Logger
	current atomic.Pointer[KeySet]
	group   singleflight.Group

	fetches   atomic.Int64
	failures  atomic.Int64
	throttled atomic.Int64
	errMu     sync.Mutex
	lastErr   string

	missMu sync.Mutex
	missed map[string]time.Time
}

// NewKeySetCache creates a cache over source. Nothing is fetched until first use.
func NewKeySetCache(source KeySource, cfg CacheConfig) *KeySetCache {
	cfg.applyDefaults()
	return &KeySetCache{
		cfg:    cfg,
		source: source,
		logger: cfg.Logger.With("component", "keyset", "cache", cfg.Name),
		missed: make(map[string]time.Time),
	}
}

// Active returns a usable key set, refreshing it first when stale.
func (c *KeySetCache) Active(ctx context.Context) (*KeySet, error) {
	if ks := c.current.Load(); ks != nil && ks.Fresh(c.cfg.Now()) {
		return ks, nil
	}
	return c.refresh(ctx, false)
}

// Refresh forces a fetch, used when a token names a kid the cache does not know.
// Each kid gets one forced fetch per MinRefreshInterval; a kid that missed
// recently is answered from the current snapshot instead.
func (c *KeySetCache) Refresh(ctx context.Context, kid string) (*KeySet, error) {
	cur := c.current.Load()
	if cur != nil {
		if _, ok := cur.Usable(kid, c.cfg.Now()); ok {
			return cur, nil
		}
		if !c.markMiss(kid) {
			c.throttled.Add(1)
			return cur, nil
		}
	}
	return c.refresh(ctx, true)
}

// markMiss records a forced refresh for kid and reports whether one is allowed.
func (c *KeySetCache) markMiss(kid string) bool {
	now := c.cfg.Now()
	c.missMu.Lock()
	defer c.missMu.Unlock()
	if last, ok := c.missed[kid]; ok && now.Sub(last) < c.cfg.MinRefreshInterval {
		return false
	}
	if len(c.missed) >= maxMissedKids {
		for k, at := range c.missed {
			if now.Sub(at) >= c.cfg.MinRefreshInterval {
				delete(c.missed, k)
			}
		}
		if len(c.missed) >= maxMissedKids {
			clear(c.missed)
		}
	}
	c.missed[kid] = now
	return true
}

// Stats returns a copy of the cache counters.
func (c *KeySetCache) Stats() CacheStats {
	st := CacheStats{
		Fetches:       c.fetches.Load(),
		FetchFailures: c.failures.Load(),
		Throttled:     c.throttled.Load(),
	}
	if ks := c.current.Load(); ks != nil {
		st.FetchedAt = ks.FetchedAt
	}
	c.errMu.Lock()
	st.LastError = c.lastErr
	c.errMu.Unlock()
	return st
}

func (c *KeySetCache) refresh(ctx context.Context, force bool) (*KeySet, error) {
	ch := c.group.DoChan(c.cfg.Name, func() (any, error) {
		if !force {
			if ks := c.current.Load(); ks != nil && ks.Fresh(c.cfg.Now()) {
				return ks, nil
			}
		}
		// The shared fetch must not die with the first caller's context.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
		defer cancel()
		return c.fetch(fctx)
	})

	var err error
	select {
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(*KeySet), nil
		}
		err = res.Err
	case <-ctx.Done():
		err = ctx.Err()
	}
	return c.fallback(err)
}

func (c *KeySetCache) fetch(ctx context.Context) (*KeySet, error) {
	c.fetches.Add(1)
	raw, err := c.source.Fetch(ctx)
	defer func() {
		if c.cfg.OnFetch != nil {
			c.cfg.OnFetch(ctx, err)
		}
	}()
	if err == nil {
		var keys map[string]SigningKey
		keys, err = ParseJWKS(raw)
		if err == nil {
			ks := &KeySet{Keys: keys, FetchedAt: c.cfg.Now(), TTL: c.cfg.TTL}
			c.current.Store(ks)
			c.logger.Debug("keyset refreshed", "keys", len(keys))
			return ks, nil
		}
	}

	c.failures.Add(1)
	c.errMu.Lock()
	c.lastErr = err.Error()
	c.errMu.Unlock()
	return nil, err
}

// fallback serves the cached snapshot after a failed refresh, if one exists and
// is within MaxStale. Individual keys still expire by their own NotAfter.
func (c *KeySetCache) fallback(err error) (*KeySet, error) {
	cached := c.current.Load()
	if cached == nil {
		return nil, &KeyFetchError{Cache: c.cfg.Name, Err: err}
	}
	age := c.cfg.Now().Sub(cached.FetchedAt)
	if c.cfg.MaxStale > 0 && age > cached.TTL+c.cfg.MaxStale {
		return nil, &KeyFetchError{Cache: c.cfg.Name, Err: fmt.Errorf("cached keyset too stale (%s): %w", age.Round(time.Second), err)}
	}
	c.logger.Warn("keyset refresh failed; serving cached set",
		"error", err,
		"age", age.Round(time.Second),
		"keys", len(cached.Keys),
	)
	return cached, nil
}
