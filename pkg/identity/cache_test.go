package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/txgate/pkg/util/resiliency"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingSource serves a LocalKeySet and can be switched to fail.
type countingSource struct {
	ks    *LocalKeySet
	calls atomic.Int32
	fail  atomic.Bool
	gate  chan struct{}
}

func (s *countingSource) Fetch(ctx context.Context) ([]byte, error) {
	s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.fail.Load() {
		return nil, errors.New("jwks endpoint unavailable")
	}
	return s.ks.JWKS()
}

func newTestCache(t *testing.T, cfg CacheConfig) (*KeySetCache, *countingSource, *fakeClock) {
	t.Helper()
	ks, err := NewLocalKeySet()
	require.NoError(t, err)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	src := &countingSource{ks: ks}
	cfg.Now = clock.Now
	return NewKeySetCache(src, cfg), src, clock
}

func TestKeySetCache_FetchesOnceWhileFresh(t *testing.T) {
	cache, src, clock := newTestCache(t, CacheConfig{TTL: time.Minute})
	ctx := context.Background()

	ks1, err := cache.Active(ctx)
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	ks2, err := cache.Active(ctx)
	require.NoError(t, err)

	assert.Same(t, ks1, ks2)
	assert.Equal(t, int32(1), src.calls.Load())

	clock.Advance(31 * time.Second)
	ks3, err := cache.Active(ctx)
	require.NoError(t, err)
	assert.NotSame(t, ks1, ks3, "stale set must be replaced, not mutated")
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestKeySetCache_NoCachedSetFails(t *testing.T) {
	cache, src, _ := newTestCache(t, CacheConfig{})
	src.fail.Store(true)

	_, err := cache.Active(context.Background())
	var kfe *KeyFetchError
	require.ErrorAs(t, err, &kfe)
	assert.Equal(t, int64(1), cache.Stats().FetchFailures)
	assert.Contains(t, cache.Stats().LastError, "unavailable")
}

func TestKeySetCache_ServesStaleSetOnFailure(t *testing.T) {
	cache, src, clock := newTestCache(t, CacheConfig{TTL: time.Minute})
	ctx := context.Background()

	first, err := cache.Active(ctx)
	require.NoError(t, err)

	src.fail.Store(true)
	clock.Advance(2 * time.Minute)

	got, err := cache.Active(ctx)
	require.NoError(t, err)
	assert.Same(t, first, got)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestKeySetCache_MaxStaleBoundsFallback(t *testing.T) {
	cache, src, clock := newTestCache(t, CacheConfig{TTL: time.Minute, MaxStale: time.Minute})
	ctx := context.Background()

	_, err := cache.Active(ctx)
	require.NoError(t, err)

	src.fail.Store(true)
	clock.Advance(3 * time.Minute)

	_, err = cache.Active(ctx)
	var kfe *KeyFetchError
	assert.ErrorAs(t, err, &kfe)
}

func TestKeySetCache_ConcurrentCallersShareOneFetch(t *testing.T) {
	ks, err := NewLocalKeySet()
	require.NoError(t, err)
	src := &countingSource{ks: ks, gate: make(chan struct{})}
	cache := NewKeySetCache(src, CacheConfig{TTL: time.Hour})

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*KeySet, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ks, err := cache.Active(context.Background())
			assert.NoError(t, err)
			results[i] = ks
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestKeySetCache_ForcedRefreshIsThrottledPerKid(t *testing.T) {
	cache, src, clock := newTestCache(t, CacheConfig{TTL: time.Hour, MinRefreshInterval: 10 * time.Second})
	ctx := context.Background()

	_, err := cache.Active(ctx)
	require.NoError(t, err)

	_, err = cache.Refresh(ctx, "junk")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())

	_, err = cache.Refresh(ctx, "junk")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load(), "same kid inside the interval is throttled")
	assert.Equal(t, int64(1), cache.Stats().Throttled)

	_, err = cache.Refresh(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int32(3), src.calls.Load(), "a different kid still gets its refresh")

	clock.Advance(11 * time.Second)
	_, err = cache.Refresh(ctx, "junk")
	require.NoError(t, err)
	assert.Equal(t, int32(4), src.calls.Load())
}

func TestKeySetCache_RefreshForKnownKidSkipsFetch(t *testing.T) {
	cache, src, _ := newTestCache(t, CacheConfig{TTL: time.Hour})
	ctx := context.Background()

	_, err := cache.Active(ctx)
	require.NoError(t, err)
	_, err = cache.Refresh(ctx, src.ks.CurrentKID())
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestKeySetCache_MissedKidBookkeepingIsBounded(t *testing.T) {
	cache, _, _ := newTestCache(t, CacheConfig{TTL: time.Hour, MinRefreshInterval: time.Minute})
	ctx := context.Background()

	_, err := cache.Active(ctx)
	require.NoError(t, err)
	for i := 0; i < maxMissedKids+10; i++ {
		assert.True(t, cache.markMiss(fmt.Sprintf("kid-%d", i)))
	}
	assert.LessOrEqual(t, len(cache.missed), maxMissedKids)
}

func TestKeySetCache_RefreshPicksUpRotatedKey(t *testing.T) {
	cache, src, _ := newTestCache(t, CacheConfig{TTL: time.Hour})
	ctx := context.Background()

	before, err := cache.Active(ctx)
	require.NoError(t, err)

	kid, err := src.ks.Rotate()
	require.NoError(t, err)
	_, known := before.Keys[kid]
	assert.False(t, known)

	after, err := cache.Refresh(ctx, kid)
	require.NoError(t, err)
	_, known = after.Keys[kid]
	assert.True(t, known)
}

func TestKeySetCache_CallerCancelIsDenial(t *testing.T) {
	ks, err := NewLocalKeySet()
	require.NoError(t, err)
	src := &countingSource{ks: ks, gate: make(chan struct{})}
	defer close(src.gate)
	cache := NewKeySetCache(src, CacheConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = cache.Active(ctx)
	var kfe *KeyFetchError
	require.ErrorAs(t, err, &kfe)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPSource_Fetch(t *testing.T) {
	ks, err := NewLocalKeySet()
	require.NoError(t, err)
	doc, err := ks.JWKS()
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	defer srv.Close()

	client := resiliency.NewEnhancedClient("jwks-test", resiliency.WithRetries(0, time.Millisecond))
	src := NewHTTPSource(srv.URL+"/.well-known/jwks.json", client)
	got, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, string(doc), string(got))

	missing := NewHTTPSource(srv.URL+"/nope", client)
	_, err = missing.Fetch(context.Background())
	assert.Error(t, err)
}

func TestFileSource_Fetch(t *testing.T) {
	ks, err := NewLocalKeySet()
	require.NoError(t, err)
	doc, err := ks.JWKS()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "jwks.json")
	require.NoError(t, os.WriteFile(path, doc, 0o600))

	cache := NewKeySetCache(FileSource{Path: path}, CacheConfig{})
	set, err := cache.Active(context.Background())
	require.NoError(t, err)
	_, ok := set.Keys[ks.CurrentKID()]
	assert.True(t, ok)
}

func TestLocalKeySet_PEMRoundTrip(t *testing.T) {
	ks, err := NewLocalKeySet()
	require.NoError(t, err)
	pemBytes, err := ks.MarshalCurrentPEM()
	require.NoError(t, err)

	restored, err := LoadLocalKeySetPEM(pemBytes)
	require.NoError(t, err)
	assert.Equal(t, ks.CurrentKID(), restored.CurrentKID())

	ks.Retire(ks.CurrentKID())
	assert.Empty(t, ks.CurrentKID())
	_, err = ks.JWKS()
	require.NoError(t, err)
}
