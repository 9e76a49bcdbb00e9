package kurir

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, config CacheConfig) (*Cache, *fakeClock) {
	t.Helper()
	if config.Shards == 0 {
		config.Shards = 1
	}
	clock := newFakeClock()
	c := NewCache(config)
	c.now = clock.Now
	t.Cleanup(func() { _ = c.Close() })
	return c, clock
}

func resultFor(id Identifier, clock *fakeClock, ttl time.Duration, payload string) *FetchResult {
	return &FetchResult{
		Identifier: id,
		Status:     http.StatusOK,
		Header:     http.Header{},
		Payload:    []byte(payload),
		FetchedAt:  clock.Now(),
		TTL:        ttl,
		Attempts:   1,
	}
}

func TestCacheHitSkipsFetch(t *testing.T) {
	c, clock := newTestCache(t, CacheConfig{Capacity: 8})
	id := MustCanonicalize("https://example.com/a")

	var calls int
	fn := func(ctx context.Context, stale *FetchResult) (*FetchResult, error) {
		calls++
		return resultFor(id, clock, time.Minute, "a"), nil
	}

	first, err := c.GetOrFetch(context.Background(), id, fn)
	require.NoError(t, err)
	second, err := c.GetOrFetch(context.Background(), id, fn)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Same(t, first, second)
	assert.Equal(t, 1, c.Len())
}

func TestCacheDoesNotStoreZeroTTL(t *testing.T) {
	c, clock := newTestCache(t, CacheConfig{Capacity: 8})
	id := MustCanonicalize("https://example.com/a")

	var calls int
	fn := func(ctx context.Context, stale *FetchResult) (*FetchResult, error) {
		calls++
		return resultFor(id, clock, 0, "a"), nil
	}
	for i := 0; i < 3; i++ {
		_, err := c.GetOrFetch(context.Background(), id, fn)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls)
	assert.Zero(t, c.Len())
}

func TestCacheExpiredEntryIsRevalidated(t *testing.T) {
	c, clock := newTestCache(t, CacheConfig{Capacity: 8})
	id := MustCanonicalize("https://example.com/a")

	_, err := c.GetOrFetch(context.Background(), id, func(ctx context.Context, stale *FetchResult) (*FetchResult, error) {
		assert.Nil(t, stale)
		res := resultFor(id, clock, time.Minute, "body")
		res.Header.Set("ETag", `"v1"`)
		return res, nil
	})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	res, err := c.GetOrFetch(context.Background(), id, func(ctx context.Context, stale *FetchResult) (*FetchResult, error) {
		if assert.NotNil(t, stale) {
			assert.Equal(t, `"v1"`, stale.Header.Get("ETag"))
		}
		nm := resultFor(id, clock, time.Minute, "")
		nm.Status = http.StatusNotModified
		nm.Header.Set("X-Fresh", "yes")
		nm.Attempts = 2
		return nm, nil
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "body", string(res.Payload))
	assert.Equal(t, "yes", res.Header.Get("X-Fresh"))
	assert.Equal(t, `"v1"`, res.Header.Get("ETag"))
	assert.Equal(t, clock.Now(), res.FetchedAt)
	assert.Equal(t, 2, res.Attempts)
}

func TestCacheConcurrentMissesShareOneFetch(t *testing.T) {
	metrics := NewMetricsCollector()
	c, clock := newTestCache(t, CacheConfig{Capacity: 8, Metrics: metrics})
	id := MustCanonicalize("https://example.com/shared")

	const callers = 16
	var calls atomic.Int32
	gate := make(chan struct{})
	fn := func(ctx context.Context, stale *FetchResult) (*FetchResult, error) {
		calls.Add(1)
		<-gate
		return resultFor(id, clock, time.Minute, "shared"), nil
	}

	var wg sync.WaitGroup
	results := make([]*FetchResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrFetch(context.Background(), id, fn)
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", string(results[i].Payload))
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.cacheMisses))
}

func TestCacheWaiterHonoursOwnContext(t *testing.T) {
	c, clock := newTestCache(t, CacheConfig{Capacity: 8})
	id := MustCanonicalize("https://example.com/slow")

	started := make(chan struct{})
	gate := make(chan struct{})
	fn := func(ctx context.Context, stale *FetchResult) (*FetchResult, error) {
		close(started)
		<-gate
		return resultFor(id, clock, time.Minute, "slow"), nil
	}

	ownerDone := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(context.Background(), id, fn)
		ownerDone <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.GetOrFetch(ctx, id, fn)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	require.NoError(t, <-ownerDone)
}

func TestCacheOwnerCancellationDoesNotFailWaiters(t *testing.T) {
	c, clock := newTestCache(t, CacheConfig{Capacity: 8})
	id := MustCanonicalize("https://example.com/owner")

	started := make(chan struct{})
	var once sync.Once
	gate := make(chan struct{})
	fn := func(ctx context.Context, stale *FetchResult) (*FetchResult, error) {
		once.Do(func() { close(started) })
		select {
		case <-gate:
			return resultFor(id, clock, time.Minute, "ok"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ownerCtx, cancelOwner := context.WithCancel(context.Background())
	ownerDone := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(ownerCtx, id, fn)
		ownerDone <- err
	}()
	<-started

	waiterDone := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(context.Background(), id, fn)
		waiterDone <- err
	}()

	cancelOwner()
	assert.ErrorIs(t, <-ownerDone, context.Canceled)

	close(gate)
	assert.NoError(t, <-waiterDone)
}

func TestCacheNegativeEntries(t *testing.T) {
	c, clock := newTestCache(t, CacheConfig{Capacity: 8, NegativeTTL: 5 * time.Second})
	id := MustCanonicalize("https://example.com/missing")

	var calls int
	notFound := func(ctx context.Context, stale *FetchResult) (*FetchResult, error) {
		calls++
		return nil, &FetchError{Kind: KindNotFound, Status: http.StatusNotFound, Identifier: id}
	}

	for i := 0; i < 3; i++ {
		_, err := c.GetOrFetch(context.Background(), id, notFound)
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, KindNotFound, fe.Kind)
	}
	assert.Equal(t, 1, calls)

	clock.Advance(6 * time.Second)
	_, err := c.GetOrFetch(context.Background(), id, notFound)
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestCacheNeverStoresTransientErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"retriable fetch error", &FetchError{Kind: KindServer, Status: 503, Retriable: true}},
		{"exhausted", &FetchExhaustedError{Attempts: 3}},
		{"circuit open", &CircuitOpenError{Bucket: "b"}},
		{"throttle", &ThrottleTimeoutError{Bucket: "b", Cause: context.DeadlineExceeded}},
		{"verification", &VerificationError{Reason: "bad tag"}},
		{"malformed", &FetchError{Kind: KindMalformed}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCache(t, CacheConfig{Capacity: 8, NegativeTTL: time.Minute})
			id := MustCanonicalize("https://example.com/flaky")

			var calls int
			fn := func(ctx context.Context, stale *FetchResult) (*FetchResult, error) {
				calls++
				return nil, tt.err
			}
			for i := 0; i < 2; i++ {
				_, err := c.GetOrFetch(context.Background(), id, fn)
				assert.Equal(t, tt.err, err)
			}
			assert.Equal(t, 2, calls)
			assert.Zero(t, c.Len())
		})
	}
}

func TestCacheLRUEviction(t *testing.T) {
	metrics := NewMetricsCollector()
	c, clock := newTestCache(t, CacheConfig{Capacity: 2, Metrics: metrics})

	ids := []Identifier{
		MustCanonicalize("https://example.com/1"),
		MustCanonicalize("https://example.com/2"),
		MustCanonicalize("https://example.com/3"),
	}
	calls := map[Identifier]int{}
	get := func(id Identifier) {
		_, err := c.GetOrFetch(context.Background(), id, func(ctx context.Context, stale *FetchResult) (*FetchResult, error) {
			calls[id]++
			return resultFor(id, clock, time.Hour, string(id)), nil
		})
		require.NoError(t, err)
	}

	get(ids[0])
	get(ids[1])
	get(ids[0]) // refresh recency of 1
	get(ids[2]) // evicts 2

	assert.Equal(t, 2, c.Len())
	get(ids[0])
	assert.Equal(t, 1, calls[ids[0]])
	get(ids[1])
	assert.Equal(t, 2, calls[ids[1]])
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.cacheEvictions))
}

func TestCacheForceRefresh(t *testing.T) {
	c, clock := newTestCache(t, CacheConfig{Capacity: 8})
	id := MustCanonicalize("https://example.com/a")

	var calls int
	fn := func(ctx context.Context, stale *FetchResult) (*FetchResult, error) {
		calls++
		return resultFor(id, clock, time.Hour, "v"), nil
	}
	_, err := c.GetOrFetch(context.Background(), id, fn)
	require.NoError(t, err)
	_, err = c.GetOrFetch(context.Background(), id, fn, ForceRefresh())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCacheInvalidateFlushClose(t *testing.T) {
	c, clock := newTestCache(t, CacheConfig{Capacity: 8})
	a := MustCanonicalize("https://example.com/a")
	b := MustCanonicalize("https://example.com/b")

	var calls int
	fetch := func(id Identifier) {
		_, err := c.GetOrFetch(context.Background(), id, func(ctx context.Context, stale *FetchResult) (*FetchResult, error) {
			calls++
			return resultFor(id, clock, time.Hour, "v"), nil
		})
		require.NoError(t, err)
	}

	fetch(a)
	fetch(b)
	require.Equal(t, 2, c.Len())

	require.NoError(t, c.Invalidate(context.Background(), a))
	assert.Equal(t, 1, c.Len())
	fetch(a)
	assert.Equal(t, 3, calls)

	c.Flush()
	assert.Zero(t, c.Len())

	require.NoError(t, c.Close())
	_, err := c.GetOrFetch(context.Background(), a, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, c.Close())
}

func TestRevalidatedKeepsStalePayload(t *testing.T) {
	stale := &FetchResult{
		Status:  http.StatusOK,
		Header:  http.Header{"Etag": {`"a"`}, "Content-Length": {"4"}},
		Payload: []byte("body"),
	}
	nm := &FetchResult{
		Status:    http.StatusNotModified,
		Header:    http.Header{"Content-Length": {"0"}, "Cache-Control": {"max-age=10"}},
		FetchedAt: time.Unix(10, 0),
		TTL:       10 * time.Second,
	}

	got := revalidated(stale, nm)
	assert.Equal(t, "4", got.Header.Get("Content-Length"))
	assert.Equal(t, "max-age=10", got.Header.Get("Cache-Control"))
	assert.Equal(t, 10*time.Second, got.TTL)
	assert.Equal(t, "body", string(got.Payload))
	assert.Empty(t, stale.Header.Get("Cache-Control"), "stale entry is not mutated")
}

func TestCacheInvalidateDuringFetchKeepsOneFetchAndStoresNothing(t *testing.T) {
	c, clock := newTestCache(t, CacheConfig{Capacity: 8})
	id := MustCanonicalize("https://example.com/moving")

	var calls atomic.Int32
	started := make(chan struct{})
	var once sync.Once
	gate := make(chan struct{})
	fn := func(ctx context.Context, stale *FetchResult) (*FetchResult, error) {
		calls.Add(1)
		once.Do(func() { close(started) })
		<-gate
		return resultFor(id, clock, time.Hour, "old"), nil
	}

	first := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(context.Background(), id, fn)
		first <- err
	}()
	<-started

	require.NoError(t, c.Invalidate(context.Background(), id))

	second := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(context.Background(), id, fn)
		second <- err
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "one fetch in flight per identifier")

	close(gate)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, c.Len())
	entry, _ := c.lookup(string(id))
	assert.Nil(t, entry)

	res, err := c.GetOrFetch(context.Background(), id, func(ctx context.Context, stale *FetchResult) (*FetchResult, error) {
		calls.Add(1)
		return resultFor(id, clock, time.Hour, "new"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "new", string(res.Payload))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestCacheKeepsNoCacheResponseForRevalidation(t *testing.T) {
	c, clock := newTestCache(t, CacheConfig{Capacity: 8})
	id := MustCanonicalize("https://example.com/revalidate")

	_, err := c.GetOrFetch(context.Background(), id, func(ctx context.Context, stale *FetchResult) (*FetchResult, error) {
		res := resultFor(id, clock, 0, "body")
		res.Header.Set("Cache-Control", "no-cache")
		res.Header.Set("ETag", `"v1"`)
		return res, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	var sawStale bool
	res, err := c.GetOrFetch(context.Background(), id, func(ctx context.Context, stale *FetchResult) (*FetchResult, error) {
		sawStale = stale != nil
		nm := resultFor(id, clock, 0, "")
		nm.Status = http.StatusNotModified
		nm.Header.Set("Cache-Control", "no-cache")
		return nm, nil
	})
	require.NoError(t, err)
	assert.True(t, sawStale, "every reuse is revalidated")
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "body", string(res.Payload))
}
