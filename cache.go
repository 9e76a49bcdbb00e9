package kurir

import (
	"container/list"
	"context"
	"errors"
	"hash/fnv"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// FetchFunc produces a fresh result on a cache miss. stale is the expired
// entry for the key, if one is still held, so the fetch can revalidate it.
type FetchFunc func(ctx context.Context, stale *FetchResult) (*FetchResult, error)

// CacheConfig configures a Cache.
type CacheConfig struct {
	// Capacity is the total number of entries held in memory, split across shards.
	Capacity int
	Shards   int
	// NegativeTTL is how long permanent client errors are remembered. Zero disables it.
	NegativeTTL time.Duration
	// Backend is an optional second tier shared between processes.
	Backend Backend
	// Sealer encrypts values written to Backend. Nil stores them in the clear.
	Sealer Sealer
	// BackendTimeout bounds each backend call.
	BackendTimeout time.Duration

	Logger  Logger
	Metrics *MetricsCollector
}

// DefaultCacheConfig returns the configuration used by the pipeline.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Capacity:       1024,
		Shards:         16,
		NegativeTTL:    5 * time.Second,
		BackendTimeout: 250 * time.Millisecond,
	}
}

type cacheEntry struct {
	key       string
	result    *FetchResult
	err       error
	expiresAt time.Time
}

type lruShard struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List
	loading  map[string]*inflight
	capacity int
}

// Cache is a sharded LRU of fetch results in front of an optional backend.
// Concurrent misses for one key share a single fetch.
type Cache struct {
	shards  []*lruShard
	group   singleflight.Group
	size    atomic.Int64
	closed  atomic.Bool
	config  CacheConfig
	now     func() time.Time
	logger  Logger
	metrics *MetricsCollector
}

// NewCache creates a cache from config.
func NewCache(config CacheConfig) *Cache {
	d := DefaultCacheConfig()
	if config.Capacity <= 0 {
		config.Capacity = d.Capacity
	}
	if config.Shards <= 0 {
		config.Shards = d.Shards
	}
	if config.Shards > config.Capacity {
		config.Shards = config.Capacity
	}
	if config.BackendTimeout <= 0 {
		config.BackendTimeout = d.BackendTimeout
	}

	perShard := (config.Capacity + config.Shards - 1) / config.Shards
	c := &Cache{
		shards:  make([]*lruShard, config.Shards),
		config:  config,
		now:     time.Now,
		logger:  config.Logger,
		metrics: config.Metrics,
	}
	if c.logger == nil {
		c.logger = NewNopLogger()
	}
	for i := range c.shards {
		c.shards[i] = &lruShard{
			items:    make(map[string]*list.Element),
			order:    list.New(),
			loading:  make(map[string]*inflight),
			capacity: perShard,
		}
	}
	return c
}

type getOptions struct {
	forceRefresh bool
}

// GetOption tunes one GetOrFetch call.
type GetOption func(*getOptions)

// ForceRefresh skips cached entries. The fetch still joins any in-flight one.
func ForceRefresh() GetOption {
	return func(o *getOptions) { o.forceRefresh = true }
}

// GetOrFetch returns the cached result for id or runs fn to produce one.
// At most one fn per key runs at a time; concurrent callers wait for it and
// share its outcome, each giving up independently when its own ctx ends.
func (c *Cache) GetOrFetch(ctx context.Context, id Identifier, fn FetchFunc, opts ...GetOption) (*FetchResult, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}

	key := string(id)
	var stale *FetchResult
	if !o.forceRefresh {
		entry, fresh := c.lookup(key)
		switch {
		case fresh && entry.err != nil:
			c.metrics.RecordCacheHit("negative")
			return nil, entry.err
		case fresh:
			c.metrics.RecordCacheHit("memory")
			return entry.result, nil
		case entry != nil:
			stale = entry.result
		}
	}

	loadCtx, cancel := detach(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		defer cancel()
		return c.load(loadCtx, key, stale, fn, o.forceRefresh)
	})

	select {
	case r := <-ch:
		if r.Shared {
			c.metrics.RecordCacheShared()
		}
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*FetchResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// detach returns a context for work shared between callers. It keeps the
// values and deadline of ctx but not its cancellation, so one caller giving
// up does not fail the others.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	shared := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(shared, deadline)
	}
	return shared, func() {}
}

func (c *Cache) load(ctx context.Context, key string, stale *FetchResult, fn FetchFunc, force bool) (*FetchResult, error) {
	fl := c.beginLoad(key)

	if !force && c.config.Backend != nil {
		res, err := c.backendGet(ctx, key)
		if err != nil {
			c.settle(ctx, key, fl, nil, false)
			return nil, err
		}
		if res != nil {
			c.metrics.RecordCacheHit("backend")
			c.settle(ctx, key, fl, &cacheEntry{key: key, result: res, expiresAt: res.FetchedAt.Add(res.TTL)}, false)
			return res, nil
		}
	}

	c.metrics.RecordCacheMiss()
	res, err := fn(ctx, stale)
	if err != nil {
		var entry *cacheEntry
		if c.config.NegativeTTL > 0 && negativeCacheable(err) {
			entry = &cacheEntry{key: key, err: err, expiresAt: c.now().Add(c.config.NegativeTTL)}
		}
		c.settle(ctx, key, fl, entry, false)
		return nil, err
	}

	if res.Status == http.StatusNotModified && stale != nil {
		res = revalidated(stale, res)
	}
	var entry *cacheEntry
	keep, share := cacheStorage(res)
	if keep {
		entry = &cacheEntry{key: key, result: res, expiresAt: res.FetchedAt.Add(res.TTL)}
	}
	c.settle(ctx, key, fl, entry, share)
	return res, nil
}

// inflight marks a running load so Invalidate can tell it its result is stale.
type inflight struct {
	invalidated bool
}

func (c *Cache) beginLoad(key string) *inflight {
	fl := &inflight{}
	s := c.shard(key)
	s.mu.Lock()
	s.loading[key] = fl
	s.mu.Unlock()
	return fl
}

// settle stores entry unless key was invalidated while it was loading, and
// writes it through to the backend when share is set. An invalidation that
// races the backend write removes the written value again.
func (c *Cache) settle(ctx context.Context, key string, fl *inflight, entry *cacheEntry, share bool) {
	s := c.shard(key)
	s.mu.Lock()
	stored := entry != nil && !fl.invalidated
	if stored {
		c.storeLocked(s, key, entry)
	}
	if !stored || !share || c.config.Backend == nil {
		s.finish(key, fl)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	c.backendSet(ctx, key, entry.result)

	s.mu.Lock()
	invalidated := fl.invalidated
	s.finish(key, fl)
	s.mu.Unlock()
	if invalidated {
		if err := c.backendDel(ctx, key); err != nil {
			c.logger.Warn("Cache backend delete failed", "key", key, "error", err)
		}
	}
}

func (s *lruShard) finish(key string, fl *inflight) {
	if s.loading[key] == fl {
		delete(s.loading, key)
	}
}

// negativeCacheable reports whether err is a permanent client error whose
// repetition would be pointless for a short while.
func negativeCacheable(err error) bool {
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Retriable {
		return false
	}
	switch fe.Kind {
	case KindClient, KindNotFound, KindUnauthorized:
		return true
	default:
		return false
	}
}

// revalidated refreshes a stale result confirmed by a 304 response.
func revalidated(stale, notModified *FetchResult) *FetchResult {
	header := stale.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	for k, v := range notModified.Header {
		if k == "Content-Length" {
			continue
		}
		header[k] = append([]string(nil), v...)
	}
	return &FetchResult{
		Identifier: stale.Identifier,
		Status:     stale.Status,
		Header:     header,
		Payload:    stale.Payload,
		FetchedAt:  notModified.FetchedAt,
		TTL:        notModified.TTL,
		Attempts:   notModified.Attempts,
	}
}

func (c *Cache) shard(key string) *lruShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// lookup returns the entry for key and whether it is still fresh. Expired
// results stay in place for revalidation; expired errors are dropped.
func (c *Cache) lookup(key string) (*cacheEntry, bool) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().Before(entry.expiresAt) {
		s.order.MoveToFront(el)
		return entry, true
	}
	if entry.err != nil {
		s.order.Remove(el)
		delete(s.items, key)
		c.metrics.RecordCacheSize(int(c.size.Add(-1)))
		return nil, false
	}
	return entry, false
}

func (c *Cache) storeLocked(s *lruShard, key string, entry *cacheEntry) {
	if el, ok := s.items[key]; ok {
		el.Value = entry
		s.order.MoveToFront(el)
		return
	}

	s.items[key] = s.order.PushFront(entry)
	n := c.size.Add(1)
	for s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(*cacheEntry).key)
		n = c.size.Add(-1)
		c.metrics.RecordCacheEviction()
	}
	c.metrics.RecordCacheSize(int(n))
}

// Invalidate drops id from every tier. A fetch for id already in flight
// still answers its callers, including ones that join it later, but its
// result is not stored.
func (c *Cache) Invalidate(ctx context.Context, id Identifier) error {
	key := string(id)

	s := c.shard(key)
	s.mu.Lock()
	if fl, ok := s.loading[key]; ok {
		fl.invalidated = true
	}
	if el, ok := s.items[key]; ok {
		s.order.Remove(el)
		delete(s.items, key)
		c.metrics.RecordCacheSize(int(c.size.Add(-1)))
	}
	s.mu.Unlock()

	return c.backendDel(ctx, key)
}

// Len returns the number of entries held in memory, including negative ones.
func (c *Cache) Len() int { return int(c.size.Load()) }

// Flush empties the memory tier. Backend entries expire on their own.
func (c *Cache) Flush() {
	for _, s := range c.shards {
		s.mu.Lock()
		c.size.Add(-int64(len(s.items)))
		s.items = make(map[string]*list.Element)
		s.order.Init()
		s.mu.Unlock()
	}
	c.metrics.RecordCacheSize(c.Len())
}

// Close flushes memory and closes the backend. Later calls fail with ErrClosed.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.Flush()
	if c.config.Backend != nil {
		return c.config.Backend.Close()
	}
	return nil
}
