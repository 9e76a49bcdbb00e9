package kurir

import (
	"context"
	"hash/fnv"
	"math"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ThrottleLimits bounds one bucket.
type ThrottleLimits struct {
	// MaxConcurrent is the number of tokens that may be held at once.
	MaxConcurrent int
	// Rate is the number of acquisitions per second. Zero or less disables rate limiting.
	Rate float64
	// Burst is the token bucket depth; it defaults to MaxConcurrent.
	Burst int
}

func (l ThrottleLimits) withDefaults() ThrottleLimits {
	if l.MaxConcurrent <= 0 {
		l.MaxConcurrent = 4
	}
	if l.Burst <= 0 {
		l.Burst = l.MaxConcurrent
	}
	return l
}

func (l ThrottleLimits) limit() rate.Limit {
	if l.Rate <= 0 || math.IsInf(l.Rate, 1) {
		return rate.Inf
	}
	return rate.Limit(l.Rate)
}

// GovernorConfig configures a Governor.
type GovernorConfig struct {
	Default ThrottleLimits
	// Buckets overrides Default for named buckets.
	Buckets map[string]ThrottleLimits
	// IdleTTL is how long an unused bucket with nothing in flight is kept.
	IdleTTL time.Duration
	// CleanupEvery is the janitor period.
	CleanupEvery time.Duration
	Shards       int
}

// ThrottleToken is a permit for one in-flight fetch against one bucket.
type ThrottleToken struct {
	id         uint64
	bucket     *throttleBucket
	acquiredAt time.Time
	released   atomic.Bool
	gov        *Governor
}

// Bucket is the name of the bucket the token was drawn from.
func (t *ThrottleToken) Bucket() string { return t.bucket.name }

// ID identifies the token in logs.
func (t *ThrottleToken) ID() uint64 { return t.id }

// AcquiredAt is when the token was granted.
func (t *ThrottleToken) AcquiredAt() time.Time { return t.acquiredAt }

// Released reports whether the token was returned.
func (t *ThrottleToken) Released() bool { return t.released.Load() }

// Release returns the token to its governor.
func (t *ThrottleToken) Release() error { return t.gov.Release(t) }

type throttleBucket struct {
	name     string
	limits   ThrottleLimits
	sem      chan struct{}
	limiter  *rate.Limiter
	inFlight atomic.Int64
	lastUsed atomic.Int64
}

type governorShard struct {
	mu      sync.Mutex
	buckets map[string]*throttleBucket
}

// Governor hands out throttle tokens per bucket. Each bucket combines a
// concurrency semaphore with a token-bucket rate limiter.
type Governor struct {
	config  GovernorConfig
	shards  []*governorShard
	nextID  atomic.Uint64
	count   atomic.Int64
	now     func() time.Time
	metrics *MetricsCollector
	logger  Logger
}

// NewGovernor creates a governor. Buckets are created lazily on first Acquire.
func NewGovernor(config GovernorConfig) *Governor {
	config.Default = config.Default.withDefaults()
	if config.IdleTTL <= 0 {
		config.IdleTTL = 5 * time.Minute
	}
	if config.CleanupEvery <= 0 {
		config.CleanupEvery = time.Minute
	}
	if config.Shards <= 0 {
		config.Shards = 16
	}

	g := &Governor{
		config: config,
		shards: make([]*governorShard, config.Shards),
		now:    time.Now,
		logger: NewNopLogger(),
	}
	for i := range g.shards {
		g.shards[i] = &governorShard{buckets: make(map[string]*throttleBucket)}
	}
	return g
}

func (g *Governor) shard(name string) *governorShard {
	h := fnv.New32a()
	h.Write([]byte(name))
	return g.shards[h.Sum32()%uint32(len(g.shards))]
}

// reserve returns the bucket with its in-flight count already raised, so the
// janitor cannot evict it between lookup and acquisition.
func (g *Governor) reserve(name string) *throttleBucket {
	s := g.shard(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[name]
	if !ok {
		limits := g.config.Default
		if o, ok := g.config.Buckets[name]; ok {
			limits = o.withDefaults()
		}
		b = &throttleBucket{
			name:    name,
			limits:  limits,
			sem:     make(chan struct{}, limits.MaxConcurrent),
			limiter: rate.NewLimiter(limits.limit(), limits.Burst),
		}
		s.buckets[name] = b
		g.metrics.RecordThrottleBuckets(int(g.count.Add(1)))
	}
	b.inFlight.Add(1)
	b.lastUsed.Store(g.now().UnixNano())
	return b
}

// Acquire blocks until bucket has both a free concurrency slot and a rate
// token. It fails with *ThrottleTimeoutError when ctx ends first.
func (g *Governor) Acquire(ctx context.Context, bucket string) (*ThrottleToken, error) {
	b := g.reserve(bucket)
	start := g.now()

	fail := func(cause error) error {
		b.inFlight.Add(-1)
		g.metrics.RecordThrottleTimeout(bucket)
		g.logger.Debug("Throttle acquisition gave up", "bucket", bucket, "error", cause)
		return &ThrottleTimeoutError{Bucket: bucket, Waited: g.now().Sub(start), Cause: cause}
	}

	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fail(ctx.Err())
	}

	if err := b.limiter.Wait(ctx); err != nil {
		<-b.sem
		return nil, fail(err)
	}

	now := g.now()
	token := &ThrottleToken{
		id:         g.nextID.Add(1),
		bucket:     b,
		acquiredAt: now,
		gov:        g,
	}
	g.metrics.RecordThrottleAcquire(bucket, now.Sub(start))
	return token, nil
}

// Release returns capacity held by token. Releasing the same token twice
// is reported with ErrTokenReleased and otherwise ignored.
func (g *Governor) Release(token *ThrottleToken) error {
	if token == nil {
		return nil
	}
	if !token.released.CompareAndSwap(false, true) {
		g.logger.Warn("Throttle token released twice", "bucket", token.Bucket(), "token", token.id)
		return ErrTokenReleased
	}

	b := token.bucket
	<-b.sem
	b.lastUsed.Store(g.now().UnixNano())
	b.inFlight.Add(-1)
	g.metrics.RecordThrottleRelease(b.name)
	return nil
}

// InFlight returns the number of tokens currently held for bucket.
func (g *Governor) InFlight(bucket string) int {
	s := g.shard(bucket)
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[bucket]; ok {
		return len(b.sem)
	}
	return 0
}

// Len returns the number of live buckets.
func (g *Governor) Len() int { return int(g.count.Load()) }

// Cleanup evicts buckets idle for longer than IdleTTL with nothing in flight.
// It returns the number of evicted buckets.
func (g *Governor) Cleanup() int {
	cutoff := g.now().Add(-g.config.IdleTTL).UnixNano()
	evicted := 0
	for _, s := range g.shards {
		s.mu.Lock()
		for name, b := range s.buckets {
			if b.inFlight.Load() == 0 && b.lastUsed.Load() < cutoff {
				delete(s.buckets, name)
				g.count.Add(-1)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	if evicted > 0 {
		g.logger.Debug("Evicted idle throttle buckets", "count", evicted)
		g.metrics.RecordThrottleBuckets(g.Len())
	}
	return evicted
}

// StartJanitor runs Cleanup every CleanupEvery until ctx is done.
func (g *Governor) StartJanitor(ctx context.Context) {
	every(ctx, g.config.CleanupEvery, func() { g.Cleanup() })
}

// every calls fn once per period on its own goroutine until ctx is done.
func every(ctx context.Context, period time.Duration, fn func()) {
	t := time.NewTicker(period)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				fn()
			}
		}
	}()
}

// DefaultBucket derives the bucket of a fetch target: "host:" plus the
// lower-cased host and port.
func DefaultBucket(target *url.URL) string {
	if target == nil || target.Host == "" {
		return "host:unknown"
	}
	return "host:" + strings.ToLower(target.Host)
}
