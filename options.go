package kurir

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTransport sets the network transport used by the fetcher.
func WithTransport(t Transport) Option {
	return func(p *Pipeline) {
		p.fetcherConfig.Transport = t
	}
}

// WithHTTPClient sets a custom HTTP client as transport
func WithHTTPClient(client *http.Client) Option {
	return func(p *Pipeline) {
		p.fetcherConfig.Transport = client
	}
}

// WithMiddleware adds middleware around every network attempt. The first
// registered middleware runs outermost.
func WithMiddleware(middleware ...Middleware) Option {
	return func(p *Pipeline) {
		p.fetcherConfig.Middleware = append(p.fetcherConfig.Middleware, middleware...)
	}
}

// WithBaseURL sets the origin resource-path identifiers are fetched from.
func WithBaseURL(base string) Option {
	return func(p *Pipeline) {
		p.fetcherConfig.BaseURL = base
	}
}

// WithRetryPolicy replaces the retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(p *Pipeline) {
		p.fetcherConfig.Retry = policy
	}
}

// WithMaxAttempts sets the total number of attempts, first one included.
func WithMaxAttempts(n int) Option {
	return func(p *Pipeline) {
		p.fetcherConfig.Retry.MaxAttempts = n
	}
}

// WithBackoff sets the initial and maximum retry delay
func WithBackoff(initial, max time.Duration) Option {
	return func(p *Pipeline) {
		p.fetcherConfig.Retry.InitialBackoff = initial
		p.fetcherConfig.Retry.MaxBackoff = max
	}
}

// WithJitter sets the jitter factor for backoff (0.0 to 1.0)
func WithJitter(f float64) Option {
	return func(p *Pipeline) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		p.fetcherConfig.Retry.Jitter = f
	}
}

// WithRetryBudget bounds retries across all requests to maxRetries per interval.
func WithRetryBudget(maxRetries int, per time.Duration) Option {
	return func(p *Pipeline) {
		p.fetcherConfig.Budget = NewRetryBudget(maxRetries, per)
	}
}

// WithCircuitBreaker sets the default circuit breaker configuration
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(p *Pipeline) {
		p.fetcherConfig.Breaker = config
	}
}

// WithBucketCircuitBreaker overrides the breaker configuration of one bucket.
func WithBucketCircuitBreaker(bucket string, config CircuitBreakerConfig) Option {
	return func(p *Pipeline) {
		if p.fetcherConfig.BreakerOverrides == nil {
			p.fetcherConfig.BreakerOverrides = make(map[string]CircuitBreakerConfig)
		}
		p.fetcherConfig.BreakerOverrides[bucket] = config
	}
}

// WithThrottle sets the default per-bucket throttle limits.
func WithThrottle(limits ThrottleLimits) Option {
	return func(p *Pipeline) {
		p.governorConfig.Default = limits
	}
}

// WithBucketThrottle overrides the throttle limits of one bucket.
func WithBucketThrottle(bucket string, limits ThrottleLimits) Option {
	return func(p *Pipeline) {
		if p.governorConfig.Buckets == nil {
			p.governorConfig.Buckets = make(map[string]ThrottleLimits)
		}
		p.governorConfig.Buckets[bucket] = limits
	}
}

// WithThrottleIdleTTL sets how long idle buckets, and the closed circuit
// breakers guarding them, are kept before eviction.
func WithThrottleIdleTTL(d time.Duration) Option {
	return func(p *Pipeline) {
		p.governorConfig.IdleTTL = d
	}
}

// WithCacheCapacity sets the number of results held in memory.
func WithCacheCapacity(n int) Option {
	return func(p *Pipeline) {
		p.cacheConfig.Capacity = n
	}
}

// WithCacheShards sets the number of independently locked cache shards.
func WithCacheShards(n int) Option {
	return func(p *Pipeline) {
		p.cacheConfig.Shards = n
	}
}

// WithNegativeTTL sets how long permanent client errors are cached. Zero disables it.
func WithNegativeTTL(d time.Duration) Option {
	return func(p *Pipeline) {
		p.cacheConfig.NegativeTTL = d
	}
}

// WithCacheBackend adds a shared second cache tier.
func WithCacheBackend(b Backend) Option {
	return func(p *Pipeline) {
		p.cacheConfig.Backend = b
	}
}

// WithSealer encrypts values written to the cache backend.
func WithSealer(s Sealer) Option {
	return func(p *Pipeline) {
		p.cacheConfig.Sealer = s
	}
}

// WithDefaultTTL sets the cache lifetime of responses without freshness headers.
func WithDefaultTTL(d time.Duration) Option {
	return func(p *Pipeline) {
		p.fetcherConfig.DefaultTTL = d
	}
}

// WithMaxBodyBytes limits the size of response payloads.
func WithMaxBodyBytes(n int64) Option {
	return func(p *Pipeline) {
		p.fetcherConfig.MaxBodyBytes = n
	}
}

// WithDefaultTimeout bounds submissions that carry no deadline of their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.defaultTimeout = d
	}
}

// WithPolicyTrie sets the policy trie consulted for every submission.
func WithPolicyTrie(t *PolicyTrie) Option {
	return func(p *Pipeline) {
		p.policy = t
	}
}

// WithLogger sets the logger
func WithLogger(logger Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics enables Prometheus metrics collection
func WithMetrics() Option {
	return func(p *Pipeline) {
		p.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(p *Pipeline) {
		p.metrics = collector
	}
}

// WithTracer sets the OpenTelemetry tracer. Defaults to the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) {
		p.tracer = tracer
	}
}

// WithRequestIDGenerator sets the function generating submission ids.
func WithRequestIDGenerator(gen func() string) Option {
	return func(p *Pipeline) {
		p.requestID = gen
	}
}

// ValidateConfiguration checks the collected configuration and reports
// every problem at once.
func (p *Pipeline) ValidateConfiguration() error {
	var errs []string

	errs = append(errs, p.validateRetryConfig()...)
	errs = append(errs, p.validateBreakerConfig()...)
	errs = append(errs, p.validateThrottleConfig()...)
	errs = append(errs, p.validateCacheConfig()...)
	errs = append(errs, p.validateMiddlewareConfig()...)

	if p.defaultTimeout < 0 {
		errs = append(errs, "defaultTimeout must be non-negative")
	}
	if p.requestID == nil {
		errs = append(errs, "request id generator cannot be nil")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

func (p *Pipeline) validateRetryConfig() []string {
	var errs []string
	r := p.fetcherConfig.Retry

	if r.MaxAttempts < 0 {
		errs = append(errs, "maxAttempts must be non-negative")
	}
	if r.MaxAttempts > 100 {
		errs = append(errs, "maxAttempts > 100 may cause excessive resource usage")
	}
	if r.InitialBackoff < 0 || r.MaxBackoff < 0 {
		errs = append(errs, "backoff durations must be non-negative")
	}
	if r.InitialBackoff > 0 && r.MaxBackoff > 0 && r.MaxBackoff < r.InitialBackoff {
		errs = append(errs, "maxBackoff must be greater than or equal to initialBackoff")
	}
	if r.Multiplier < 0 {
		errs = append(errs, "backoff multiplier must be non-negative")
	}
	return errs
}

func (p *Pipeline) validateBreakerConfig() []string {
	var errs []string
	check := func(name string, c CircuitBreakerConfig) {
		if c.FailureThreshold < 0 || c.HalfOpenProbes < 0 || c.SuccessThreshold < 0 {
			errs = append(errs, fmt.Sprintf("circuitBreaker %s thresholds must be non-negative", name))
		}
		if c.CoolDown < 0 {
			errs = append(errs, fmt.Sprintf("circuitBreaker %s coolDown must be non-negative", name))
		}
	}
	check("default", p.fetcherConfig.Breaker)
	for bucket, c := range p.fetcherConfig.BreakerOverrides {
		check(bucket, c)
	}
	return errs
}

func (p *Pipeline) validateThrottleConfig() []string {
	var errs []string
	check := func(name string, l ThrottleLimits) {
		if l.MaxConcurrent < 0 {
			errs = append(errs, fmt.Sprintf("throttle %s maxConcurrent must be non-negative", name))
		}
		if l.Burst < 0 {
			errs = append(errs, fmt.Sprintf("throttle %s burst must be non-negative", name))
		}
	}
	check("default", p.governorConfig.Default)
	for bucket, l := range p.governorConfig.Buckets {
		if bucket == "" {
			errs = append(errs, "throttle bucket name cannot be empty")
		}
		check(bucket, l)
	}
	return errs
}

func (p *Pipeline) validateCacheConfig() []string {
	var errs []string
	if p.cacheConfig.Capacity < 0 {
		errs = append(errs, "cache capacity must be non-negative")
	}
	if p.cacheConfig.Shards < 0 {
		errs = append(errs, "cache shards must be non-negative")
	}
	if p.cacheConfig.NegativeTTL < 0 {
		errs = append(errs, "negativeTTL must be non-negative")
	}
	if p.fetcherConfig.DefaultTTL < 0 {
		errs = append(errs, "defaultTTL must be non-negative")
	}
	if p.fetcherConfig.MaxBodyBytes < 0 {
		errs = append(errs, "maxBodyBytes must be non-negative")
	}
	return errs
}

func (p *Pipeline) validateMiddlewareConfig() []string {
	var errs []string
	for i, m := range p.fetcherConfig.Middleware {
		if m == nil {
			errs = append(errs, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}
	return errs
}
