package kurir

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsApply(t *testing.T) {
	trie := NewPolicyTrie()
	metrics := NewMetricsCollector()
	client := &http.Client{}

	p, err := NewPipeline(
		WithHTTPClient(client),
		WithBaseURL("https://origin.example.com"),
		WithMaxAttempts(5),
		WithBackoff(10*time.Millisecond, time.Second),
		WithJitter(1.5),
		WithBucketCircuitBreaker("slow", CircuitBreakerConfig{FailureThreshold: 1}),
		WithThrottle(ThrottleLimits{MaxConcurrent: 3}),
		WithBucketThrottle("slow", ThrottleLimits{MaxConcurrent: 1}),
		WithThrottleIdleTTL(time.Minute),
		WithCacheCapacity(64),
		WithCacheShards(4),
		WithNegativeTTL(0),
		WithDefaultTTL(time.Minute),
		WithMaxBodyBytes(1024),
		WithDefaultTimeout(time.Second),
		WithPolicyTrie(trie),
		WithMetricsCollector(metrics),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	assert.Same(t, client, p.fetcherConfig.Transport)
	assert.Equal(t, "https://origin.example.com", p.fetcherConfig.BaseURL)
	assert.Equal(t, 5, p.fetcherConfig.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, p.fetcherConfig.Retry.InitialBackoff)
	assert.Equal(t, time.Second, p.fetcherConfig.Retry.MaxBackoff)
	assert.Equal(t, 1.0, p.fetcherConfig.Retry.Jitter, "jitter is clamped")
	assert.Equal(t, 1, p.fetcherConfig.BreakerOverrides["slow"].FailureThreshold)
	assert.Equal(t, 3, p.governorConfig.Default.MaxConcurrent)
	assert.Equal(t, 1, p.governorConfig.Buckets["slow"].MaxConcurrent)
	assert.Equal(t, time.Minute, p.governorConfig.IdleTTL)
	assert.Equal(t, 64, p.cacheConfig.Capacity)
	assert.Equal(t, 4, p.cacheConfig.Shards)
	assert.Zero(t, p.cacheConfig.NegativeTTL)
	assert.Equal(t, time.Minute, p.fetcherConfig.DefaultTTL)
	assert.Equal(t, int64(1024), p.fetcherConfig.MaxBodyBytes)
	assert.Equal(t, time.Second, p.defaultTimeout)
	assert.Same(t, trie, p.Policy())
	assert.Same(t, metrics, p.Metrics())
}

func TestWithJitterClampsBelowZero(t *testing.T) {
	p := &Pipeline{}
	WithJitter(-0.5)(p)
	assert.Zero(t, p.fetcherConfig.Retry.Jitter)
}

func TestValidateConfiguration(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want string
	}{
		{"negative attempts", []Option{WithMaxAttempts(-1)}, "maxAttempts must be non-negative"},
		{"too many attempts", []Option{WithMaxAttempts(101)}, "maxAttempts > 100"},
		{"inverted backoff", []Option{WithBackoff(time.Second, time.Millisecond)}, "maxBackoff must be greater"},
		{"negative breaker", []Option{WithCircuitBreaker(CircuitBreakerConfig{CoolDown: -1})}, "coolDown must be non-negative"},
		{"negative throttle", []Option{WithThrottle(ThrottleLimits{Burst: -1})}, "burst must be non-negative"},
		{"negative shards", []Option{WithCacheShards(-1)}, "cache shards must be non-negative"},
		{"negative ttl", []Option{WithNegativeTTL(-time.Second)}, "negativeTTL must be non-negative"},
		{"negative body", []Option{WithMaxBodyBytes(-1)}, "maxBodyBytes must be non-negative"},
		{"negative timeout", []Option{WithDefaultTimeout(-time.Second)}, "defaultTimeout must be non-negative"},
		{"nil id generator", []Option{WithRequestIDGenerator(nil)}, "request id generator cannot be nil"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPipeline(tt.opts...)
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
