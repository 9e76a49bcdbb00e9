package kurir

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ambiyansyah-risyal/kurir/internal/backoff"
)

// EnvPrefix prefixes environment overrides, e.g. KURIR_FETCH_TIMEOUT.
const EnvPrefix = "KURIR"

// Config is the file and environment configuration of the kurir binary.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Throttle ThrottleConfig `mapstructure:"throttle"`
	Cache    CacheSettings  `mapstructure:"cache"`
}

// ServerConfig stores the HTTP boundary settings
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// PolicyConfig locates the policy file.
type PolicyConfig struct {
	File          string `mapstructure:"file"`
	Watch         bool   `mapstructure:"watch"`
	DefaultAction string `mapstructure:"default_action"`
}

type FetchConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	Multiplier        float64       `mapstructure:"multiplier"`
	Jitter            float64       `mapstructure:"jitter"`
	Strategy          string        `mapstructure:"strategy"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	DefaultTTL        time.Duration `mapstructure:"default_ttl"`
	RetryBudget       int           `mapstructure:"retry_budget"`
	RetryBudgetWindow time.Duration `mapstructure:"retry_budget_window"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	CoolDown         time.Duration `mapstructure:"cool_down"`
	HalfOpenProbes   int           `mapstructure:"half_open_probes"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
}

// ThrottleConfig holds default limits and per-bucket overrides.
type ThrottleConfig struct {
	MaxConcurrent int                            `mapstructure:"max_concurrent"`
	Rate          float64                        `mapstructure:"rate"`
	Burst         int                            `mapstructure:"burst"`
	IdleTTL       time.Duration                  `mapstructure:"idle_ttl"`
	Buckets       map[string]ThrottleBucketLimit `mapstructure:"buckets"`
}

type ThrottleBucketLimit struct {
	MaxConcurrent int     `mapstructure:"max_concurrent"`
	Rate          float64 `mapstructure:"rate"`
	Burst         int     `mapstructure:"burst"`
}

type CacheSettings struct {
	Capacity    int           `mapstructure:"capacity"`
	Shards      int           `mapstructure:"shards"`
	NegativeTTL time.Duration `mapstructure:"negative_ttl"`
	Redis       RedisSettings `mapstructure:"redis"`
	// Keys seal backend values. The first key seals; the rest only open.
	Keys []KeySettings `mapstructure:"keys"`
}

type RedisSettings struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KeySettings struct {
	ID string `mapstructure:"id"`
	// Secret is base64 encoded.
	Secret string `mapstructure:"secret"`
	// NotAfter is an optional RFC 3339 expiry.
	NotAfter string `mapstructure:"not_after"`
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("policy.file", "")
	v.SetDefault("policy.watch", true)
	v.SetDefault("policy.default_action", "deny")
	v.SetDefault("fetch.base_url", "")
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.initial_backoff", "100ms")
	v.SetDefault("fetch.max_backoff", "5s")
	v.SetDefault("fetch.multiplier", 2.0)
	v.SetDefault("fetch.jitter", 0.2)
	v.SetDefault("fetch.strategy", "exponential")
	v.SetDefault("fetch.max_body_bytes", 32<<20)
	v.SetDefault("fetch.default_ttl", "5m")
	v.SetDefault("fetch.retry_budget", 0)
	v.SetDefault("fetch.retry_budget_window", "1s")
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cool_down", "30s")
	v.SetDefault("breaker.half_open_probes", 1)
	v.SetDefault("breaker.success_threshold", 1)
	v.SetDefault("throttle.max_concurrent", 4)
	v.SetDefault("throttle.rate", 0)
	v.SetDefault("throttle.burst", 0)
	v.SetDefault("throttle.idle_ttl", "5m")
	v.SetDefault("cache.capacity", 1024)
	v.SetDefault("cache.shards", 16)
	v.SetDefault("cache.negative_ttl", "5s")
	v.SetDefault("cache.redis.addr", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.prefix", "kurir:")
}

// LoadConfig reads configuration from path (YAML, JSON or TOML) and the
// environment. An empty path looks for kurir.yaml in the working directory
// and /etc/kurir; a missing file is not an error then.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setConfigDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("kurir")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/kurir")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: read config: %w", ErrInvalidConfig, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode config: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if action, err := ParseAction(c.Policy.DefaultAction); err != nil {
		errs = append(errs, fmt.Sprintf("policy.default_action: %v", err))
	} else if action == ActionTransform {
		errs = append(errs, "policy.default_action cannot be transform")
	}
	if c.Fetch.Timeout < 0 {
		errs = append(errs, "fetch.timeout must be non-negative")
	}
	if c.Fetch.MaxAttempts < 1 {
		errs = append(errs, "fetch.max_attempts must be at least 1")
	}
	if c.Fetch.MaxBackoff < c.Fetch.InitialBackoff {
		errs = append(errs, "fetch.max_backoff must be greater than or equal to fetch.initial_backoff")
	}
	if c.Fetch.Jitter < 0 || c.Fetch.Jitter > 1 {
		errs = append(errs, "fetch.jitter must be between 0 and 1")
	}
	switch c.Fetch.Strategy {
	case "", "exponential", "decorrelated", "decorrelated_jitter", "constant":
	default:
		errs = append(errs, fmt.Sprintf("fetch.strategy %q is unknown", c.Fetch.Strategy))
	}
	if c.Fetch.RetryBudget < 0 {
		errs = append(errs, "fetch.retry_budget must be non-negative")
	}
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, "breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.CoolDown <= 0 {
		errs = append(errs, "breaker.cool_down must be positive")
	}
	if c.Throttle.MaxConcurrent < 1 {
		errs = append(errs, "throttle.max_concurrent must be at least 1")
	}
	if c.Throttle.Rate < 0 {
		errs = append(errs, "throttle.rate must be non-negative")
	}
	for name, b := range c.Throttle.Buckets {
		if b.MaxConcurrent < 0 || b.Rate < 0 || b.Burst < 0 {
			errs = append(errs, fmt.Sprintf("throttle.buckets.%s limits must be non-negative", name))
		}
	}
	if c.Cache.Capacity < 1 {
		errs = append(errs, "cache.capacity must be at least 1")
	}
	if c.Cache.NegativeTTL < 0 {
		errs = append(errs, "cache.negative_ttl must be non-negative")
	}
	seen := make(map[string]bool)
	for i, k := range c.Cache.Keys {
		if k.ID == "" {
			errs = append(errs, fmt.Sprintf("cache.keys[%d].id is required", i))
		}
		if seen[k.ID] {
			errs = append(errs, fmt.Sprintf("cache.keys[%d].id %q is duplicated", i, k.ID))
		}
		seen[k.ID] = true
		if _, err := base64.StdEncoding.DecodeString(k.Secret); err != nil || k.Secret == "" {
			errs = append(errs, fmt.Sprintf("cache.keys[%d].secret must be base64", i))
		}
		if k.NotAfter != "" {
			if _, err := time.Parse(time.RFC3339, k.NotAfter); err != nil {
				errs = append(errs, fmt.Sprintf("cache.keys[%d].not_after must be RFC 3339", i))
			}
		}
	}
	if len(c.Cache.Keys) > 0 && c.Cache.Redis.Addr == "" {
		errs = append(errs, "cache.keys requires cache.redis.addr")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// Keyring builds the sealing keyring, nil when no keys are configured.
func (c *Config) Keyring() (*Keyring, error) {
	if len(c.Cache.Keys) == 0 {
		return nil, nil
	}
	keys := make([]Key, 0, len(c.Cache.Keys))
	for _, ks := range c.Cache.Keys {
		secret, err := base64.StdEncoding.DecodeString(ks.Secret)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %w", ErrInvalidConfig, ks.ID, err)
		}
		var notAfter time.Time
		if ks.NotAfter != "" {
			if notAfter, err = time.Parse(time.RFC3339, ks.NotAfter); err != nil {
				return nil, fmt.Errorf("%w: key %q: %w", ErrInvalidConfig, ks.ID, err)
			}
		}
		k, err := NewKey(ks.ID, secret, notAfter)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		keys = append(keys, k)
	}
	return NewKeyring(keys[0], keys[1:]...)
}

// PolicyTrie returns an empty trie using the configured default action.
func (c *Config) PolicyTrie() *PolicyTrie {
	action, _ := ParseAction(c.Policy.DefaultAction)
	d := Decision{Action: action}
	if action == ActionDeny {
		d.Reason = "no matching policy"
	}
	return NewPolicyTrie(WithDefaultDecision(d))
}

// PipelineOptions translates the configuration into pipeline options. It
// connects to Redis when a backend is configured; the returned pipeline
// owns that connection and closes it.
func (c *Config) PipelineOptions(ctx context.Context) ([]Option, error) {
	opts := []Option{
		WithDefaultTimeout(c.Fetch.Timeout),
		WithRetryPolicy(RetryPolicy{
			MaxAttempts:    c.Fetch.MaxAttempts,
			InitialBackoff: c.Fetch.InitialBackoff,
			MaxBackoff:     c.Fetch.MaxBackoff,
			Multiplier:     c.Fetch.Multiplier,
			Jitter:         c.Fetch.Jitter,
			Strategy:       backoff.ByName(c.Fetch.Strategy),
		}),
		WithCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: c.Breaker.FailureThreshold,
			CoolDown:         c.Breaker.CoolDown,
			HalfOpenProbes:   c.Breaker.HalfOpenProbes,
			SuccessThreshold: c.Breaker.SuccessThreshold,
		}),
		WithThrottle(ThrottleLimits{
			MaxConcurrent: c.Throttle.MaxConcurrent,
			Rate:          c.Throttle.Rate,
			Burst:         c.Throttle.Burst,
		}),
		WithThrottleIdleTTL(c.Throttle.IdleTTL),
		WithCacheCapacity(c.Cache.Capacity),
		WithCacheShards(c.Cache.Shards),
		WithNegativeTTL(c.Cache.NegativeTTL),
		WithDefaultTTL(c.Fetch.DefaultTTL),
		WithMaxBodyBytes(c.Fetch.MaxBodyBytes),
	}
	if c.Fetch.BaseURL != "" {
		opts = append(opts, WithBaseURL(c.Fetch.BaseURL))
	}
	if c.Fetch.RetryBudget > 0 {
		opts = append(opts, WithRetryBudget(c.Fetch.RetryBudget, c.Fetch.RetryBudgetWindow))
	}
	for name, b := range c.Throttle.Buckets {
		opts = append(opts, WithBucketThrottle(name, ThrottleLimits{
			MaxConcurrent: b.MaxConcurrent,
			Rate:          b.Rate,
			Burst:         b.Burst,
		}))
	}

	kr, err := c.Keyring()
	if err != nil {
		return nil, err
	}
	if kr != nil {
		opts = append(opts, WithSealer(kr))
	}

	if c.Cache.Redis.Addr != "" {
		backend, err := NewRedisBackend(ctx, RedisOptions{
			Addr:     c.Cache.Redis.Addr,
			Password: c.Cache.Redis.Password,
			DB:       c.Cache.Redis.DB,
			Prefix:   c.Cache.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithCacheBackend(backend))
	}
	return opts, nil
}
