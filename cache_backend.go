package kurir

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend is a shared byte store with per-key expiry used as the second
// cache tier.
type Backend interface {
	// Get returns the value for key; ok is false when it is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Close() error
}

// RedisBackend stores cache entries in Redis under a key prefix.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// RedisOptions configures NewRedisBackend.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	Prefix       string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(ctx context.Context, opts RedisOptions) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kurir: connect to redis %s: %w", opts.Addr, err)
	}
	return NewRedisBackendFromClient(client, opts.Prefix), nil
}

// NewRedisBackendFromClient wraps an existing client. An empty prefix uses "kurir:".
func NewRedisBackendFromClient(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "kurir:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kurir: redis get: %w", err)
	}
	return v, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := b.client.Set(ctx, b.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kurir: redis set: %w", err)
	}
	return nil
}

func (b *RedisBackend) Del(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.prefix+key).Err(); err != nil {
		return fmt.Errorf("kurir: redis del: %w", err)
	}
	return nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// backendGet reads a fresh entry from the backend. Outages and undecodable
// values count as misses; a value that fails verification is deleted and
// its error returned.
func (c *Cache) backendGet(ctx context.Context, key string) (*FetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.BackendTimeout)
	defer cancel()

	backend := c.config.Backend
	raw, ok, err := backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Cache backend read failed", "key", key, "error", err)
		return nil, nil
	}
	if !ok {
		return nil, nil
	}

	data := raw
	if c.config.Sealer != nil {
		data, err = c.config.Sealer.Open(raw)
		if err != nil {
			reason := "unknown"
			var ve *VerificationError
			if errors.As(err, &ve) {
				reason = ve.Reason
			}
			c.metrics.RecordVerificationFailure(reason)
			c.logger.Error("Cache backend entry failed verification", "key", key, "error", err)
			if derr := backend.Del(ctx, key); derr != nil {
				c.logger.Warn("Cache backend delete failed", "key", key, "error", derr)
			}
			return nil, err
		}
	}

	res, err := UnmarshalResult(data)
	if err != nil {
		c.logger.Warn("Cache backend entry undecodable", "key", key, "error", err)
		_ = backend.Del(ctx, key)
		return nil, nil
	}
	if !c.now().Before(res.FetchedAt.Add(res.TTL)) {
		return nil, nil
	}
	return res, nil
}

func (c *Cache) backendDel(ctx context.Context, key string) error {
	if c.config.Backend == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.BackendTimeout)
	defer cancel()
	return c.config.Backend.Del(ctx, key)
}

func (c *Cache) backendSet(ctx context.Context, key string, res *FetchResult) {
	backend := c.config.Backend
	if backend == nil {
		return
	}
	ttl := res.FetchedAt.Add(res.TTL).Sub(c.now())
	if ttl <= 0 {
		return
	}

	data, err := MarshalResult(res)
	if err != nil {
		c.logger.Warn("Cache backend encode failed", "key", key, "error", err)
		return
	}
	if c.config.Sealer != nil {
		if data, err = c.config.Sealer.Seal(data); err != nil {
			c.logger.Error("Cache backend seal failed", "key", key, "error", err)
			return
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.BackendTimeout)
	defer cancel()
	if err := backend.Set(ctx, key, data, ttl); err != nil {
		c.logger.Warn("Cache backend write failed", "key", key, "error", err)
	}
}
