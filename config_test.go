package kurir

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kurir.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func secret(b byte) string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat(string(b), 32)))
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "deny", cfg.Policy.DefaultAction)
	assert.Equal(t, 30*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 3, cfg.Fetch.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Fetch.InitialBackoff)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 4, cfg.Throttle.MaxConcurrent)
	assert.Equal(t, 1024, cfg.Cache.Capacity)
	assert.Equal(t, 5*time.Second, cfg.Cache.NegativeTTL)
	assert.Equal(t, "kurir:", cfg.Cache.Redis.Prefix)
}

func TestLoadConfigFileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: 127.0.0.1:9000
policy:
  default_action: allow
fetch:
  timeout: 2s
  strategy: constant
throttle:
  max_concurrent: 2
  buckets:
    mirror:
      max_concurrent: 1
      rate: 5
`)
	t.Setenv("KURIR_FETCH_MAX_ATTEMPTS", "7")
	t.Setenv("KURIR_CACHE_CAPACITY", "10")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "allow", cfg.Policy.DefaultAction)
	assert.Equal(t, 2*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, "constant", cfg.Fetch.Strategy)
	assert.Equal(t, 7, cfg.Fetch.MaxAttempts)
	assert.Equal(t, 10, cfg.Cache.Capacity)
	require.Contains(t, cfg.Throttle.Buckets, "mirror")
	assert.Equal(t, ThrottleBucketLimit{MaxConcurrent: 1, Rate: 5}, cfg.Throttle.Buckets["mirror"])
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigValidateAggregatesErrors(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	cfg.Server.Addr = ""
	cfg.Policy.DefaultAction = "transform"
	cfg.Fetch.MaxAttempts = 0
	cfg.Fetch.Jitter = 2
	cfg.Fetch.Strategy = "fibonacci"
	cfg.Cache.Keys = []KeySettings{{ID: "k1", Secret: "%%%"}, {ID: "k1", Secret: secret('a'), NotAfter: "tomorrow"}}

	err = cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	for _, want := range []string{
		"server.addr is required",
		"policy.default_action cannot be transform",
		"fetch.max_attempts must be at least 1",
		"fetch.jitter must be between 0 and 1",
		`fetch.strategy "fibonacci" is unknown`,
		"cache.keys[0].secret must be base64",
		`cache.keys[1].id "k1" is duplicated`,
		"cache.keys[1].not_after must be RFC 3339",
		"cache.keys requires cache.redis.addr",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestConfigKeyring(t *testing.T) {
	cfg := &Config{Cache: CacheSettings{Keys: []KeySettings{
		{ID: "new", Secret: secret('n')},
		{ID: "old", Secret: secret('o'), NotAfter: "2999-01-01T00:00:00Z"},
	}}}

	kr, err := cfg.Keyring()
	require.NoError(t, err)
	require.NotNil(t, kr)
	assert.Equal(t, "new", kr.ActiveID())

	empty, err := (&Config{}).Keyring()
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestConfigPolicyTrieDefault(t *testing.T) {
	cfg := &Config{Policy: PolicyConfig{DefaultAction: "allow"}}
	assert.Equal(t, ActionAllow, cfg.PolicyTrie().Default().Action)

	cfg.Policy.DefaultAction = "deny"
	d := cfg.PolicyTrie().Default()
	assert.Equal(t, ActionDeny, d.Action)
	assert.NotEmpty(t, d.Reason)
}

func TestConfigPipelineOptionsWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg, err := LoadConfig(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	cfg.Cache.Redis.Addr = mr.Addr()
	cfg.Cache.Keys = []KeySettings{{ID: "k1", Secret: secret('k')}}
	cfg.Throttle.Buckets = map[string]ThrottleBucketLimit{"mirror": {MaxConcurrent: 1}}
	require.NoError(t, cfg.Validate())

	opts, err := cfg.PipelineOptions(context.Background())
	require.NoError(t, err)

	p, err := NewPipeline(append(opts, WithPolicyTrie(cfg.PolicyTrie()))...)
	require.NoError(t, err)
	assert.NotNil(t, p.cacheConfig.Backend)
	assert.NotNil(t, p.cacheConfig.Sealer)
	assert.Equal(t, ActionDeny, p.Policy().Default().Action)
	require.NoError(t, p.Close())
}

func TestConfigPipelineOptionsRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := &Config{Cache: CacheSettings{Redis: RedisSettings{Addr: addr}}}
	_, err := cfg.PipelineOptions(context.Background())
	assert.Error(t, err)
}
