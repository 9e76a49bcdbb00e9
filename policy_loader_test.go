package kurir

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePolicy = `
routes:
  - prefix: https://api.example.com/repositories/
    action: allow
    operations: [read, UPDATE]
    bucket: repositories
    ttl: 30s
    header:
      X-Api-Key: secret
  - prefix: /consumers/
    action: transform
    rewrite: https://mirror.example.com/consumers/
  - prefix: https://api.example.com/admin
    action: deny
    reason: admin is internal
`

func TestParsePolicy(t *testing.T) {
	entries, err := ParsePolicy([]byte(samplePolicy))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	repo := entries[0].Decision
	assert.Equal(t, ActionAllow, repo.Action)
	assert.Equal(t, []Operation{OpRead, OpUpdate}, repo.Operations)
	assert.Equal(t, "repositories", repo.Bucket)
	assert.Equal(t, 30*time.Second, repo.TTL)
	assert.Equal(t, "secret", repo.Header.Get("X-Api-Key"))

	assert.Equal(t, ActionTransform, entries[1].Decision.Action)
	assert.Equal(t, "admin is internal", entries[2].Decision.Reason)

	empty, err := ParsePolicy(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestParsePolicyRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown action", "routes:\n  - prefix: /a\n    action: maybe\n"},
		{"unknown operation", "routes:\n  - prefix: /a\n    action: allow\n    operations: [FLY]\n"},
		{"bad ttl", "routes:\n  - prefix: /a\n    action: allow\n    ttl: soon\n"},
		{"negative ttl", "routes:\n  - prefix: /a\n    action: allow\n    ttl: -1s\n"},
		{"transform without rewrite", "routes:\n  - prefix: /a\n    action: transform\n"},
		{"unknown field", "routes:\n  - prefix: /a\n    action: allow\n    colour: red\n"},
		{"not yaml", "routes: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidPolicy)
			assert.True(t, IsPermanent(err))
		})
	}
}

func TestMarshalPolicyRoundTrip(t *testing.T) {
	entries, err := ParsePolicy([]byte(samplePolicy))
	require.NoError(t, err)

	data, err := MarshalPolicy(entries)
	require.NoError(t, err)

	again, err := ParsePolicy(data)
	require.NoError(t, err)
	assert.Equal(t, entries, again)
}

func writePolicy(t *testing.T, path, doc string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(doc), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestPolicyWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writePolicy(t, path, "routes:\n  - prefix: https://a.example/\n    action: allow\n")

	reloads := make(chan error, 64)
	metrics := NewMetricsCollector()
	trie := NewPolicyTrie()
	w, err := WatchPolicy(path, trie, PolicyWatcherConfig{
		Debounce: 10 * time.Millisecond,
		OnReload: func(err error) { reloads <- err },
		Metrics:  metrics,
	})
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, <-reloads)

	a := MustCanonicalize("https://a.example/x")
	b := MustCanonicalize("https://b.example/x")
	assert.True(t, trie.Resolve(a).Matched)
	assert.False(t, trie.Resolve(b).Matched)

	writePolicy(t, path, "routes:\n  - prefix: https://b.example/\n    action: allow\n")
	require.Eventually(t, func() bool { return trie.Resolve(b).Matched }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, trie.Resolve(a).Matched)
	assert.True(t, trie.Resolve(b).Matched)

	writePolicy(t, path, "routes:\n  - prefix: https://c.example/\n    action: bogus\n")
	require.Eventually(t, func() bool {
		for {
			select {
			case err := <-reloads:
				if errors.Is(err, ErrInvalidPolicy) {
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 5*time.Millisecond, "broken policy was not noticed")
	assert.True(t, trie.Resolve(b).Matched, "a broken file keeps the last good policy")
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.policyReloads.WithLabelValues("error")), float64(1))
}

func TestWatchPolicyRequiresReadableFile(t *testing.T) {
	_, err := WatchPolicy(filepath.Join(t.TempDir(), "missing.yaml"), NewPolicyTrie(), PolicyWatcherConfig{})
	assert.Error(t, err)
}

func TestNewPolicyRoute(t *testing.T) {
	r := NewPolicyRoute(RouteEntry{
		Prefix: "/a",
		Decision: Decision{
			Action:     ActionAllow,
			Operations: []Operation{OpRead},
			TTL:        time.Minute,
			Header:     http.Header{"X-K": {"v"}},
		},
	})
	assert.Equal(t, PolicyRoute{
		Prefix:     "/a",
		Action:     "allow",
		Operations: []string{"READ"},
		TTL:        "1m0s",
		Header:     map[string]string{"X-K": "v"},
	}, r)
}
