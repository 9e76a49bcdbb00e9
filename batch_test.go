package kurir

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitBatchKeepsOrderAndIsolatesFailures(t *testing.T) {
	var current, peak atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, r.URL.Path)
	}))
	defer server.Close()

	p := newTestPipeline(t)
	raws := []string{
		server.URL + "/a",
		"::not an identifier",
		server.URL + "/missing",
		server.URL + "/b",
		server.URL + "/c",
	}

	results := p.SubmitBatch(context.Background(), raws, 2)
	require.Len(t, results, len(raws))

	for i, r := range results {
		assert.Equal(t, raws[i], r.Raw)
	}
	assert.Equal(t, "/a", string(results[0].Result.Payload))
	assert.ErrorIs(t, results[1].Err, ErrInvalidIdentifier)
	assert.ErrorIs(t, results[2].Err, ErrFetch)
	assert.Equal(t, "/b", string(results[3].Result.Payload))
	assert.Equal(t, "/c", string(results[4].Result.Payload))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestSubmitBatchCancelled(t *testing.T) {
	p := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := p.SubmitBatch(ctx, []string{"https://example.com/a", "https://example.com/b"}, 1)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}
