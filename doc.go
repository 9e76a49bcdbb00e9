// Package kurir is a resilient fetch pipeline. A submitted identifier flows
// through these stages:
//
//   - Canonicalize normalizes the raw identifier so equivalent inputs share a key
//   - the PolicyTrie resolves the longest matching prefix to allow, deny or transform
//   - the Cache answers from memory or a shared Redis tier, coalescing concurrent misses
//   - the Governor bounds concurrency and rate per bucket
//   - the Fetcher retries transient failures with backoff behind a per-bucket circuit breaker
//
// Cached values written to a shared backend can be sealed with a Keyring so a
// tampered or foreign entry is rejected instead of served. Results encode to
// a compact protobuf wire format (MarshalResult, StreamEncoder) for storage
// and transfer.
//
// Typical usage:
//
//	p, err := kurir.NewPipeline(
//	    kurir.WithMaxAttempts(3),
//	    kurir.WithThrottle(kurir.ThrottleLimits{MaxConcurrent: 8, Rate: 20}),
//	    kurir.WithCacheCapacity(4096),
//	    kurir.WithMetrics(),
//	)
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	res, err := p.Submit(ctx, "https://api.example.com/data?b=2&a=1")
//
// Every error returned by Submit matches one sentinel through errors.Is, and
// IsTransient tells whether trying again later may succeed.
package kurir
