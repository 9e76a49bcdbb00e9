package kurir

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BatchResult is the outcome of one identifier in a batch.
type BatchResult struct {
	Raw    string
	Result *FetchResult
	Err    error
}

// SubmitBatch submits every identifier with at most parallelism in flight
// and returns one result per input, in input order. A failed item does not
// stop the others. parallelism <= 0 means 8.
func (p *Pipeline) SubmitBatch(ctx context.Context, raws []string, parallelism int, opts ...SubmitOption) []BatchResult {
	if parallelism <= 0 {
		parallelism = 8
	}

	results := make([]BatchResult, len(raws))
	var g errgroup.Group
	g.SetLimit(parallelism)
	for i, raw := range raws {
		results[i].Raw = raw
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Result, results[i].Err = p.Submit(ctx, raw, opts...)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
