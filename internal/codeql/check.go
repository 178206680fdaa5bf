package codeql

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// CheckAll runs every query and returns results in input order. workers <= 1
// runs sequentially. Execution failures abort the batch; query failures do
// not.
func (r *Runner) CheckAll(ctx context.Context, paths []string, workers int) ([]*QueryResult, error) {
	results := make([]*QueryResult, len(paths))
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range paths {
		g.Go(func() error {
			res, err := r.RunQuery(gctx, p, "")
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Failed filters results that did not pass.
func Failed(results []*QueryResult) []*QueryResult {
	var out []*QueryResult
	for _, r := range results {
		if r != nil && !r.OK {
			out = append(out, r)
		}
	}
	return out
}
