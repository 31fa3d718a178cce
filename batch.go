package gentlefetch

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var batchSeq atomic.Uint64

// BatchExecute runs reqs with at most maxConcurrent in flight and returns
// one Result per request in input order. Requests are admitted in input
// order; a failure never cancels its siblings. A maxConcurrent below one
// means the client default.
func (c *Client) BatchExecute(ctx context.Context, reqs []*Request, maxConcurrent int, opts CacheOptions) []Result {
	results := make([]Result, len(reqs))
	if len(reqs) == 0 {
		return results
	}
	if maxConcurrent < 1 {
		maxConcurrent = c.maxConcurrent
	}
	workers := min(maxConcurrent, len(reqs))

	queue := make(chan int)
	batch := batchSeq.Add(1)

	// Workers never return an error, so the group never cancels siblings.
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		lane := fmt.Sprintf("batch-%d-worker-%d", batch, w)
		wctx := WithLane(ctx, lane)
		g.Go(func() error {
			defer c.limiter.Forget(lane)
			for i := range queue {
				resp, err := c.Execute(wctx, reqs[i], opts)
				results[i] = Result{Response: resp, Err: err}
			}
			return nil
		})
	}

	for i := range reqs {
		queue <- i
	}
	close(queue)
	_ = g.Wait()

	c.logger.Info("batch finished", "requests", len(reqs), "workers", workers)
	return results
}

// BatchGet fetches urls concurrently. See BatchExecute.
func (c *Client) BatchGet(ctx context.Context, urls []string, maxConcurrent int, opts CacheOptions) []Result {
	reqs := make([]*Request, len(urls))
	for i, u := range urls {
		reqs[i] = NewGetRequest(u, nil)
	}
	return c.BatchExecute(ctx, reqs, maxConcurrent, opts)
}
