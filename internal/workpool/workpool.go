// Package workpool runs independent, indexed jobs on a bounded number of
// goroutines. Callers write results into a slice at the job's index, so
// output order always matches input order whatever the execution order.
package workpool

import (
	"context"
	"sync"
)

// Run calls do(ctx, i) for every i in [0, n) using at most workers
// goroutines. Once ctx is done no further index is handed out; skip is
// called with the context error for every index that never ran. Run
// returns after all started jobs finish.
func Run(ctx context.Context, n, workers int, do func(ctx context.Context, i int), skip func(i int, err error)) {
	if n == 0 {
		return
	}
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				do(ctx, i)
			}
		}()
	}

	next := 0
submit:
	for ; next < n; next++ {
		if ctx.Err() != nil {
			break
		}
		select {
		case jobs <- next:
		case <-ctx.Done():
			break submit
		}
	}
	close(jobs)
	wg.Wait()

	if next < n && skip != nil {
		err := ctx.Err()
		for i := next; i < n; i++ {
			skip(i, err)
		}
	}
}
