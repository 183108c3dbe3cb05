package fn

import (
	"context"
	"sync"
)

// ParMapCtx applies f to every item on at most workers goroutines and
// returns the Results in input order. Once ctx is done no new item is
// started; those items get an error Result carrying ctx.Err(). Work already
// running is waited for. workers <= 0 means one goroutine per item.
func ParMapCtx[T, U any](ctx context.Context, items []T, workers int, f func(context.Context, T) Result[U]) []Result[U] {
	out := make([]Result[U], len(items))
	if len(items) == 0 {
		return out
	}
	if workers <= 0 || workers > len(items) {
		workers = len(items)
	}

	next := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				if err := ctx.Err(); err != nil {
					out[i] = Err[U](err)
					continue
				}
				out[i] = f(ctx, items[i])
			}
		}()
	}

	i := 0
feed:
	for ; i < len(items); i++ {
		select {
		case next <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(next)
	wg.Wait()

	for ; i < len(items); i++ {
		out[i] = Err[U](ctx.Err())
	}
	return out
}
