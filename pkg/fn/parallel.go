package fn

import "golang.org/x/sync/errgroup"

// ParMap applies f to each item with at most workers goroutines, preserving
// order. workers <= 0 means one goroutine per item.
func ParMap[T, U any](items []T, workers int, f func(T) U) []U {
	out := make([]U, len(items))
	var g errgroup.Group
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, v := range items {
		g.Go(func() error {
			out[i] = f(v)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
