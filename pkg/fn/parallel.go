package fn

import "sync"

// ParMap applies f to each item with at most workers goroutines in flight,
// preserving order. workers <= 0 means one goroutine per item. Failure
// isolation is the caller's concern: f should fold errors into U rather
// than panic, so one item cannot abort its siblings.
func ParMap[T, U any](items []T, workers int, f func(T) U) []U {
	out := make([]U, len(items))
	if len(items) == 0 {
		return out
	}
	if workers <= 0 {
		workers = len(items)
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for i, v := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, v T) {
			defer func() { <-sem; wg.Done() }()
			out[i] = f(v)
		}(i, v)
	}
	wg.Wait()
	return out
}

// ParEach runs f over each item with bounded concurrency, discarding results.
func ParEach[T any](items []T, workers int, f func(T)) {
	ParMap(items, workers, func(v T) struct{} {
		f(v)
		return struct{}{}
	})
}
