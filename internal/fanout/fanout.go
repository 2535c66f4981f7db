package fanout

import (
	"context"
	"sync"
)

// DefaultLimit is the concurrency cap applied when the caller passes a
// non-positive limit.
const DefaultLimit = 10

// Each invokes fn once per item with at most limit invocations in
// flight, and returns once all of them have completed. Items are
// visited in no particular order. fn is responsible for its own error
// handling; a started batch always runs to completion.
func Each[T any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T)) {
	if len(items) == 0 {
		return
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	var (
		wg  sync.WaitGroup
		sem = make(chan struct{}, limit)
	)

	for _, item := range items {
		sem <- struct{}{}
		wg.Add(1)
		go func(it T) {
			defer wg.Done()
			defer func() { <-sem }()

			fn(ctx, it)
		}(item)
	}

	wg.Wait()
}
