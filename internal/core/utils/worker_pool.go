package utils

import (
	"context"
	"sync"
)

type CompletedTask[T any] struct {
	Result T
	Error  error
}

// RunInPool drains queue with up to maxWorkers goroutines and writes every
// outcome to completed, closing it when the queue is exhausted. A cancelled
// context stops workers between tasks; in-flight tasks observe it through
// the worker function's own context handling.
func RunInPool[In any, Out any](ctx context.Context, worker func(context.Context, In) (Out, error), queue chan In, completed chan CompletedTask[Out], maxWorkers int) {
	workers := min(len(queue), maxWorkers)
	if workers == 0 {
		workers = 1
	}

	go func() {
		wg := sync.WaitGroup{}
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()

				for {
					select {
					case <-ctx.Done():
						return
					case next, ok := <-queue:
						if !ok {
							return
						}

						res, err := worker(ctx, next)
						if err != nil {
							completed <- CompletedTask[Out]{Error: err}
						} else {
							completed <- CompletedTask[Out]{Result: res, Error: nil}
						}
					}
				}
			}()
		}

		wg.Wait()

		close(completed)
	}()
}
