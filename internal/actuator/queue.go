package actuator

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO of closures drained by a single goroutine.
// post never blocks, so worker observers and DNS completions can always enqueue.
type queue struct {
	mu    sync.Mutex
	items []func(context.Context)
	wake  chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) post(fn func(context.Context)) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (func(context.Context), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	fn := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return fn, true
}

// drain runs queued closures in order until ctx is done.
func (q *queue) drain(ctx context.Context) {
	for {
		for {
			if ctx.Err() != nil {
				return
			}
			fn, ok := q.pop()
			if !ok {
				break
			}
			fn(ctx)
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
	}
}
