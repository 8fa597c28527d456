package sched

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// delayQueue fires callbacks at (or shortly after) their due time from one
// background goroutine. Retry promotion funnels through here so pending
// retries cost heap entries, not sleeping goroutines.
//
// Entries survive a stop/start cycle: run re-arms against whatever is in
// the heap when it comes back up.
type delayQueue struct {
	mu    sync.Mutex
	items delayHeap
	wake  chan struct{}
}

type delayItem struct {
	at time.Time
	fn func()
}

func newDelayQueue() *delayQueue {
	return &delayQueue{wake: make(chan struct{}, 1)}
}

// After schedules fn to run once d has elapsed. A non-positive d fires on
// the next loop iteration.
func (q *delayQueue) After(d time.Duration, fn func()) {
	if fn == nil {
		return
	}
	at := time.Now().Add(d)
	q.mu.Lock()
	heap.Push(&q.items, delayItem{at: at, fn: fn})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *delayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// run fires due callbacks until ctx is done or stopCh closes. Callbacks
// execute outside the queue lock.
func (q *delayQueue) run(ctx context.Context, stopCh <-chan struct{}) error {
	const idleWait = time.Hour
	for {
		now := time.Now()

		q.mu.Lock()
		var due []func()
		for len(q.items) > 0 && !q.items[0].at.After(now) {
			due = append(due, heap.Pop(&q.items).(delayItem).fn)
		}
		wait := idleWait
		if len(q.items) > 0 {
			wait = q.items[0].at.Sub(now)
		}
		q.mu.Unlock()

		for _, fn := range due {
			fn()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-stopCh:
			timer.Stop()
			return context.Canceled
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// delayHeap orders by due time, earliest first.
type delayHeap []delayItem

func (h delayHeap) Len() int            { return len(h) }
func (h delayHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h delayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)         { *h = append(*h, x.(delayItem)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
