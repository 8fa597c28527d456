package sched

import (
	"container/heap"
	"sync"
)

// readyQueue is the blocking, priority-ordered hand-off between the core
// (submission, dependency satisfaction, retry and schedule promotion) and
// the workers.
//
// Ordering is total and deterministic: priority descending, then
// submission sequence ascending. The condition variable is paired with the
// queue's own lock so concurrent pushes never lose a wakeup.
type readyQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  readyHeap
	closed bool
}

type queueItem struct {
	id   string
	prio Priority
	seq  uint64
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push inserts in priority order and wakes one blocked consumer.
func (q *readyQueue) Push(id string, prio Priority, seq uint64) {
	q.mu.Lock()
	heap.Push(&q.items, queueItem{id: id, prio: prio, seq: seq})
	q.mu.Unlock()
	q.cond.Signal()
}

// Pop blocks until an item is available or the queue is closed.
// Close wins over queued work: remaining items stay put (they survive a
// stop/start cycle) and ok=false tells the worker to exit.
func (q *readyQueue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return "", false
	}
	it := heap.Pop(&q.items).(queueItem)
	return it.id, true
}

// Remove drops a queued entry (cancellation path). Reports whether the id
// was present.
func (q *readyQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].id == id {
			heap.Remove(&q.items, i)
			return true
		}
	}
	return false
}

func (q *readyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes every blocked consumer; subsequent Pops report ok=false
// immediately. Queued items stay put for the next Open.
func (q *readyQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Open re-arms the queue after a Close (stop/start cycle).
func (q *readyQueue) Open() {
	q.mu.Lock()
	q.closed = false
	q.mu.Unlock()
}

// readyHeap implements heap.Interface: highest priority first, FIFO within
// a priority tier.
type readyHeap []queueItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].prio != h[j].prio {
		return h[i].prio > h[j].prio
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(queueItem)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
