package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startDelayQueue(t *testing.T, q *delayQueue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.run(ctx, nil)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDelayQueueFiresInOrder(t *testing.T) {
	t.Parallel()

	q := newDelayQueue()
	startDelayQueue(t, q)

	var mu sync.Mutex
	var order []string
	record := func(name string, done chan<- struct{}) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			if done != nil {
				close(done)
			}
		}
	}

	last := make(chan struct{})
	// Registered out of order; must fire by due time.
	q.After(90*time.Millisecond, record("third", last))
	q.After(10*time.Millisecond, record("first", nil))
	q.After(50*time.Millisecond, record("second", nil))

	select {
	case <-last:
	case <-time.After(2 * time.Second):
		t.Fatal("delayed callbacks did not fire")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDelayQueueWakesForEarlierEntry(t *testing.T) {
	t.Parallel()

	q := newDelayQueue()
	startDelayQueue(t, q)

	// Park the loop on a far-out entry, then add a near one. The wake
	// channel must re-arm the timer.
	q.After(time.Hour, func() {})
	fired := make(chan struct{})
	start := time.Now()
	q.After(20*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
		if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
			t.Fatalf("near entry fired after %v", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("near entry never fired; loop stayed parked on the far one")
	}
	if n := q.Len(); n != 1 {
		t.Fatalf("Len() = %d, want 1 (far entry still pending)", n)
	}
}

func TestDelayQueueImmediate(t *testing.T) {
	t.Parallel()

	q := newDelayQueue()
	startDelayQueue(t, q)

	var fired atomic.Int32
	done := make(chan struct{})
	q.After(0, func() {
		fired.Add(1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("zero-delay entry did not fire")
	}
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired %d times, want 1", got)
	}
}

func TestDelayQueueStopCh(t *testing.T) {
	t.Parallel()

	q := newDelayQueue()
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- q.run(context.Background(), stop) }()

	close(stop)
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not return after stop")
	}
}
