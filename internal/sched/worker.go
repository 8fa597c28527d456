package sched

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "jobforge/pkg/logx"
)

// runWorker is one pool goroutine: pop, execute, record, repeat. It exits
// when the ready queue closes.
func (c *Core) runWorker(idx int) {
	log := c.log.With(logx.Int("worker", idx))
	for {
		id, ok := c.queue.Pop()
		if !ok {
			return
		}
		c.runOne(id, log)
	}
}

// runOne executes a single dequeued job. A cancellation that raced the
// dequeue leaves the job non-SCHEDULED and the pop is a no-op.
func (c *Core) runOne(id string, log logx.Logger) {
	start := time.Now()

	c.mu.Lock()
	j := c.jobs[id]
	if j == nil || j.state != StateScheduled {
		c.mu.Unlock()
		return
	}
	j.state = StateRunning
	j.startedAt = start
	run := j.Run
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	attempt := j.attempts
	delay := start.Sub(j.scheduledAt)
	if delay < 0 {
		delay = 0
	}
	ev := jobEventLocked(j)
	ev.QueueDelay = delay
	name := j.Name
	c.mu.Unlock()

	c.publish(EventStarted, ev)
	log.Debug("job started",
		logx.String("job", name),
		logx.String("id", id),
		logx.Int("attempt", attempt),
		logx.Duration("queue_delay", delay),
	)

	res := execute(run, timeout, attempt, log)
	c.onResult(j, res, log)
}

// execute runs one attempt with the configured deadline. A panic in the
// run function becomes a failed Result; the worker stays up.
func execute(run RunFunc, timeout time.Duration, attempt int, log logx.Logger) (res Result) {
	start := time.Now()
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res = Result{Attempt: attempt}
	defer func() {
		if r := recover(); r != nil {
			res.OK = false
			res.Output = ""
			res.Fault = fmt.Sprintf("panic: %v", r)
			log.Error("job panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		res.At = time.Now()
		res.Runtime = res.At.Sub(start)
	}()

	out, err := run(ctx)
	if err != nil {
		res.Fault = err.Error()
		return
	}
	res.OK = true
	res.Output = out
	return
}

// onResult records the attempt outcome and drives the post-run
// transitions: completion unblocks dependents, a retryable failure arms
// the delay queue, a final failure cancels everything downstream.
// Callbacks run after the lock is released.
func (c *Core) onResult(j *Job, res Result, log logx.Logger) {
	now := res.At
	var callbacks []func(Result)
	var events []busEvent

	c.mu.Lock()
	j.results = append(j.results, res)
	switch {
	case res.OK:
		j.state = StateCompleted
		j.completedAt = now
		ev := jobEventLocked(j)
		ev.Runtime = res.Runtime
		events = append(events, busEvent{EventCompleted, ev})
		for did := range c.graph.directDependents(j.id) {
			dj := c.jobs[did]
			if dj == nil || dj.state != StatePending {
				continue
			}
			events = append(events, c.evaluateLocked(dj, now)...)
		}
		if j.OnSuccess != nil {
			callbacks = append(callbacks, j.OnSuccess)
		}

	case j.attempts < j.Retry.MaxAttempts:
		n := j.attempts
		j.attempts++
		j.state = StateRetryWait
		wait := j.Retry.Strategy.Delay(n, j.Retry.BaseDelay)
		id := j.id
		c.delay.After(wait, func() { c.promoteRetry(id) })
		ev := jobEventLocked(j)
		ev.Error = res.Fault
		events = append(events, busEvent{EventRetry, ev})
		if j.OnFailure != nil {
			callbacks = append(callbacks, j.OnFailure)
		}

	default:
		j.state = StateFailed
		j.completedAt = now
		ev := jobEventLocked(j)
		ev.Error = res.Fault
		ev.Runtime = res.Runtime
		events = append(events, busEvent{EventFailed, ev})
		events = append(events, c.cascadeCancelLocked(j.id, now)...)
		if j.OnFailure != nil {
			callbacks = append(callbacks, j.OnFailure)
		}
	}
	if j.OnComplete != nil {
		callbacks = append(callbacks, j.OnComplete)
	}
	state := j.state
	c.notifyWaitersLocked()
	c.mu.Unlock()

	c.emit(events)

	switch state {
	case StateCompleted:
		log.Info("job completed",
			logx.String("job", j.Name),
			logx.String("id", j.id),
			logx.Duration("runtime", res.Runtime),
		)
	case StateRetryWait:
		log.Warn("job failed, retry scheduled",
			logx.String("job", j.Name),
			logx.String("id", j.id),
			logx.Int("attempt", res.Attempt),
			logx.String("fault", res.Fault),
		)
	case StateFailed:
		log.Warn("job failed",
			logx.String("job", j.Name),
			logx.String("id", j.id),
			logx.Int("attempt", res.Attempt),
			logx.String("fault", res.Fault),
		)
	}

	for _, cb := range callbacks {
		safeCallback(cb, res, log)
	}
}

// safeCallback shields the worker from user callback panics.
func safeCallback(fn func(Result), res Result, log logx.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("job callback panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn(res)
}
