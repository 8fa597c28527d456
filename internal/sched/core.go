package sched

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobforge/internal/eventbus"
	rtsup "jobforge/internal/runtime/supervisor"
	logx "jobforge/pkg/logx"
)

// Config controls the scheduling core.
type Config struct {
	Workers int
	// Tick is how often registered schedules are checked for due runs.
	Tick time.Duration
	// DefaultTimeout is used when Job.Timeout is 0. 0 disables the deadline.
	DefaultTimeout time.Duration
}

// Core owns the job table, the dependency graph, the ready queue, the
// retry delay queue, and the worker pool. All public methods are safe for
// concurrent use.
type Core struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	jobs    map[string]*Job
	graph   *depGraph
	scheds  map[string]*scheduledJob
	waiters []chan struct{}
	seq     uint64
	started bool
	stopCh  chan struct{}
	sup     *rtsup.Supervisor
	// promoting counts schedule promotions between marking an entry due
	// and committing the Submit; the core is not idle while any are in
	// flight.
	promoting int

	queue *readyQueue
	delay *delayQueue
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Core {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 100 * time.Millisecond
	}
	return &Core{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		jobs:   map[string]*Job{},
		graph:  newDepGraph(),
		scheds: map[string]*scheduledJob{},
		queue:  newReadyQueue(),
		delay:  newDelayQueue(),
	}
}

// Submit registers a job and, when the core is running and every declared
// dependency is already COMPLETED, enqueues it immediately; otherwise the
// job is held PENDING until its dependencies resolve (or until Start).
//
// Validation failures reject the job synchronously with nothing mutated.
func (c *Core) Submit(j *Job) (string, error) {
	if j == nil || j.Run == nil {
		return "", fmt.Errorf("%w: Run is required", ErrInvalidJob)
	}
	if j.Priority < PriorityLow || j.Priority > PriorityCritical {
		return "", fmt.Errorf("%w: unknown priority %d", ErrInvalidJob, int(j.Priority))
	}
	if j.Retry.MaxAttempts < 0 {
		return "", fmt.Errorf("%w: negative max attempts", ErrInvalidJob)
	}
	if j.Retry.BaseDelay < 0 {
		return "", fmt.Errorf("%w: negative retry delay", ErrInvalidJob)
	}
	name := strings.TrimSpace(j.Name)
	if name == "" {
		name = "job"
	}
	j.Name = name
	now := time.Now()

	c.mu.Lock()
	for _, dep := range j.Deps {
		if c.jobs[dep] == nil {
			c.mu.Unlock()
			return "", fmt.Errorf("%w: dependency %s", ErrUnknownJob, dep)
		}
	}
	j.id = uuid.NewString()
	c.seq++
	j.seq = c.seq
	j.state = StatePending
	j.attempts = 0
	j.createdAt = now
	c.jobs[j.id] = j
	for _, dep := range j.Deps {
		// A fresh job has no dependents yet, so these edges cannot cycle.
		_ = c.graph.add(j.id, dep)
	}
	events := []busEvent{{EventSubmitted, jobEventLocked(j)}}
	if c.started {
		events = append(events, c.evaluateLocked(j, now)...)
	}
	c.notifyWaitersLocked()
	c.mu.Unlock()

	c.emit(events)
	c.log.Debug("job submitted",
		logx.String("job", j.Name),
		logx.String("id", j.id),
		logx.String("priority", j.Priority.String()),
		logx.Int("deps", len(j.Deps)),
	)
	return j.id, nil
}

// AddDependency records that job jobID must wait for dependsOn to
// complete. It fails on unknown ids, on a cycle, and once the dependent
// has left PENDING; in every failure case nothing is mutated.
func (c *Core) AddDependency(jobID, dependsOn string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	j := c.jobs[jobID]
	if j == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if c.jobs[dependsOn] == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, dependsOn)
	}
	if j.state != StatePending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, jobID, j.state)
	}
	if err := c.graph.add(jobID, dependsOn); err != nil {
		return fmt.Errorf("%w: %s -> %s", err, jobID, dependsOn)
	}
	return nil
}

// Schedule registers a job factory against a one-time or recurring
// schedule. Every due run instantiates a brand-new Job from the factory;
// the returned id cancels the schedule via Cancel.
func (c *Core) Schedule(name string, factory JobFactory, spec Schedule) (string, error) {
	if factory == nil {
		return "", fmt.Errorf("%w: factory required", ErrInvalidSchedule)
	}
	if err := spec.Validate(); err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "schedule"
	}

	c.mu.Lock()
	id := uuid.NewString()
	c.scheds[id] = &scheduledJob{
		id:      id,
		name:    name,
		factory: factory,
		spec:    spec,
		next:    spec.Start,
	}
	c.mu.Unlock()

	c.log.Debug("schedule registered",
		logx.String("schedule", name),
		logx.String("id", id),
		logx.String("kind", spec.Kind.String()),
		logx.Time("next", spec.Start),
	)
	return id, nil
}

// Cancel cancels a job or a registered schedule.
//
// RUNNING jobs and jobs already in a terminal state are not cancellable
// and return false (so a second Cancel on the same id returns false).
// Cancelling a queued job removes it from the ready queue; transitive
// dependents are cancelled along with it.
func (c *Core) Cancel(id string) bool {
	now := time.Now()

	c.mu.Lock()
	if sj, ok := c.scheds[id]; ok {
		if sj.done {
			c.mu.Unlock()
			return false
		}
		sj.done = true
		c.notifyWaitersLocked()
		c.mu.Unlock()
		c.log.Debug("schedule cancelled", logx.String("schedule", sj.name), logx.String("id", id))
		return true
	}

	j := c.jobs[id]
	if j == nil {
		c.mu.Unlock()
		return false
	}
	switch j.state {
	case StateRunning, StateCompleted, StateFailed, StateCancelled:
		c.mu.Unlock()
		return false
	}
	if j.state == StateScheduled {
		c.queue.Remove(id)
	}
	j.state = StateCancelled
	j.completedAt = now
	events := []busEvent{{EventCancelled, jobEventLocked(j)}}
	events = append(events, c.cascadeCancelLocked(id, now)...)
	c.notifyWaitersLocked()
	c.mu.Unlock()

	c.emit(events)
	c.log.Debug("job cancelled", logx.String("job", j.Name), logx.String("id", id))
	return true
}

// GetJob returns a point-in-time copy of the job's observable state.
func (c *Core) GetJob(id string) (JobInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j := c.jobs[id]
	if j == nil {
		return JobInfo{}, false
	}
	return c.infoLocked(j), true
}

// WaitForCompletion blocks until every registered job is terminal and
// every schedule has run out, or until the timeout elapses (timeout <= 0
// waits forever). It holds no scheduler lock while blocked.
func (c *Core) WaitForCompletion(timeout time.Duration) bool {
	c.mu.Lock()
	if c.idleLocked() {
		c.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	if timeout <= 0 {
		<-ch
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

// Start brings up the worker pool, the schedule timer, and the retry delay
// loop, then promotes any job that became ready while the core was down.
// Start is idempotent while running.
func (c *Core) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()

	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	c.started = true
	c.queue.Open()
	c.sup = rtsup.New(ctx,
		rtsup.WithLogger(c.log.With(logx.String("comp", "sched"))),
		// A wedged worker should not hard-kill the host process.
		rtsup.WithCancelOnError(false),
	)
	stopCh := c.stopCh
	sup := c.sup

	var events []busEvent
	for _, j := range c.jobs {
		if j.state == StatePending {
			events = append(events, c.evaluateLocked(j, now)...)
		}
	}
	c.notifyWaitersLocked()
	c.mu.Unlock()

	c.emit(events)

	for i := 0; i < c.cfg.Workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Auto-restart workers if they panic; clean exits happen only on
		// shutdown.
		sup.GoRestart(name, func(context.Context) error {
			c.runWorker(idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	sup.GoRestart("timer", func(ctx context.Context) error {
		return c.timerLoop(ctx, stopCh)
	},
		rtsup.WithPublishFirstError(true),
	)
	sup.GoRestart("delay", func(ctx context.Context) error {
		return c.delay.run(ctx, stopCh)
	},
		rtsup.WithPublishFirstError(true),
	)

	c.log.Info("scheduler started",
		logx.Int("workers", c.cfg.Workers),
		logx.Duration("tick", c.cfg.Tick),
	)
}

// Stop wakes all blocked workers, lets in-flight jobs finish, and joins
// the background goroutines. Queued and retry-pending work stays
// registered and resumes on a later Start.
func (c *Core) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.stopCh == nil {
		c.mu.Unlock()
		return
	}
	close(c.stopCh)
	c.stopCh = nil
	c.started = false
	sup := c.sup
	c.sup = nil
	c.mu.Unlock()

	c.queue.Close()
	if sup != nil {
		if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn("scheduler stop incomplete", logx.Any("err", err))
		}
		sup.Cancel()
	}
	c.log.Info("scheduler stopped")
}

// timerLoop promotes due scheduled jobs once per tick.
func (c *Core) timerLoop(ctx context.Context, stopCh <-chan struct{}) error {
	t := time.NewTicker(c.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return context.Canceled
		case now := <-t.C:
			c.promoteDue(now)
		}
	}
}

// promoteDue instantiates and submits a fresh job for every schedule whose
// next run time has passed. The factory runs outside the core lock.
func (c *Core) promoteDue(now time.Time) {
	c.mu.Lock()
	var due []*scheduledJob
	for _, sj := range c.scheds {
		if sj.done || now.Before(sj.next) {
			continue
		}
		sj.lastRun = now
		sj.runs++
		if next, ok := sj.spec.NextRun(now); ok {
			sj.next = next
		} else {
			sj.done = true
		}
		due = append(due, sj)
	}
	// Keep waiters blocked until every due promotion has submitted; the
	// factory and Submit run outside the lock.
	c.promoting += len(due)
	c.mu.Unlock()

	for _, sj := range due {
		j := sj.factory()
		if j == nil {
			c.log.Warn("schedule factory returned nil", logx.String("schedule", sj.name))
			continue
		}
		if strings.TrimSpace(j.Name) == "" {
			j.Name = sj.name
		}
		id, err := c.Submit(j)
		if err != nil {
			c.log.Warn("schedule promotion rejected",
				logx.String("schedule", sj.name),
				logx.Any("err", err),
			)
			continue
		}
		c.publish(EventPromoted, JobEvent{
			ID:       id,
			Name:     j.Name,
			Priority: j.Priority.String(),
			State:    StatePending.String(),
		})
		c.log.Debug("schedule promoted",
			logx.String("schedule", sj.name),
			logx.String("job_id", id),
			logx.Int("runs", sj.runs),
		)
	}

	if len(due) > 0 {
		// A rejected promotion may have been the last pending work.
		c.mu.Lock()
		c.promoting -= len(due)
		c.notifyWaitersLocked()
		c.mu.Unlock()
	}
}

// promoteRetry moves a RETRY_WAIT job back into the ready queue once its
// backoff elapses. Fired from the delay queue; a cancel that raced the
// timer wins.
func (c *Core) promoteRetry(id string) {
	now := time.Now()
	c.mu.Lock()
	j := c.jobs[id]
	if j == nil || j.state != StateRetryWait {
		c.mu.Unlock()
		return
	}
	c.promoteLocked(j, now)
	ev := jobEventLocked(j)
	c.mu.Unlock()
	c.publish(EventReady, ev)
}

// ---- locked helpers ----

type busEvent struct {
	typ string
	ev  JobEvent
}

func (c *Core) emit(events []busEvent) {
	for _, e := range events {
		c.publish(e.typ, e.ev)
	}
}

// promoteLocked transitions a job to SCHEDULED and hands it to the queue.
func (c *Core) promoteLocked(j *Job, now time.Time) {
	j.state = StateScheduled
	j.scheduledAt = now
	c.queue.Push(j.id, j.Priority, j.seq)
}

// evaluateLocked moves a PENDING job forward: enqueue when every
// dependency is COMPLETED, cancel (with cascade) when a dependency can
// never complete, otherwise leave it held.
func (c *Core) evaluateLocked(j *Job, now time.Time) []busEvent {
	allDone := true
	for dep := range c.graph.deps(j.id) {
		d := c.jobs[dep]
		if d == nil {
			allDone = false
			continue
		}
		switch d.state {
		case StateCompleted:
		case StateFailed, StateCancelled:
			j.state = StateCancelled
			j.completedAt = now
			events := []busEvent{{EventCancelled, jobEventLocked(j)}}
			return append(events, c.cascadeCancelLocked(j.id, now)...)
		default:
			allDone = false
		}
	}
	if !allDone {
		return nil
	}
	c.promoteLocked(j, now)
	return []busEvent{{EventReady, jobEventLocked(j)}}
}

// cascadeCancelLocked propagates CANCELLED to every transitive dependent,
// visiting each node at most once. Terminal and RUNNING dependents are
// left alone (a RUNNING dependent cannot exist while its dependency is
// non-COMPLETED, but guard anyway).
func (c *Core) cascadeCancelLocked(id string, now time.Time) []busEvent {
	var events []busEvent
	for _, did := range c.graph.transitiveDependents(id) {
		dj := c.jobs[did]
		if dj == nil || dj.state.Terminal() || dj.state == StateRunning {
			continue
		}
		if dj.state == StateScheduled {
			c.queue.Remove(did)
		}
		dj.state = StateCancelled
		dj.completedAt = now
		events = append(events, busEvent{EventCancelled, jobEventLocked(dj)})
	}
	return events
}

func (c *Core) idleLocked() bool {
	if c.promoting > 0 {
		return false
	}
	for _, j := range c.jobs {
		if !j.state.Terminal() {
			return false
		}
	}
	for _, sj := range c.scheds {
		if !sj.done {
			return false
		}
	}
	return true
}

func (c *Core) notifyWaitersLocked() {
	if len(c.waiters) == 0 || !c.idleLocked() {
		return
	}
	for _, ch := range c.waiters {
		close(ch)
	}
	c.waiters = nil
}

func (c *Core) infoLocked(j *Job) JobInfo {
	info := JobInfo{
		ID:          j.id,
		Name:        j.Name,
		Priority:    j.Priority,
		State:       j.state,
		Attempts:    j.attempts,
		MaxAttempts: j.Retry.MaxAttempts,
		CreatedAt:   j.createdAt,
		ScheduledAt: j.scheduledAt,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
	}
	for dep := range c.graph.deps(j.id) {
		info.Deps = append(info.Deps, dep)
	}
	for dep := range c.graph.directDependents(j.id) {
		info.Dependents = append(info.Dependents, dep)
	}
	sort.Strings(info.Deps)
	sort.Strings(info.Dependents)
	info.Results = append([]Result(nil), j.results...)
	return info
}
