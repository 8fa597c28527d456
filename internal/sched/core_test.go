package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "jobforge/pkg/logx"
)

func newTestCore(cfg Config) *Core {
	return New(cfg, logx.Nop(), nil)
}

func startCore(t *testing.T, c *Core) {
	t.Helper()
	c.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Stop(ctx)
	})
}

func okJob(name string, prio Priority) *Job {
	return &Job{
		Name:     name,
		Priority: prio,
		Run:      func(context.Context) (string, error) { return "ok", nil },
	}
}

func mustSubmit(t *testing.T, c *Core, j *Job) string {
	t.Helper()
	id, err := c.Submit(j)
	if err != nil {
		t.Fatalf("Submit(%s): %v", j.Name, err)
	}
	return id
}

func jobState(t *testing.T, c *Core, id string) State {
	t.Helper()
	info, ok := c.GetJob(id)
	if !ok {
		t.Fatalf("GetJob(%s): not found", id)
	}
	return info.State
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	c := newTestCore(Config{})

	cases := []struct {
		name string
		job  *Job
		want error
	}{
		{"nil job", nil, ErrInvalidJob},
		{"missing run", &Job{Name: "x"}, ErrInvalidJob},
		{"bad priority", &Job{Run: okJob("", 0).Run, Priority: Priority(7)}, ErrInvalidJob},
		{"negative retries", &Job{Run: okJob("", 0).Run, Retry: RetryConfig{MaxAttempts: -1}}, ErrInvalidJob},
		{"negative delay", &Job{Run: okJob("", 0).Run, Retry: RetryConfig{BaseDelay: -time.Second}}, ErrInvalidJob},
		{"unknown dependency", &Job{Run: okJob("", 0).Run, Deps: []string{"ghost"}}, ErrUnknownJob},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.Submit(tc.job); !errors.Is(err, tc.want) {
				t.Fatalf("Submit err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestPriorityDispatchOrder(t *testing.T) {
	t.Parallel()

	c := newTestCore(Config{Workers: 1})
	var mu sync.Mutex
	var order []string
	track := func(name string) *Job {
		return &Job{
			Name: name,
			Run: func(context.Context) (string, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return "", nil
			},
		}
	}

	// Submitted before Start so they all queue in one batch.
	for _, j := range []*Job{
		func() *Job { j := track("low"); j.Priority = PriorityLow; return j }(),
		func() *Job { j := track("critical"); j.Priority = PriorityCritical; return j }(),
		func() *Job { j := track("medium-a"); j.Priority = PriorityMedium; return j }(),
		func() *Job { j := track("medium-b"); j.Priority = PriorityMedium; return j }(),
		func() *Job { j := track("high"); j.Priority = PriorityHigh; return j }(),
	} {
		mustSubmit(t, c, j)
	}
	startCore(t, c)

	if !c.WaitForCompletion(5 * time.Second) {
		t.Fatal("jobs did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"critical", "high", "medium-a", "medium-b", "low"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDependencyGating(t *testing.T) {
	t.Parallel()

	c := newTestCore(Config{Workers: 4})
	startCore(t, c)

	release := make(chan struct{})
	var aDone atomic.Bool
	aID := mustSubmit(t, c, &Job{
		Name: "a",
		Run: func(context.Context) (string, error) {
			<-release
			aDone.Store(true)
			return "", nil
		},
	})

	var bSawA atomic.Bool
	bID := mustSubmit(t, c, &Job{
		Name: "b",
		Deps: []string{aID},
		Run: func(context.Context) (string, error) {
			bSawA.Store(aDone.Load())
			return "", nil
		},
	})

	// b must hold while a runs.
	time.Sleep(50 * time.Millisecond)
	if st := jobState(t, c, bID); st != StatePending {
		t.Fatalf("dependent state = %v before dependency completed, want pending", st)
	}

	close(release)
	if !c.WaitForCompletion(5 * time.Second) {
		t.Fatal("jobs did not complete")
	}
	if !bSawA.Load() {
		t.Fatal("dependent ran before its dependency finished")
	}
	if st := jobState(t, c, bID); st != StateCompleted {
		t.Fatalf("dependent state = %v, want completed", st)
	}
}

func TestMultipleDependencyGating(t *testing.T) {
	t.Parallel()

	c := newTestCore(Config{Workers: 4})
	startCore(t, c)

	releaseB := make(chan struct{})
	releaseC := make(chan struct{})
	bID := mustSubmit(t, c, &Job{Name: "b", Run: func(context.Context) (string, error) {
		<-releaseB
		return "", nil
	}})
	cID := mustSubmit(t, c, &Job{Name: "c", Run: func(context.Context) (string, error) {
		<-releaseC
		return "", nil
	}})
	aID := mustSubmit(t, c, &Job{Name: "a", Deps: []string{bID, cID}, Run: okJob("", 0).Run})

	close(releaseB)
	// With only one of two dependencies complete, a must stay held.
	deadline := time.Now().Add(2 * time.Second)
	for jobState(t, c, bID) != StateCompleted {
		if time.Now().After(deadline) {
			t.Fatal("b never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st := jobState(t, c, aID); st != StatePending {
		t.Fatalf("a state = %v with one dependency outstanding, want pending", st)
	}

	close(releaseC)
	if !c.WaitForCompletion(5 * time.Second) {
		t.Fatal("jobs did not complete")
	}
	if st := jobState(t, c, aID); st != StateCompleted {
		t.Fatalf("a state = %v, want completed", st)
	}
}

func TestFailureCascadesCancellation(t *testing.T) {
	t.Parallel()

	c := newTestCore(Config{Workers: 2})
	startCore(t, c)

	failID := mustSubmit(t, c, &Job{
		Name: "j1",
		Run:  func(context.Context) (string, error) { return "", errors.New("boom") },
	})
	midID := mustSubmit(t, c, &Job{Name: "j2", Deps: []string{failID}, Run: okJob("", 0).Run})
	leafID := mustSubmit(t, c, &Job{Name: "j3", Deps: []string{midID}, Run: okJob("", 0).Run})

	if !c.WaitForCompletion(5 * time.Second) {
		t.Fatal("WaitForCompletion must still return once the cascade settles")
	}
	if st := jobState(t, c, failID); st != StateFailed {
		t.Fatalf("j1 state = %v, want failed", st)
	}
	for _, id := range []string{midID, leafID} {
		if st := jobState(t, c, id); st != StateCancelled {
			t.Fatalf("dependent state = %v, want cancelled", st)
		}
	}
}

func TestSubmitWithFailedDependencyCancelsImmediately(t *testing.T) {
	t.Parallel()

	c := newTestCore(Config{Workers: 1})
	startCore(t, c)

	failID := mustSubmit(t, c, &Job{
		Name: "doomed",
		Run:  func(context.Context) (string, error) { return "", errors.New("boom") },
	})
	if !c.WaitForCompletion(5 * time.Second) {
		t.Fatal("failing job did not settle")
	}

	lateID := mustSubmit(t, c, &Job{Name: "late", Deps: []string{failID}, Run: okJob("", 0).Run})
	if st := jobState(t, c, lateID); st != StateCancelled {
		t.Fatalf("late dependent state = %v, want cancelled", st)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()

	c := newTestCore(Config{Workers: 1})
	startCore(t, c)

	var runs atomic.Int32
	id := mustSubmit(t, c, &Job{
		Name: "flaky",
		Retry: RetryConfig{
			MaxAttempts: 3,
			Strategy:    BackoffFixed,
			BaseDelay:   10 * time.Millisecond,
		},
		Run: func(context.Context) (string, error) {
			if runs.Add(1) <= 2 {
				return "", errors.New("transient")
			}
			return "done", nil
		},
	})

	if !c.WaitForCompletion(5 * time.Second) {
		t.Fatal("retrying job did not complete")
	}
	info, _ := c.GetJob(id)
	if info.State != StateCompleted {
		t.Fatalf("state = %v, want completed", info.State)
	}
	if len(info.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(info.Results))
	}
	for i, r := range info.Results {
		if r.Attempt != i {
			t.Fatalf("result %d has attempt %d", i, r.Attempt)
		}
	}
	last, _ := info.LastResult()
	if !last.OK || last.Output != "done" {
		t.Fatalf("last result = %+v, want success", last)
	}
}

func TestRetryExhausted(t *testing.T) {
	t.Parallel()

	c := newTestCore(Config{Workers: 1})
	startCore(t, c)

	var runs atomic.Int32
	id := mustSubmit(t, c, &Job{
		Name:  "hopeless",
		Retry: RetryConfig{MaxAttempts: 2, Strategy: BackoffImmediate},
		Run: func(context.Context) (string, error) {
			runs.Add(1)
			return "", errors.New("always")
		},
	})

	if !c.WaitForCompletion(5 * time.Second) {
		t.Fatal("job did not settle")
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3 (initial + 2 retries)", got)
	}
	info, _ := c.GetJob(id)
	if info.State != StateFailed {
		t.Fatalf("state = %v, want failed", info.State)
	}
	if last, _ := info.LastResult(); last.OK || last.Fault == "" {
		t.Fatalf("last result = %+v, want recorded fault", last)
	}
}

func TestCancelSemantics(t *testing.T) {
	t.Parallel()

	c := newTestCore(Config{Workers: 1})

	// Pre-start jobs are PENDING and cancellable.
	pendingID := mustSubmit(t, c, okJob("pending", PriorityMedium))
	if !c.Cancel(pendingID) {
		t.Fatal("Cancel(pending) = false")
	}
	if c.Cancel(pendingID) {
		t.Fatal("second Cancel on same job = true")
	}
	if st := jobState(t, c, pendingID); st != StateCancelled {
		t.Fatalf("state = %v, want cancelled", st)
	}

	startCore(t, c)

	// Occupy the single worker, then cancel a queued job behind it.
	release := make(chan struct{})
	runningID := mustSubmit(t, c, &Job{
		Name: "running",
		Run: func(context.Context) (string, error) {
			<-release
			return "", nil
		},
	})
	queuedID := mustSubmit(t, c, okJob("queued", PriorityLow))
	time.Sleep(50 * time.Millisecond)

	if st := jobState(t, c, runningID); st != StateRunning {
		t.Fatalf("state = %v, want running", st)
	}
	if c.Cancel(runningID) {
		t.Fatal("Cancel(running) = true")
	}
	if !c.Cancel(queuedID) {
		t.Fatal("Cancel(queued) = false")
	}
	if st := jobState(t, c, queuedID); st != StateCancelled {
		t.Fatalf("queued job state = %v, want cancelled", st)
	}

	close(release)
	if !c.WaitForCompletion(5 * time.Second) {
		t.Fatal("running job did not finish")
	}
	if st := jobState(t, c, runningID); st != StateCompleted {
		t.Fatalf("running job state = %v, want completed", st)
	}
	if c.Cancel(runningID) {
		t.Fatal("Cancel(completed) = true")
	}
	if c.Cancel("no-such-id") {
		t.Fatal("Cancel(unknown) = true")
	}
}

func TestCancelDuringRetryWait(t *testing.T) {
	t.Parallel()

	c := newTestCore(Config{Workers: 1})
	startCore(t, c)

	var runs atomic.Int32
	id := mustSubmit(t, c, &Job{
		Name:  "waiting",
		Retry: RetryConfig{MaxAttempts: 3, Strategy: BackoffFixed, BaseDelay: 150 * time.Millisecond},
		Run: func(context.Context) (string, error) {
			runs.Add(1)
			return "", errors.New("fail once")
		},
	})

	// Let the first attempt fail and enter the backoff window.
	deadline := time.Now().Add(2 * time.Second)
	for jobState(t, c, id) != StateRetryWait {
		if time.Now().After(deadline) {
			t.Fatal("job never entered retry wait")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !c.Cancel(id) {
		t.Fatal("Cancel during retry wait = false")
	}
	// The armed delay entry must not resurrect the job.
	time.Sleep(300 * time.Millisecond)
	if st := jobState(t, c, id); st != StateCancelled {
		t.Fatalf("state = %v, want cancelled", st)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
}

func TestAddDependency(t *testing.T) {
	t.Parallel()

	c := newTestCore(Config{Workers: 1})
	a := mustSubmit(t, c, okJob("a", PriorityMedium))
	b := mustSubmit(t, c, okJob("b", PriorityMedium))

	if err := c.AddDependency(b, a); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}
	if err := c.AddDependency(a, b); !errors.Is(err, ErrCycle) {
		t.Fatalf("cycle err = %v, want ErrCycle", err)
	}
	if err := c.AddDependency("ghost", a); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("unknown dependent err = %v, want ErrUnknownJob", err)
	}
	if err := c.AddDependency(a, "ghost"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("unknown dependency err = %v, want ErrUnknownJob", err)
	}

	startCore(t, c)
	if !c.WaitForCompletion(5 * time.Second) {
		t.Fatal("jobs did not complete")
	}
	if err := c.AddDependency(b, a); !errors.Is(err, ErrNotPending) {
		t.Fatalf("post-completion err = %v, want ErrNotPending", err)
	}
}

func TestRecurringSchedule(t *testing.T) {
	t.Parallel()

	c := newTestCore(Config{Workers: 2, Tick: 20 * time.Millisecond})
	startCore(t, c)

	var runs atomic.Int32
	start := time.Now()
	_, err := c.Schedule("ticker", func() *Job {
		return &Job{
			Run: func(context.Context) (string, error) {
				runs.Add(1)
				return "", nil
			},
			OnComplete: func(Result) {},
		}
	}, Schedule{
		Kind:     Recurring,
		Start:    start,
		Interval: 200 * time.Millisecond,
		End:      start.Add(500 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if !c.WaitForCompletion(5 * time.Second) {
		t.Fatal("schedule did not run out")
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}

	// Each promotion must be a distinct job instance.
	snap := c.Snapshot()
	if snap.States["completed"] != 3 {
		t.Fatalf("completed jobs = %d, want 3", snap.States["completed"])
	}
}

func TestOneTimeSchedule(t *testing.T) {
	t.Parallel()

	c := newTestCore(Config{Workers: 1, Tick: 10 * time.Millisecond})
	startCore(t, c)

	var runs atomic.Int32
	schedID, err := c.Schedule("once", func() *Job {
		return &Job{Run: func(context.Context) (string, error) {
			runs.Add(1)
			return "", nil
		}}
	}, Schedule{Kind: OneTime, Start: time.Now().Add(50 * time.Millisecond)})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if !c.WaitForCompletion(5 * time.Second) {
		t.Fatal("one-time schedule did not run")
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
	if c.Cancel(schedID) {
		t.Fatal("Cancel on exhausted schedule = true")
	}
}

func TestWaitBlocksWhilePromotionInFlight(t *testing.T) {
	t.Parallel()

	c := newTestCore(Config{Workers: 1, Tick: 10 * time.Millisecond})
	startCore(t, c)

	// Stall the factory: the schedule entry is already marked exhausted
	// under the lock, but the promoted job has not been submitted yet.
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	_, err := c.Schedule("stalled", func() *Job {
		once.Do(func() { close(entered) })
		<-release
		return okJob("", PriorityMedium)
	}, Schedule{Kind: OneTime, Start: time.Now()})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("schedule was never promoted")
	}
	if c.WaitForCompletion(100 * time.Millisecond) {
		t.Fatal("WaitForCompletion returned true while a promotion was in flight")
	}

	close(release)
	if !c.WaitForCompletion(5 * time.Second) {
		t.Fatal("promoted job did not complete")
	}
	snap := c.Snapshot()
	if snap.States["completed"] != 1 {
		t.Fatalf("completed = %d, want 1 (states: %v)", snap.States["completed"], snap.States)
	}
}

func TestCancelSchedule(t *testing.T) {
	t.Parallel()

	c := newTestCore(Config{Workers: 1, Tick: 10 * time.Millisecond})
	id, err := c.Schedule("future", func() *Job { return okJob("", PriorityMedium) },
		Schedule{Kind: OneTime, Start: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !c.Cancel(id) {
		t.Fatal("Cancel(schedule) = false")
	}
	if c.Cancel(id) {
		t.Fatal("second Cancel(schedule) = true")
	}
	if !c.WaitForCompletion(time.Second) {
		t.Fatal("cancelled schedule still counts as pending work")
	}
}

func TestCallbackPanicContained(t *testing.T) {
	t.Parallel()

	c := newTestCore(Config{Workers: 1})
	startCore(t, c)

	firstID := mustSubmit(t, c, &Job{
		Name:       "angry",
		Run:        func(context.Context) (string, error) { return "", nil },
		OnComplete: func(Result) { panic("callback boom") },
	})
	secondID := mustSubmit(t, c, okJob("calm", PriorityMedium))

	if !c.WaitForCompletion(5 * time.Second) {
		t.Fatal("worker died on callback panic")
	}
	if st := jobState(t, c, firstID); st != StateCompleted {
		t.Fatalf("first state = %v, want completed", st)
	}
	if st := jobState(t, c, secondID); st != StateCompleted {
		t.Fatalf("second state = %v, want completed", st)
	}
}

func TestRunPanicBecomesFailure(t *testing.T) {
	t.Parallel()

	c := newTestCore(Config{Workers: 1})
	startCore(t, c)

	id := mustSubmit(t, c, &Job{
		Name: "panicky",
		Run:  func(context.Context) (string, error) { panic("job boom") },
	})
	afterID := mustSubmit(t, c, okJob("after", PriorityMedium))

	if !c.WaitForCompletion(5 * time.Second) {
		t.Fatal("worker died on job panic")
	}
	info, _ := c.GetJob(id)
	if info.State != StateFailed {
		t.Fatalf("state = %v, want failed", info.State)
	}
	if last, _ := info.LastResult(); last.Fault == "" {
		t.Fatal("panic not recorded as fault")
	}
	if st := jobState(t, c, afterID); st != StateCompleted {
		t.Fatalf("follow-up state = %v, want completed", st)
	}
}

func TestWaitForCompletionTimeout(t *testing.T) {
	t.Parallel()

	c := newTestCore(Config{Workers: 1})
	startCore(t, c)

	release := make(chan struct{})
	mustSubmit(t, c, &Job{
		Name: "slow",
		Run: func(context.Context) (string, error) {
			<-release
			return "", nil
		},
	})

	if c.WaitForCompletion(30 * time.Millisecond) {
		t.Fatal("WaitForCompletion returned true while a job was running")
	}
	close(release)
	if !c.WaitForCompletion(5 * time.Second) {
		t.Fatal("WaitForCompletion did not observe completion")
	}
	// Idle core returns immediately.
	if !c.WaitForCompletion(0) {
		t.Fatal("WaitForCompletion(0) on idle core = false")
	}
}

func TestJobTimeout(t *testing.T) {
	t.Parallel()

	c := newTestCore(Config{Workers: 1})
	startCore(t, c)

	id := mustSubmit(t, c, &Job{
		Name:    "deadline",
		Timeout: 50 * time.Millisecond,
		Run: func(ctx context.Context) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "too late", nil
			}
		},
	})

	if !c.WaitForCompletion(5 * time.Second) {
		t.Fatal("timed-out job did not settle")
	}
	info, _ := c.GetJob(id)
	if info.State != StateFailed {
		t.Fatalf("state = %v, want failed", info.State)
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	c := newTestCore(Config{Workers: 3, Tick: time.Second})
	mustSubmit(t, c, okJob("held", PriorityMedium))
	if _, err := c.Schedule("s", func() *Job { return okJob("", PriorityMedium) },
		Schedule{Kind: OneTime, Start: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	snap := c.Snapshot()
	if snap.Started {
		t.Fatal("Started = true before Start")
	}
	if snap.Workers != 3 || snap.Jobs != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.States["pending"] != 1 {
		t.Fatalf("pending count = %d, want 1", snap.States["pending"])
	}
	if len(snap.Schedules) != 1 || snap.Schedules[0].Name != "s" || snap.Schedules[0].Done {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
}

func TestGetJobUnknown(t *testing.T) {
	t.Parallel()
	c := newTestCore(Config{})
	if _, ok := c.GetJob("nope"); ok {
		t.Fatal("GetJob(unknown) ok = true")
	}
}
