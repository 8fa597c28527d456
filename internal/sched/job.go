package sched

import (
	"context"
	"strings"
	"time"
)

// Priority orders jobs in the ready queue. Higher dispatches first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority maps a config string to a Priority. Empty means medium.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "medium":
		return PriorityMedium, true
	case "low":
		return PriorityLow, true
	case "high":
		return PriorityHigh, true
	case "critical":
		return PriorityCritical, true
	default:
		return PriorityMedium, false
	}
}

// State is the job lifecycle state. A job is in exactly one state at a time;
// transitions happen only under the Core mutex.
type State int

const (
	StatePending State = iota
	StateScheduled
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
	StateRetryWait
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateRetryWait:
		return "retry_wait"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Result is the immutable outcome of one execution attempt.
// Once recorded it is never mutated, so reads are lock-free.
type Result struct {
	OK      bool
	Output  string
	Fault   string
	Attempt int
	At      time.Time
	Runtime time.Duration
}

// RunFunc is the single extension point: execute and return output or an
// error. A panic inside RunFunc is converted to a failed Result by the
// worker; it never kills the worker.
type RunFunc func(ctx context.Context) (string, error)

// RetryConfig controls how failed attempts are retried.
//
// MaxAttempts is the number of retries after the initial run; 0 means a
// single failure is final.
type RetryConfig struct {
	MaxAttempts int
	Strategy    BackoffStrategy
	BaseDelay   time.Duration
}

// Job is a unit of work with identity, priority, dependencies, and retry
// configuration.
//
// The caller fills the exported fields and hands the Job to Core.Submit;
// ownership passes to the core at that point. Deps may name only jobs that
// were already submitted. Callbacks run synchronously on the worker right
// after a Result is recorded; a callback panic is logged and swallowed.
type Job struct {
	Name     string
	Priority Priority
	Run      RunFunc
	Timeout  time.Duration
	Deps     []string
	Retry    RetryConfig

	OnSuccess  func(Result)
	OnFailure  func(Result)
	OnComplete func(Result)

	// Managed by Core. Guarded by the Core mutex.
	id          string
	seq         uint64
	state       State
	attempts    int
	results     []Result
	createdAt   time.Time
	scheduledAt time.Time
	startedAt   time.Time
	completedAt time.Time
}

// ID returns the identity assigned at Submit ("" before that).
func (j *Job) ID() string { return j.id }

// JobInfo is a point-in-time copy of a job's observable state.
type JobInfo struct {
	ID          string
	Name        string
	Priority    Priority
	State       State
	Attempts    int
	MaxAttempts int
	Deps        []string
	Dependents  []string
	Results     []Result
	CreatedAt   time.Time
	ScheduledAt time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// LastResult returns the most recent attempt outcome, if any.
func (i JobInfo) LastResult() (Result, bool) {
	if len(i.Results) == 0 {
		return Result{}, false
	}
	return i.Results[len(i.Results)-1], true
}
