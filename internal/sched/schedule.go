package sched

import (
	"fmt"
	"time"
)

// ScheduleKind selects between a single future run and a fixed-interval
// recurrence.
type ScheduleKind int

const (
	OneTime ScheduleKind = iota
	Recurring
)

func (k ScheduleKind) String() string {
	switch k {
	case OneTime:
		return "one_time"
	case Recurring:
		return "recurring"
	}
	return "unknown"
}

// Schedule describes when a job template should be promoted.
//
// Recurring schedules fire at Start, Start+Interval, Start+2*Interval, ...
// bounded by End when set. Cron expressions are intentionally not
// supported.
type Schedule struct {
	Kind     ScheduleKind
	Start    time.Time
	End      time.Time     // zero means unbounded; Recurring only
	Interval time.Duration // Recurring only
}

func (s Schedule) Validate() error {
	if s.Start.IsZero() {
		return fmt.Errorf("%w: start time required", ErrInvalidSchedule)
	}
	switch s.Kind {
	case OneTime:
		if s.Interval != 0 {
			return fmt.Errorf("%w: one-time schedule cannot have an interval", ErrInvalidSchedule)
		}
		if !s.End.IsZero() {
			return fmt.Errorf("%w: one-time schedule cannot have an end time", ErrInvalidSchedule)
		}
	case Recurring:
		if s.Interval <= 0 {
			return fmt.Errorf("%w: recurring schedule needs interval > 0", ErrInvalidSchedule)
		}
		if !s.End.IsZero() && s.End.Before(s.Start) {
			return fmt.Errorf("%w: end time before start time", ErrInvalidSchedule)
		}
	default:
		return fmt.Errorf("%w: unknown kind", ErrInvalidSchedule)
	}
	return nil
}

// NextRun is pure: it reports the first run time strictly after now.
//
// ONE_TIME yields Start while Start is still in the future, then nothing.
// RECURRING yields the smallest Start+k*Interval > now, bounded by End.
func (s Schedule) NextRun(now time.Time) (time.Time, bool) {
	switch s.Kind {
	case OneTime:
		if now.Before(s.Start) {
			return s.Start, true
		}
		return time.Time{}, false
	case Recurring:
		if now.Before(s.Start) {
			return s.Start, true
		}
		k := now.Sub(s.Start)/s.Interval + 1
		next := s.Start.Add(k * s.Interval)
		if !s.End.IsZero() && next.After(s.End) {
			return time.Time{}, false
		}
		return next, true
	}
	return time.Time{}, false
}

// JobFactory produces a fresh Job for every promotion of a scheduled
// entry. Reusing one Job value across runs would race its state machine,
// so the scheduler never executes a template directly.
type JobFactory func() *Job

// scheduledJob binds a factory to a Schedule. Guarded by the Core mutex.
type scheduledJob struct {
	id      string
	name    string
	factory JobFactory
	spec    Schedule

	next    time.Time
	lastRun time.Time
	runs    int
	done    bool
}

// ScheduleInfo is a snapshot view of a registered schedule.
type ScheduleInfo struct {
	ID      string
	Name    string
	Kind    ScheduleKind
	Next    time.Time
	LastRun time.Time
	Runs    int
	Done    bool
}
