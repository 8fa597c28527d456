package sched

import "errors"

var (
	ErrInvalidJob      = errors.New("invalid job")
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrUnknownJob      = errors.New("unknown job")
	ErrCycle           = errors.New("dependency would create a cycle")
	ErrNotPending      = errors.New("job is no longer pending")
)
