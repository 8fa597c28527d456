package sched

import (
	"time"

	"jobforge/internal/eventbus"
)

// Event types published on the bus. Subscribing is the telemetry hook:
// absent subscribers cost one non-blocking send per transition and never
// affect scheduling.
const (
	EventSubmitted = "job.submitted"
	EventReady     = "job.ready"
	EventStarted   = "job.started"
	EventRetry     = "job.retry"
	EventCompleted = "job.completed"
	EventFailed    = "job.failed"
	EventCancelled = "job.cancelled"
	EventPromoted  = "schedule.promoted"
)

// JobEvent is the bus payload for job lifecycle transitions.
type JobEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Priority   string        `json:"priority"`
	State      string        `json:"state"`
	Attempt    int           `json:"attempt"`
	Error      string        `json:"error,omitempty"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Runtime    time.Duration `json:"runtime,omitempty"`
}

func (c *Core) publish(typ string, ev JobEvent) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func jobEventLocked(j *Job) JobEvent {
	return JobEvent{
		ID:       j.id,
		Name:     j.Name,
		Priority: j.Priority.String(),
		State:    j.state.String(),
		Attempt:  j.attempts,
	}
}
