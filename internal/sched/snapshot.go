package sched

import (
	"sort"
	"time"
)

// Snapshot is an operational view of the core, for diagnostics and the
// host process status output.
type Snapshot struct {
	Started   bool           `json:"started"`
	Workers   int            `json:"workers"`
	Tick      time.Duration  `json:"tick"`
	Jobs      int            `json:"jobs"`
	QueueLen  int            `json:"queue_len"`
	DelayLen  int            `json:"delay_len"`
	States    map[string]int `json:"states"`
	Schedules []ScheduleInfo `json:"schedules"`
}

func (c *Core) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Started: c.started,
		Workers: c.cfg.Workers,
		Tick:    c.cfg.Tick,
		Jobs:    len(c.jobs),
		States:  map[string]int{},
	}
	for _, j := range c.jobs {
		s.States[j.state.String()]++
	}
	for _, sj := range c.scheds {
		s.Schedules = append(s.Schedules, ScheduleInfo{
			ID:      sj.id,
			Name:    sj.name,
			Kind:    sj.spec.Kind,
			Next:    sj.next,
			LastRun: sj.lastRun,
			Runs:    sj.runs,
			Done:    sj.done,
		})
	}
	sort.Slice(s.Schedules, func(i, j int) bool { return s.Schedules[i].Name < s.Schedules[j].Name })

	// Queue lengths have their own locks; taken after the core mutex per
	// the package lock order.
	s.QueueLen = c.queue.Len()
	s.DelayLen = c.delay.Len()
	return s
}
