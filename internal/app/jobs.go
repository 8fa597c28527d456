package app

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"jobforge/internal/config"
	"jobforge/internal/sched"
)

// Command output kept per attempt. Anything longer is truncated; the
// history table is telemetry, not log storage.
const maxOutputBytes = 4096

func commandRun(command string, args []string) sched.RunFunc {
	return func(ctx context.Context) (string, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		out, err := cmd.CombinedOutput()
		s := strings.TrimSpace(string(out))
		if len(s) > maxOutputBytes {
			s = s[:maxOutputBytes]
		}
		if err != nil {
			if ctx.Err() != nil {
				return s, ctx.Err()
			}
			return s, err
		}
		return s, nil
	}
}

func buildJob(js config.JobSpec) *sched.Job {
	// The spec was validated at config load; parse failures fall back to
	// the documented defaults.
	prio, _ := sched.ParsePriority(js.Priority)
	backoff, _ := sched.ParseBackoff(js.Backoff)
	timeout, _ := config.ParseDurationField("timeout", js.Timeout)
	delay, _ := config.ParseDurationField("retry_delay", js.RetryDelay)
	return &sched.Job{
		Name:     js.Name,
		Priority: prio,
		Timeout:  timeout,
		Retry: sched.RetryConfig{
			MaxAttempts: js.MaxAttempts,
			Strategy:    backoff,
			BaseDelay:   delay,
		},
		Run: commandRun(js.Command, js.Args),
	}
}

// registerJobs turns config job specs into engine submissions: immediate
// one-shots first (so dependency edges can reference their ids), then
// deferred and recurring entries as schedules.
func (a *App) registerJobs(cfg *config.Config) error {
	now := time.Now()
	ids := map[string]string{}

	for _, js := range cfg.Jobs {
		if js.Every != "" || js.At != "" {
			continue
		}
		id, err := a.core.Submit(buildJob(js))
		if err != nil {
			return fmt.Errorf("job %s: %w", js.Name, err)
		}
		ids[js.Name] = id
	}

	for _, js := range cfg.Jobs {
		if js.Every != "" || js.At != "" {
			continue
		}
		for _, dep := range js.DependsOn {
			if err := a.core.AddDependency(ids[js.Name], ids[dep]); err != nil {
				return fmt.Errorf("job %s depends_on %s: %w", js.Name, dep, err)
			}
		}
	}

	for _, js := range cfg.Jobs {
		if js.Every == "" && js.At == "" {
			continue
		}
		spec := scheduleSpec(js, now)
		js := js
		deps := resolveDeps(ids, js.DependsOn)
		factory := func() *sched.Job {
			j := buildJob(js)
			j.Deps = deps
			return j
		}
		if _, err := a.core.Schedule(js.Name, factory, spec); err != nil {
			return fmt.Errorf("job %s: %w", js.Name, err)
		}
	}
	return nil
}

func scheduleSpec(js config.JobSpec, now time.Time) sched.Schedule {
	start := now
	if js.At != "" {
		start, _ = time.Parse(time.RFC3339, js.At)
	}
	if js.Every == "" {
		return sched.Schedule{Kind: sched.OneTime, Start: start}
	}
	every, _ := config.ParseDurationField("every", js.Every)
	s := sched.Schedule{Kind: sched.Recurring, Start: start, Interval: every}
	if js.Until != "" {
		s.End, _ = time.Parse(time.RFC3339, js.Until)
	}
	return s
}

func resolveDeps(ids map[string]string, names []string) []string {
	if len(names) == 0 {
		return nil
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if id, ok := ids[n]; ok {
			out = append(out, id)
		}
	}
	return out
}
