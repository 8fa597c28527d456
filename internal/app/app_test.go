package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jobforge/internal/config"
	"jobforge/internal/sched"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewRejectsMissingConfig(t *testing.T) {
	t.Parallel()
	if _, err := New(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("New with missing config succeeded")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
jobs:
  - name: a
    command: "true"
    depends_on: [ghost]
`)
	if _, err := New(path); err == nil {
		t.Fatal("New with invalid config succeeded")
	}
}

func TestLifecycleRunsConfiguredJobs(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
logging:
  level: error
  console: false
  file:
    enabled: false
    path: ""
engine:
  workers: 2
  tick: 20ms
jobs:
  - name: first
    command: "true"
    priority: high
  - name: second
    command: "true"
    depends_on: [first]
`)
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	}()

	if !a.Engine().WaitForCompletion(10 * time.Second) {
		t.Fatal("configured jobs did not complete")
	}
	snap := a.Engine().Snapshot()
	if snap.States["completed"] != 2 {
		t.Fatalf("completed = %d, want 2 (states: %v)", snap.States["completed"], snap.States)
	}
}

func TestCommandRun(t *testing.T) {
	t.Parallel()

	out, err := commandRun("sh", []string{"-c", "echo hello"})(context.Background())
	if err != nil {
		t.Fatalf("commandRun: %v", err)
	}
	if out != "hello" {
		t.Fatalf("output = %q, want hello", out)
	}

	if _, err := commandRun("sh", []string{"-c", "exit 3"})(context.Background()); err == nil {
		t.Fatal("failing command reported no error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := commandRun("sleep", []string{"5"})(ctx); err == nil {
		t.Fatal("deadline exceeded command reported no error")
	}
}

func TestBuildJob(t *testing.T) {
	t.Parallel()

	j := buildJob(config.JobSpec{
		Name:        "backup",
		Command:     "true",
		Priority:    "critical",
		Timeout:     "30s",
		MaxAttempts: 2,
		Backoff:     "exponential",
		RetryDelay:  "250ms",
	})
	if j.Priority != sched.PriorityCritical {
		t.Fatalf("priority = %v", j.Priority)
	}
	if j.Timeout != 30*time.Second {
		t.Fatalf("timeout = %v", j.Timeout)
	}
	if j.Retry.MaxAttempts != 2 || j.Retry.Strategy != sched.BackoffExponential || j.Retry.BaseDelay != 250*time.Millisecond {
		t.Fatalf("retry = %+v", j.Retry)
	}
}

func TestScheduleSpec(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	s := scheduleSpec(config.JobSpec{Every: "1m", Until: "2026-08-25T12:00:00Z"}, now)
	if s.Kind != sched.Recurring || s.Interval != time.Minute || !s.Start.Equal(now) {
		t.Fatalf("spec = %+v", s)
	}
	if s.End.IsZero() {
		t.Fatal("until not applied")
	}

	s = scheduleSpec(config.JobSpec{At: "2026-08-25T11:00:00Z"}, now)
	if s.Kind != sched.OneTime || s.Start.Hour() != 11 {
		t.Fatalf("spec = %+v", s)
	}
}
