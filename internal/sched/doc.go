// Package sched is the job-scheduling core.
//
// It accepts units of work (jobs), orders them by priority, enforces
// inter-job dependencies as a DAG, retries failures with configurable
// backoff, computes run times for one-time and recurring schedules, and
// dispatches ready jobs to a fixed pool of workers.
//
// Shared state (job table, dependency edges, waiters) lives behind one
// Core mutex; the ready queue and the retry delay queue carry their own
// locks and are always acquired after the Core mutex, never before it.
package sched
