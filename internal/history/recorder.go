// Package history records job lifecycle events into an append-only sqlite
// table. It is telemetry, not state: the scheduler never reads it back,
// and a slow or broken recorder never blocks scheduling (writes beyond
// the configured rate are counted and dropped).
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"jobforge/internal/eventbus"
	"jobforge/internal/sched"
	logx "jobforge/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Enabled bool
	Path    string
	// RatePerSec caps history inserts. 0 means unlimited.
	RatePerSec  int
	BusyTimeout time.Duration
}

// Entry is one recorded lifecycle transition.
type Entry struct {
	ID           int64
	At           time.Time
	Type         string
	JobID        string
	Name         string
	Priority     string
	State        string
	Attempt      int
	Error        string
	QueueDelayMS int64
	RuntimeMS    int64
}

type Recorder struct {
	db      *sql.DB
	log     logx.Logger
	limiter *rate.Limiter
	dropped atomic.Uint64
}

// Open initializes the recorder. It returns (nil, nil) when disabled;
// a nil *Recorder is safe to use everywhere.
func Open(cfg Config, log logx.Logger) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("history path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	r := &Recorder{db: db, log: log}
	if cfg.RatePerSec > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, string(b))
	return err
}

func (r *Recorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Dropped reports how many entries were discarded by the write throttle.
func (r *Recorder) Dropped() uint64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Record inserts one entry, subject to the rate limit.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	if r == nil || r.db == nil {
		return nil
	}
	if r.limiter != nil && !r.limiter.Allow() {
		r.dropped.Add(1)
		return nil
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO runs(at, type, job_id, name, priority, state, attempt, err, queue_delay_ms, runtime_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Type, e.JobID, nullStr(e.Name), nullStr(e.Priority),
		nullStr(e.State), e.Attempt, nullStr(e.Error), e.QueueDelayMS, e.RuntimeMS,
	)
	return err
}

// Recent returns the newest entries, most recent first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, at, type, job_id, name, priority, state, attempt, err, queue_delay_ms, runtime_ms
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at string
		var name, prio, state, errStr sql.NullString
		if err := rows.Scan(&e.ID, &at, &e.Type, &e.JobID, &name, &prio, &state, &e.Attempt, &errStr, &e.QueueDelayMS, &e.RuntimeMS); err != nil {
			return nil, err
		}
		if t, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
			e.At = t
		}
		e.Name = name.String
		e.Priority = prio.String
		e.State = state.String
		e.Error = errStr.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Run consumes the event bus until ctx is done, recording every job
// lifecycle event. Intended to run under the process supervisor.
func (r *Recorder) Run(ctx context.Context, bus eventbus.Bus) error {
	if r == nil || bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	sub := bus.Subscribe(256)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			je, ok := ev.Data.(sched.JobEvent)
			if !ok {
				continue
			}
			e := Entry{
				At:           ev.Time,
				Type:         ev.Type,
				JobID:        je.ID,
				Name:         je.Name,
				Priority:     je.Priority,
				State:        je.State,
				Attempt:      je.Attempt,
				Error:        je.Error,
				QueueDelayMS: je.QueueDelay.Milliseconds(),
				RuntimeMS:    je.Runtime.Milliseconds(),
			}
			wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := r.Record(wctx, e); err != nil {
				r.log.Warn("history write failed", logx.Any("err", err), logx.String("type", e.Type))
			}
			cancel()
		}
	}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
