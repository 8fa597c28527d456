package config

// Config is the daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m") and
// all timestamps are RFC 3339.
type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Engine  EngineConfig   `json:"engine"`
	History *HistoryConfig `json:"history,omitempty"`
	Jobs    []JobSpec      `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls the scheduling core.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - tick: "100ms"
//   - default_timeout: "0s" (disabled)
type EngineConfig struct {
	Workers int    `json:"workers,omitempty"`
	Tick    string `json:"tick,omitempty"`
	// DefaultTimeout applies to jobs without their own timeout.
	// Use "0s" to disable.
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

// HistoryConfig controls the sqlite run-history recorder.
// Nil or disabled means no recording.
type HistoryConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	// RatePerSec throttles history writes; bursts beyond it are counted
	// and dropped, never queued. 0 means unlimited.
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// JobSpec declares a command job. Without "every" the job runs once as
// soon as its dependencies allow; with "every" it recurs on that interval
// starting at "at" (or daemon start) until "until".
type JobSpec struct {
	Name        string   `json:"name"`
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Timeout     string   `json:"timeout,omitempty"`
	MaxAttempts int      `json:"max_attempts,omitempty"`
	Backoff     string   `json:"backoff,omitempty"`
	RetryDelay  string   `json:"retry_delay,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`

	At    string `json:"at,omitempty"`
	Every string `json:"every,omitempty"`
	Until string `json:"until,omitempty"`
}
