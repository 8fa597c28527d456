package config

import (
	"fmt"
	"strings"
	"time"

	"jobforge/internal/sched"
)

// Validate checks the config for structural problems before it is handed
// to the engine. It catches everything that would otherwise surface as a
// rejected Submit at runtime: duplicate or missing names, unknown
// dependency references, bad enum strings, and malformed durations or
// timestamps.
func (c *Config) Validate() error {
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers: must be >= 0")
	}
	if _, err := ParseDurationField("engine.tick", c.Engine.Tick); err != nil {
		return err
	}
	if _, err := ParseDurationField("engine.default_timeout", c.Engine.DefaultTimeout); err != nil {
		return err
	}

	if h := c.History; h != nil && h.Enabled {
		if strings.TrimSpace(h.Path) == "" {
			return fmt.Errorf("history.path: required when history is enabled")
		}
		if h.RatePerSec < 0 {
			return fmt.Errorf("history.rate_per_sec: must be >= 0")
		}
		if _, err := ParseDurationField("history.busy_timeout", h.BusyTimeout); err != nil {
			return err
		}
	}

	recurring := map[string]bool{}
	deferred := map[string]bool{}
	seen := map[string]struct{}{}
	for i, js := range c.Jobs {
		at := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(js.Name)
		if name == "" {
			return fmt.Errorf("%s: name required", at)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%s: duplicate job name %q", at, name)
		}
		seen[name] = struct{}{}

		if strings.TrimSpace(js.Command) == "" {
			return fmt.Errorf("%s (%s): command required", at, name)
		}
		if _, ok := sched.ParsePriority(js.Priority); !ok {
			return fmt.Errorf("%s (%s): unknown priority %q", at, name, js.Priority)
		}
		if _, ok := sched.ParseBackoff(js.Backoff); !ok {
			return fmt.Errorf("%s (%s): unknown backoff %q", at, name, js.Backoff)
		}
		if js.MaxAttempts < 0 {
			return fmt.Errorf("%s (%s): max_attempts must be >= 0", at, name)
		}
		if _, err := ParseDurationField(at+".timeout", js.Timeout); err != nil {
			return err
		}
		if _, err := ParseDurationField(at+".retry_delay", js.RetryDelay); err != nil {
			return err
		}

		if js.At != "" {
			if _, err := time.Parse(time.RFC3339, js.At); err != nil {
				return fmt.Errorf("%s (%s): invalid at timestamp: %w", at, name, err)
			}
			deferred[name] = true
		}
		if js.Every != "" {
			every, err := ParseDurationField(at+".every", js.Every)
			if err != nil {
				return err
			}
			if every == 0 {
				return fmt.Errorf("%s (%s): every must be > 0", at, name)
			}
			if len(js.DependsOn) > 0 {
				return fmt.Errorf("%s (%s): recurring jobs cannot declare dependencies", at, name)
			}
			recurring[name] = true
		}
		if js.Until != "" {
			if js.Every == "" {
				return fmt.Errorf("%s (%s): until requires every", at, name)
			}
			if _, err := time.Parse(time.RFC3339, js.Until); err != nil {
				return fmt.Errorf("%s (%s): invalid until timestamp: %w", at, name, err)
			}
		}
	}

	for i, js := range c.Jobs {
		for _, dep := range js.DependsOn {
			at := fmt.Sprintf("jobs[%d] (%s)", i, js.Name)
			if dep == js.Name {
				return fmt.Errorf("%s: cannot depend on itself", at)
			}
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("%s: unknown dependency %q", at, dep)
			}
			if recurring[dep] {
				return fmt.Errorf("%s: cannot depend on recurring job %q", at, dep)
			}
			// Deferred jobs get their id at promotion time, so nothing can
			// reference them as a dependency.
			if deferred[dep] {
				return fmt.Errorf("%s: cannot depend on deferred job %q", at, dep)
			}
		}
	}
	return nil
}
