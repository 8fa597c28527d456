package sched

import (
	"strings"
	"time"
)

// BackoffStrategy maps a 0-based failed-attempt index and a base delay to
// the wait before the next attempt. Delays are exact (no jitter) so retry
// timing stays deterministic and testable.
type BackoffStrategy int

const (
	BackoffImmediate BackoffStrategy = iota
	BackoffFixed
	BackoffLinear
	BackoffExponential
)

func (s BackoffStrategy) String() string {
	switch s {
	case BackoffImmediate:
		return "immediate"
	case BackoffFixed:
		return "fixed"
	case BackoffLinear:
		return "linear"
	case BackoffExponential:
		return "exponential"
	default:
		return "unknown"
	}
}

// ParseBackoff maps a config string to a strategy. Empty means fixed.
func ParseBackoff(s string) (BackoffStrategy, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fixed":
		return BackoffFixed, true
	case "immediate", "none":
		return BackoffImmediate, true
	case "linear":
		return BackoffLinear, true
	case "exponential", "exp":
		return BackoffExponential, true
	default:
		return BackoffFixed, false
	}
}

// Delay computes the backoff before retrying failed attempt n (0-based):
// immediate is 0, fixed is base, linear is base*(n+1), exponential is
// base*2^n.
func (s BackoffStrategy) Delay(attempt int, base time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base < 0 {
		base = 0
	}
	switch s {
	case BackoffImmediate:
		return 0
	case BackoffFixed:
		return base
	case BackoffLinear:
		return base * time.Duration(attempt+1)
	case BackoffExponential:
		// Cap the shift; beyond this the delay is already absurd and the
		// multiplication would overflow int64.
		shift := uint(attempt)
		if shift > 32 {
			shift = 32
		}
		return base << shift
	default:
		return base
	}
}
