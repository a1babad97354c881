package voicelive

import "time"

// Retry/backoff defaults.
const (
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffMax  = 30 * time.Second
)

// calculateBackoffDelay returns the wait before retry attempt n (0-based):
// min(base * 2^n, max). Deterministic so the delay sequence is
// non-decreasing and bounded.
func calculateBackoffDelay(n int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}
	if n < 0 {
		n = 0
	}

	delay := base
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
