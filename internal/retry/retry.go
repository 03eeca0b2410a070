// Package retry computes backoff delays for failed jobs.
package retry

import "time"

// MaxDelay caps the exponential backoff at one hour.
const MaxDelay = time.Hour

// Delay returns the wait before a failed job becomes eligible again:
// min(base * 2^attempts, MaxDelay). attempts is the post-increment count at
// the moment of the failed attempt. Deterministic, no side effects.
func Delay(attempts int, base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	if d >= MaxDelay {
		return MaxDelay
	}
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= MaxDelay {
			return MaxDelay
		}
	}
	return d
}
