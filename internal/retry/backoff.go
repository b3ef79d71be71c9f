package retry

import "time"

// maxBackoff bounds the delay so a task stuck on its last attempts is not
// parked for minutes.
const maxBackoff = 30 * time.Second

// ExponentialBackoff returns the delay before the given zero-based attempt.
// The delay doubles per attempt (base * 2^attempt) and is capped at
// maxBackoff, which also guards the shift against overflow.
func ExponentialBackoff(attempt int, base time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base << uint(attempt)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}
