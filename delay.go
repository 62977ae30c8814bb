package crunch

import (
	"math"
	"time"
)

// DelayFunc returns how long the relay waits after the given failed attempt.
// Attempts are counted from 0.
type DelayFunc func(attempt int) time.Duration

// Fixed waits the same delay after every attempt.
func Fixed(delay time.Duration) DelayFunc {
	return func(int) time.Duration {
		return delay
	}
}

// Exponential doubles delay after every attempt, capped at maxDelay.
// With 200ms and 1h: 200ms, 400ms, 800ms, ... 54m36.8s, 1h, 1h.
func Exponential(delay time.Duration, maxDelay time.Duration) DelayFunc {
	if delay <= 0 {
		return Fixed(0)
	}

	// largest shift that cannot overflow int64
	var maxShifts uint
	if logDelay := math.Floor(math.Log2(float64(delay))); logDelay < 62 {
		maxShifts = 62 - uint(logDelay)
	}

	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return min(delay, maxDelay)
		}

		// nolint:gosec
		n := min(uint(attempt), maxShifts)
		return min(delay<<n, maxDelay)
	}
}
