// Package backoff computes retry pauses with jitter so contending
// writers do not retry in lockstep.
package backoff

import (
	"math/rand"
	"time"
)

// Jitter returns a uniformly random duration in [0, d). Returns zero
// for non-positive d.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}

// Wait returns the pause before the given 1-based retry attempt: the
// base interval doubled per attempt, plus up to half of itself in
// jitter, capped at max.
func Wait(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		d = max
	}
	return d + Jitter(d/2)
}
