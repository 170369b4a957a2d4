package coordinator

import (
	"math"
	"time"
)

const maxBackoff = 30 * time.Second

// backoffDelay returns base * mult^attempt, capped at maxBackoff.
func backoffDelay(base time.Duration, mult float64, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if mult < 1 {
		mult = 2.0
	}

	delay := time.Duration(float64(base) * math.Pow(mult, float64(attempt)))
	if delay <= 0 || delay > maxBackoff {
		return maxBackoff
	}
	return delay
}
