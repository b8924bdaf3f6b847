package backoff

import (
	"math"
	"math/rand"
	"time"
)

// ExponentialJitter returns base * 2^attempt capped at max, randomized by
// up to +/-50%. Attempt is zero-based.
func ExponentialJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	mul := math.Pow(2, float64(attempt))
	d := time.Duration(float64(base) * mul)
	if max > 0 && d > max {
		d = max
	}
	// jitter in [-50%, +50%)
	j := float64(d) * (rand.Float64() - 0.5)
	return d + time.Duration(j)
}
