package supervisor

import (
	"math/rand/v2"
	"time"
)

// RetryDelay returns the wait before attempt+1: base * 2^(attempt-1), capped
// at maxD, with 0.7..1.3 jitter. attempt starts at 1.
func RetryDelay(base, maxD time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	if d > maxD {
		d = maxD
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d < 0 {
		return 0
	}
	return d
}
