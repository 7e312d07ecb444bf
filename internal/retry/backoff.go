package retry

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: min(maxDelay, base×2^attempt) with random
// jitter proportional to the delay, so a batch-wide failure does not produce
// a thundering herd of simultaneous retries.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Delay returns the wait before the given attempt (attempt 1 is the first
// retry). The result never exceeds Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := b.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= b.Max {
			delay = b.Max
			break
		}
	}

	if b.Jitter > 0 {
		// jitter in [-Jitter·delay, +Jitter·delay]
		spread := float64(delay) * b.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
	}

	if delay > b.Max {
		delay = b.Max
	}
	if delay < 0 {
		delay = 0
	}

	return delay
}
