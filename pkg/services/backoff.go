package services

import (
	"math/rand/v2"
	"time"
)

// retryBackoff returns the delay before the next attempt using exponential
// backoff with full jitter: uniform in [0, min(cap, base*2^(attempts-1))].
// attempts is the number of attempts already consumed (≥ 1 at first failure).
func retryBackoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	backoff := base
	for i := 1; i < attempts && backoff < max; i++ {
		backoff *= 2
	}
	if backoff > max {
		backoff = max
	}
	if backoff <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(backoff) + 1))
}
