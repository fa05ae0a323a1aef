// Package backoff owns the retry delay computation.
package backoff

import (
	"math"
	"strconv"
	"time"
)

// DefaultRateLimitDelay is how long a rate-limited (429) job waits when the
// response carried no usable Retry-After header.
const DefaultRateLimitDelay = 10 * time.Minute

// Delay returns how long a job should wait before its next attempt,
// given the retry count as it stood before the failing attempt.
//
// The curve grows with 2^n while the second factor shrinks it back as the
// count climbs. Existing consumers depend on the exact values, so the
// arithmetic here must not be "simplified".
func Delay(retryCount int) time.Duration {
	n := float64(retryCount)
	seconds := math.Round(math.Pow(2, n) * (10 - n/1.5) / 2)
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds) * time.Second
}

// RetryAfter converts a Retry-After header value into a delay. Only the
// delta-seconds form is honored; anything else falls back to
// DefaultRateLimitDelay.
func RetryAfter(header string) time.Duration {
	if header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return DefaultRateLimitDelay
}
