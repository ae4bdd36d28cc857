package syncer

import "time"

// Backoff is the retry policy for retryable failures.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay returns the wait after the given number of failed attempts
// (1-based): Base doubled per prior failure, capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if d > b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Exhausted reports whether an operation that has failed attempts times
// must be escalated to a terminal failure.
func (b Backoff) Exhausted(attempts int) bool {
	return attempts > b.MaxAttempts
}
