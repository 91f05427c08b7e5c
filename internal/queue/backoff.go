package queue

import "time"

const (
	defaultBackoffBase = 2 * time.Second
	maxBackoff         = 5 * time.Minute
)

// retryDelay returns the delay before re-queuing after failedAttempt has
// completed: base × 2^(attempt-1), capped at maxBackoff.
func retryDelay(base time.Duration, failedAttempt int) time.Duration {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if failedAttempt < 1 {
		failedAttempt = 1
	}

	delay := base
	for i := 1; i < failedAttempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}
