package settlement

import "time"

// calculateNextRetry mirrors the teacher's retry worker: exponential
// backoff from a 10s base, doubling per attempt, capped at 10 minutes.
func calculateNextRetry(attempts int) int64 {
	const base = 10 * time.Second
	const maxBackoff = 10 * time.Minute

	backoff := base
	for i := 0; i < attempts; i++ {
		backoff *= 2
		if backoff >= maxBackoff {
			return maxBackoff.Nanoseconds()
		}
	}
	return backoff.Nanoseconds()
}
