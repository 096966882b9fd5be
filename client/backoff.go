package client

import "time"

const (
	backoffBase = 500 * time.Millisecond
	backoffMax  = 30 * time.Second
)

// Backoff returns the wait before reconnection attempt n (1-based),
// doubling from the base up to a cap. It is a pure function so reconnect
// pacing can be tested without a clock.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	return d
}
