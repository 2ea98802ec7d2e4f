package connector

import "time"

var processStart = time.Now()

// monotonicNow reads the monotonic clock, immune to wall clock adjustments.
func monotonicNow() time.Duration {
	return time.Since(processStart)
}
