package engine

import "time"

// Clock supplies wall time and timers to the engine.
//
// Every timestamp the engine writes (change-log entries, watermarks, entity
// touches) comes from Clock.Now, so tests and the scenario harness can drive
// time explicitly. Implementations must be safe for concurrent use.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f once d has elapsed. The returned stop function
	// cancels the call and reports whether it did so before f ran.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

// SystemClock is the real-time Clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// AfterFunc wraps time.AfterFunc.
func (SystemClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}
