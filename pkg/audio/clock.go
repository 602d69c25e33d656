package audio

import "time"

// Clock is the time source used by timing-sensitive sinks and the silence
// generator. Durations are always computed with [time.Time.Sub] on values
// returned by the same Clock, so a clock backed by [time.Now] measures on the
// monotonic clock and is unaffected by wall-clock adjustments.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default [Clock] backed by [time.Now].
type SystemClock struct{}

// Now implements [Clock].
func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to the [Clock] interface.
type ClockFunc func() time.Time

// Now implements [Clock].
func (f ClockFunc) Now() time.Time { return f() }
