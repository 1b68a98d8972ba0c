// Package timing abstracts wall-clock access so debounce windows, breaker
// recovery and job deadlines can be driven by a mock clock in tests.
package timing

import "time"

// Clock is the engine's source of time. Values returned by Now carry the
// monotonic reading of the underlying clock, so Since is safe across wall
// clock adjustments.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration

	// Sleep and After block on the clock, not on real time, when mocked.
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time

	NewTimer(d time.Duration) Timer
	AfterFunc(d time.Duration, f func()) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer fires once. Reset rearms a stopped or expired timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Ticker fires repeatedly until stopped
type Ticker interface {
	C() <-chan time.Time
	Stop()
}
