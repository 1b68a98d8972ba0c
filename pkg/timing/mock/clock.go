package mock

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/butter-bot-machines/scribe/pkg/timing"
)

// Clock is a manually advanced timing.Clock for tests.
type Clock struct {
	timing.Clock
	m *clock.Mock
}

// New creates a mock clock set to now
func New(now time.Time) *Clock {
	m := clock.NewMock()
	m.Set(now)
	return &Clock{Clock: timing.FromClock(m), m: m}
}

// Add advances the clock, firing any timers that become due
func (c *Clock) Add(d time.Duration) {
	c.m.Add(d)
}

// Set moves the clock to t
func (c *Clock) Set(t time.Time) {
	c.m.Set(t)
}
