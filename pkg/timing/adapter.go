package timing

import (
	"time"

	"github.com/benbjohnson/clock"
)

// FromClock adapts a benbjohnson clock to Clock.
func FromClock(c clock.Clock) Clock {
	return &adapter{c: c}
}

type adapter struct {
	c clock.Clock
}

func (a *adapter) Now() time.Time                         { return a.c.Now() }
func (a *adapter) Since(t time.Time) time.Duration        { return a.c.Since(t) }
func (a *adapter) Sleep(d time.Duration)                  { a.c.Sleep(d) }
func (a *adapter) After(d time.Duration) <-chan time.Time { return a.c.After(d) }

func (a *adapter) NewTimer(d time.Duration) Timer {
	return &timer{a.c.Timer(d)}
}

func (a *adapter) AfterFunc(d time.Duration, f func()) Timer {
	return &timer{a.c.AfterFunc(d, f)}
}

func (a *adapter) NewTicker(d time.Duration) Ticker {
	return &ticker{a.c.Ticker(d)}
}

type timer struct {
	t *clock.Timer
}

func (t *timer) C() <-chan time.Time        { return t.t.C }
func (t *timer) Stop() bool                 { return t.t.Stop() }
func (t *timer) Reset(d time.Duration) bool { return t.t.Reset(d) }

type ticker struct {
	t *clock.Ticker
}

func (t *ticker) C() <-chan time.Time { return t.t.C }
func (t *ticker) Stop()               { t.t.Stop() }
