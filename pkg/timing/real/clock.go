package real

import (
	"github.com/benbjohnson/clock"

	"github.com/butter-bot-machines/scribe/pkg/timing"
)

// New returns the wall clock
func New() timing.Clock {
	return timing.FromClock(clock.New())
}
