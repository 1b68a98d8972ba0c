package concrete

import (
	"sync"
	"time"

	"github.com/butter-bot-machines/scribe/pkg/timing"
	"github.com/butter-bot-machines/scribe/pkg/timing/real"
	"github.com/butter-bot-machines/scribe/pkg/watcher"
)

// debouncerImpl implements watcher.Debouncer. Calls fire on the trailing
// edge of a burst, or once maxDelay has passed since the burst began.
type debouncerImpl struct {
	delay    time.Duration
	maxDelay time.Duration
	timers   map[string]*timerCtx
	mu       sync.Mutex
	done     chan struct{}
	clock    timing.Clock
}

type timerCtx struct {
	timer      timing.Timer
	firstEvent time.Time
	seq        uint64
}

// newDebouncer creates a new debouncer
func newDebouncer(delay, maxDelay time.Duration, clock timing.Clock) *debouncerImpl {
	if clock == nil {
		clock = real.New()
	}
	if maxDelay < delay {
		maxDelay = delay
	}
	return &debouncerImpl{
		delay:    delay,
		maxDelay: maxDelay,
		timers:   make(map[string]*timerCtx),
		done:     make(chan struct{}),
		clock:    clock,
	}
}

var _ watcher.Debouncer = (*debouncerImpl)(nil)

// Debounce delays execution of fn until events settle. The latest fn for
// key wins.
func (d *debouncerImpl) Debounce(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.done:
		return
	default:
	}

	now := d.clock.Now()
	ctx, ok := d.timers[key]
	if !ok {
		ctx = &timerCtx{firstEvent: now}
		d.timers[key] = ctx
	}
	if ctx.timer != nil {
		ctx.timer.Stop()
	}
	ctx.seq++

	wait := d.delay
	if remaining := d.maxDelay - now.Sub(ctx.firstEvent); remaining < wait {
		wait = remaining
	}
	if wait < 0 {
		wait = 0
	}

	seq := ctx.seq
	ctx.timer = d.clock.AfterFunc(wait, func() {
		d.mu.Lock()
		select {
		case <-d.done:
			d.mu.Unlock()
			return
		default:
		}
		// A newer Debounce call rescheduled this key
		if cur, ok := d.timers[key]; !ok || cur != ctx || cur.seq != seq {
			d.mu.Unlock()
			return
		}
		delete(d.timers, key)
		d.mu.Unlock()

		fn()
	})
}

// Cancel drops a pending call for key
func (d *debouncerImpl) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ctx, ok := d.timers[key]; ok {
		if ctx.timer != nil {
			ctx.timer.Stop()
		}
		delete(d.timers, key)
	}
}

// Pending returns the number of keys waiting to fire
func (d *debouncerImpl) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Stop stops the debouncer
func (d *debouncerImpl) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.done:
		return
	default:
		close(d.done)
	}

	for _, ctx := range d.timers {
		if ctx.timer != nil {
			ctx.timer.Stop()
		}
	}
	d.timers = make(map[string]*timerCtx)
}
