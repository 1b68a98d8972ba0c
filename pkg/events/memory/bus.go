package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/butter-bot-machines/scribe/pkg/events"
	"github.com/butter-bot-machines/scribe/pkg/logging"
	"github.com/butter-bot-machines/scribe/pkg/telemetry"
)

// DefaultCapacity bounds each subscriber queue when none is configured
const DefaultCapacity = 1000

// Bus is an in-memory events.Bus. Every subscriber owns a bounded FIFO
// served by its own delivery goroutine.
type Bus struct {
	capacity int
	policy   events.DropPolicy
	logger   logging.Logger
	warn     *rate.Limiter

	mu     sync.RWMutex
	topics map[events.Topic]*topic
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type topic struct {
	mu   sync.RWMutex
	subs []*subscription

	published atomic.Uint64
	accepted  atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
	panics    atomic.Uint64
}

type subscription struct {
	handler events.Handler

	mu      sync.Mutex
	queue   []events.Message
	signal  chan struct{}
	stopped bool
}

var _ events.Bus = (*Bus)(nil)

// NewBus creates a bus whose subscriber queues hold capacity messages
func NewBus(capacity int, policy events.DropPolicy, logger logging.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if policy == "" {
		policy = events.RejectNew
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		capacity: capacity,
		policy:   policy,
		logger:   logger.WithGroup("bus"),
		warn:     rate.NewLimiter(rate.Every(5*time.Second), 1),
		topics:   make(map[events.Topic]*topic),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (b *Bus) topic(name events.Topic, create bool) *topic {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if ok || !create {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[name]; !ok {
		t = &topic{}
		b.topics[name] = t
	}
	return t
}

// Publish implements events.Bus. With no subscribers the message is
// accepted and discarded.
func (b *Bus) Publish(_ context.Context, msg events.Message) events.PublishResult {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		telemetry.RecordPublish(string(msg.Topic), string(events.Closed), 0)
		return events.Closed
	}

	t := b.topic(msg.Topic, true)
	t.published.Add(1)

	t.mu.RLock()
	subs := t.subs
	t.mu.RUnlock()

	result := events.Accepted
	depth := 0
	for _, s := range subs {
		ok, evicted, n := s.push(msg, b.capacity, b.policy)
		if n > depth {
			depth = n
		}
		if evicted {
			t.dropped.Add(1)
			b.warnDrop(msg.Topic, "evicted oldest message")
		}
		if !ok {
			result = events.DroppedFull
		}
	}

	if result == events.Accepted {
		t.accepted.Add(1)
	} else {
		t.dropped.Add(1)
		b.warnDrop(msg.Topic, "queue full, message rejected")
	}
	telemetry.RecordPublish(string(msg.Topic), string(result), depth)
	return result
}

func (b *Bus) warnDrop(t events.Topic, reason string) {
	if b.warn.Allow() {
		b.logger.Warn("Event bus dropping messages", "topic", t, "reason", reason, "capacity", b.capacity)
	}
}

// Subscribe implements events.Bus
func (b *Bus) Subscribe(name events.Topic, handler events.Handler) func() {
	s := &subscription{
		handler: handler,
		signal:  make(chan struct{}, 1),
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return func() {}
	}

	t := b.topic(name, true)
	t.mu.Lock()
	t.subs = append(append([]*subscription{}, t.subs...), s)
	t.mu.Unlock()

	b.wg.Add(1)
	go b.deliver(t, s)

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			next := make([]*subscription, 0, len(t.subs))
			for _, other := range t.subs {
				if other != s {
					next = append(next, other)
				}
			}
			t.subs = next
			t.mu.Unlock()
			s.stop()
		})
	}
}

func (b *Bus) deliver(t *topic, s *subscription) {
	defer b.wg.Done()
	for {
		msg, ok := s.next(b.ctx)
		if !ok {
			return
		}
		b.invoke(t, s, msg)
	}
}

func (b *Bus) invoke(t *topic, s *subscription, msg events.Message) {
	defer func() {
		if r := recover(); r != nil {
			t.panics.Add(1)
			b.logger.Error("Event handler panicked",
				"topic", msg.Topic,
				"message_id", msg.ID,
				"panic", fmt.Sprint(r))
		}
	}()
	s.handler(b.ctx, msg)
	t.delivered.Add(1)
}

// Depth implements events.Bus; it reports the deepest subscriber queue.
func (b *Bus) Depth(name events.Topic) int {
	t := b.topic(name, false)
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	depth := 0
	for _, s := range t.subs {
		if n := s.len(); n > depth {
			depth = n
		}
	}
	return depth
}

// Capacity implements events.Bus
func (b *Bus) Capacity() int {
	return b.capacity
}

// Stats implements events.Bus
func (b *Bus) Stats(name events.Topic) events.Stats {
	st := events.Stats{Capacity: b.capacity}
	t := b.topic(name, false)
	if t == nil {
		return st
	}
	st.Published = t.published.Load()
	st.Accepted = t.accepted.Load()
	st.Dropped = t.dropped.Load()
	st.Delivered = t.delivered.Load()
	st.HandlerPanics = t.panics.Load()
	st.Depth = b.Depth(name)
	st.Full = st.Depth >= b.capacity
	return st
}

// Close implements events.Bus. Queued messages keep flowing to subscribers
// until every queue is empty or ctx is done; whatever remains is reported
// as undrained.
func (b *Bus) Close(ctx context.Context) events.CloseReport {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return events.CloseReport{}
	}
	b.closed = true
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	pending := 0
	var subs []*subscription
	for _, t := range topics {
		t.mu.RLock()
		for _, s := range t.subs {
			pending += s.len()
			subs = append(subs, s)
		}
		t.mu.RUnlock()
	}
	for _, s := range subs {
		s.drainThenStop()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.cancel()
		<-done
	}
	b.cancel()

	undrained := 0
	for _, s := range subs {
		undrained += s.len()
	}
	report := events.CloseReport{Drained: pending - undrained, Undrained: undrained}
	if undrained > 0 {
		b.logger.Warn("Event bus closed with undrained messages", "undrained", undrained)
	} else {
		b.logger.Debug("Event bus drained", "drained", report.Drained)
	}
	return report
}

// push appends msg. It reports whether msg was queued, whether an older
// message was evicted, and the resulting depth.
func (s *subscription) push(msg events.Message, capacity int, policy events.DropPolicy) (bool, bool, int) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return true, false, 0
	}

	evicted := false
	if len(s.queue) >= capacity {
		if policy != events.DropOldest {
			n := len(s.queue)
			s.mu.Unlock()
			return false, false, n
		}
		s.queue[0] = events.Message{}
		s.queue = s.queue[1:]
		evicted = true
	}
	s.queue = append(s.queue, msg)
	n := len(s.queue)
	s.mu.Unlock()

	s.wake()
	return true, evicted, n
}

// next blocks until a message is available. It returns false once the
// subscription is stopped and empty, or ctx is done.
func (s *subscription) next(ctx context.Context) (events.Message, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 && ctx.Err() == nil {
			msg := s.queue[0]
			s.queue[0] = events.Message{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, true
		}
		stopped := s.stopped
		s.mu.Unlock()

		if stopped || ctx.Err() != nil {
			return events.Message{}, false
		}

		select {
		case <-s.signal:
		case <-ctx.Done():
		}
	}
}

func (s *subscription) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// stop discards anything queued
func (s *subscription) stop() {
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
	s.wake()
}

// drainThenStop lets the delivery goroutine finish the queue before exiting
func (s *subscription) drainThenStop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.wake()
}
