package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/butter-bot-machines/scribe/pkg/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func closeBus(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b.Close(ctx)
}

func TestBus_FIFOPerTopic(t *testing.T) {
	b := NewBus(100, events.RejectNew, nil)
	defer closeBus(t, b)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	b.Subscribe(events.TopicFile, func(_ context.Context, msg events.Message) {
		mu.Lock()
		got = append(got, msg.Payload.(int))
		n := len(got)
		mu.Unlock()
		if n == 50 {
			close(done)
		}
	})

	for i := 0; i < 50; i++ {
		require.Equal(t, events.Accepted, b.Publish(context.Background(), events.NewMessage(events.TopicFile, i)))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestBus_HandlerNotOnPublisherGoroutine(t *testing.T) {
	b := NewBus(10, events.RejectNew, nil)
	defer closeBus(t, b)

	block := make(chan struct{})
	delivered := make(chan struct{})
	b.Subscribe(events.TopicFile, func(context.Context, events.Message) {
		<-block
		close(delivered)
	})

	returned := make(chan struct{})
	go func() {
		b.Publish(context.Background(), events.NewMessage(events.TopicFile, "x"))
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on the handler")
	}
	close(block)
	<-delivered
}

func TestBus_RejectNewWhenFull(t *testing.T) {
	b := NewBus(2, events.RejectNew, nil)
	defer closeBus(t, b)

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	b.Subscribe(events.TopicFile, func(context.Context, events.Message) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
	})

	ctx := context.Background()
	require.Equal(t, events.Accepted, b.Publish(ctx, events.NewMessage(events.TopicFile, 0)))
	<-started // first message is now held by the handler

	assert.Equal(t, events.Accepted, b.Publish(ctx, events.NewMessage(events.TopicFile, 1)))
	assert.Equal(t, events.Accepted, b.Publish(ctx, events.NewMessage(events.TopicFile, 2)))
	assert.Equal(t, events.DroppedFull, b.Publish(ctx, events.NewMessage(events.TopicFile, 3)))

	st := b.Stats(events.TopicFile)
	assert.Equal(t, uint64(4), st.Published)
	assert.Equal(t, uint64(3), st.Accepted)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, 2, st.Depth)
	assert.True(t, st.Full)

	close(block)
}

func TestBus_DropOldest(t *testing.T) {
	b := NewBus(2, events.DropOldest, nil)

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	var mu sync.Mutex
	var got []int
	b.Subscribe(events.TopicFile, func(_ context.Context, msg events.Message) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		mu.Lock()
		got = append(got, msg.Payload.(int))
		mu.Unlock()
	})

	ctx := context.Background()
	b.Publish(ctx, events.NewMessage(events.TopicFile, 0))
	<-started
	for i := 1; i <= 4; i++ {
		assert.Equal(t, events.Accepted, b.Publish(ctx, events.NewMessage(events.TopicFile, i)))
	}
	assert.Equal(t, uint64(2), b.Stats(events.TopicFile).Dropped)

	close(block)
	closeBus(t, b)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 3, 4}, got)
}

func TestBus_PanicsAreRecovered(t *testing.T) {
	b := NewBus(10, events.RejectNew, nil)

	var mu sync.Mutex
	var got []string
	b.Subscribe(events.TopicDispatchFailed, func(_ context.Context, msg events.Message) {
		if msg.Payload == "boom" {
			panic("boom")
		}
		mu.Lock()
		got = append(got, msg.Payload.(string))
		mu.Unlock()
	})

	ctx := context.Background()
	b.Publish(ctx, events.NewMessage(events.TopicDispatchFailed, "boom"))
	b.Publish(ctx, events.NewMessage(events.TopicDispatchFailed, "ok"))
	closeBus(t, b)

	assert.Equal(t, []string{"ok"}, got)
	assert.Equal(t, uint64(1), b.Stats(events.TopicDispatchFailed).HandlerPanics)
}

func TestBus_TopicsAreIndependent(t *testing.T) {
	b := NewBus(10, events.RejectNew, nil)

	var fileCount, dispatchCount int
	var mu sync.Mutex
	b.Subscribe(events.TopicFile, func(context.Context, events.Message) {
		mu.Lock()
		fileCount++
		mu.Unlock()
	})
	b.Subscribe(events.TopicDispatchCompleted, func(context.Context, events.Message) {
		mu.Lock()
		dispatchCount++
		mu.Unlock()
	})

	ctx := context.Background()
	b.Publish(ctx, events.NewMessage(events.TopicFile, 1))
	b.Publish(ctx, events.NewMessage(events.TopicDispatchCompleted, 1))
	b.Publish(ctx, events.NewMessage(events.TopicDispatchCompleted, 2))
	closeBus(t, b)

	assert.Equal(t, 1, fileCount)
	assert.Equal(t, 2, dispatchCount)
}

func TestBus_CloseDrains(t *testing.T) {
	b := NewBus(100, events.RejectNew, nil)

	var mu sync.Mutex
	count := 0
	b.Subscribe(events.TopicFile, func(context.Context, events.Message) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		count++
		mu.Unlock()
	})

	for i := 0; i < 20; i++ {
		b.Publish(context.Background(), events.NewMessage(events.TopicFile, i))
	}

	report := b.Close(context.Background())
	assert.Equal(t, 0, report.Undrained)
	assert.Equal(t, 20, count)
	assert.Equal(t, events.Closed, b.Publish(context.Background(), events.NewMessage(events.TopicFile, 0)))
}

func TestBus_CloseDeadlineReportsUndrained(t *testing.T) {
	b := NewBus(100, events.RejectNew, nil)

	started := make(chan struct{}, 1)
	b.Subscribe(events.TopicFile, func(ctx context.Context, _ events.Message) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
	})

	for i := 0; i < 5; i++ {
		b.Publish(context.Background(), events.NewMessage(events.TopicFile, i))
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	report := b.Close(ctx)
	assert.Equal(t, 4, report.Undrained)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus(10, events.RejectNew, nil)
	defer closeBus(t, b)

	calls := make(chan struct{}, 10)
	unsubscribe := b.Subscribe(events.TopicFile, func(context.Context, events.Message) {
		calls <- struct{}{}
	})
	unsubscribe()
	unsubscribe()

	assert.Equal(t, events.Accepted, b.Publish(context.Background(), events.NewMessage(events.TopicFile, 1)))
	assert.Equal(t, 0, b.Depth(events.TopicFile))
}
