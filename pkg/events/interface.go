package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Topic names a stream of messages. Ordering is FIFO within a topic.
type Topic string

const (
	// TopicFile carries FileEvent payloads from the watcher to the workers
	TopicFile Topic = "file"

	TopicDispatchStarted   Topic = "dispatch.started"
	TopicDispatchCompleted Topic = "dispatch.completed"
	TopicDispatchFailed    Topic = "dispatch.failed"
	TopicDispatchBlocked   Topic = "dispatch.blocked"
	TopicConfigChanged     Topic = "config_changed"
	TopicPluginsReloaded   Topic = "plugins.reloaded"
)

// Message is the envelope carried by the bus
type Message struct {
	ID        string
	Topic     Topic
	Timestamp time.Time
	Payload   interface{}
}

// NewMessage wraps payload for topic
func NewMessage(topic Topic, payload interface{}) Message {
	return Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// Handler consumes messages. It is never invoked on the publisher's
// goroutine. ctx is cancelled when the bus gives up draining.
type Handler func(ctx context.Context, msg Message)

// PublishResult reports what happened to a published message
type PublishResult string

const (
	Accepted    PublishResult = "accepted"
	DroppedFull PublishResult = "dropped_due_to_full"
	Closed      PublishResult = "closed"
)

// DropPolicy decides what a full queue does with a new message
type DropPolicy string

const (
	// RejectNew drops the incoming message
	RejectNew DropPolicy = "reject_new"
	// DropOldest evicts the oldest queued message to make room
	DropOldest DropPolicy = "drop_oldest"
)

// Stats is a point-in-time view of bus counters
type Stats struct {
	Published     uint64 `json:"published"`
	Accepted      uint64 `json:"accepted"`
	Dropped       uint64 `json:"dropped"`
	Delivered     uint64 `json:"delivered"`
	HandlerPanics uint64 `json:"handler_panics"`
	Depth         int    `json:"depth"`
	Capacity      int    `json:"capacity"`
	Full          bool   `json:"full"`
}

// CloseReport summarizes the drain performed by Close
type CloseReport struct {
	Drained   int `json:"drained"`
	Undrained int `json:"undrained"`
}

// Bus is a bounded publish/subscribe channel. Implementations backed by an
// external broker expose the same contract.
type Bus interface {
	// Publish enqueues msg for every subscriber of its topic
	Publish(ctx context.Context, msg Message) PublishResult

	// Subscribe registers handler for topic and returns an unsubscribe func
	Subscribe(topic Topic, handler Handler) (unsubscribe func())

	// Depth returns the number of queued, undelivered messages on topic
	Depth(topic Topic) int

	// Capacity returns the per-subscriber queue bound
	Capacity() int

	// Stats returns counters for topic
	Stats(topic Topic) Stats

	// Close stops accepting messages and drains queued ones until ctx is done
	Close(ctx context.Context) CloseReport
}

// EventType classifies a filesystem change
type EventType string

const (
	Created  EventType = "created"
	Modified EventType = "modified"
	Deleted  EventType = "deleted"
	Moved    EventType = "moved"
)

// FileEvent is a normalized filesystem change. Path is absolute; OldPath is
// set for moves.
type FileEvent struct {
	ID        string    `json:"event_id"`
	Type      EventType `json:"type"`
	Path      string    `json:"path"`
	OldPath   string    `json:"old_path,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewFileEvent creates an event with a fresh ID
func NewFileEvent(typ EventType, path, oldPath string, ts time.Time) FileEvent {
	return FileEvent{
		ID:        uuid.NewString(),
		Type:      typ,
		Path:      path,
		OldPath:   oldPath,
		Timestamp: ts,
	}
}

// DispatchNotice is the payload of the dispatch.* topics
type DispatchNotice struct {
	EventID  string        `json:"event_id"`
	RuleID   string        `json:"rule_id"`
	FilePath string        `json:"file_path"`
	Success  bool          `json:"success"`
	Kind     string        `json:"kind,omitempty"`
	Duration time.Duration `json:"duration"`
}
