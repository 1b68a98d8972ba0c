package worker

import (
	"context"
	"time"

	"github.com/butter-bot-machines/scribe/pkg/logging"
	"github.com/butter-bot-machines/scribe/pkg/timing"
)

// Job represents a unit of work that can be processed
type Job interface {
	// ID identifies the job in logs and stats
	ID() string

	// Key routes the job; jobs with the same key run in submission order
	// on a single worker
	Key() string

	// Process executes the job. ctx carries the per-job timeout.
	Process(ctx context.Context) error

	// OnFailure handles job failure
	OnFailure(error)
}

// Stats is a point-in-time view of pool activity
type Stats struct {
	EventsProcessed uint64  `json:"events_processed"`
	EventsFailed    uint64  `json:"events_failed"`
	TotalEvents     uint64  `json:"total_events"`
	SuccessRate     float64 `json:"success_rate"`
	Rejected        uint64  `json:"rejected"`
	InFlight        int64   `json:"in_flight"`
	ShardDepth      []int   `json:"shard_depth"`
	// ShardCapacity is how many jobs each shard queue holds
	ShardCapacity   int     `json:"shard_capacity"`
}

// Queued returns the number of jobs waiting across all shards
func (s Stats) Queued() int {
	n := 0
	for _, d := range s.ShardDepth {
		n += d
	}
	return n
}

// Saturated reports whether any shard queue is full
func (s Stats) Saturated() bool {
	if s.ShardCapacity <= 0 {
		return false
	}
	for _, d := range s.ShardDepth {
		if d >= s.ShardCapacity {
			return true
		}
	}
	return false
}

// Pool represents a worker pool for processing jobs
type Pool interface {
	// Submit queues j on its shard. It blocks while the shard is full and
	// fails once ctx is done or the pool is stopping.
	Submit(ctx context.Context, j Job) error

	// Stats returns the current worker pool statistics
	Stats() Stats

	// Stop stops accepting jobs and waits for queued ones until ctx is
	// done, then cancels whatever is still running.
	Stop(ctx context.Context) error
}

// Options configures a worker pool
type Options struct {
	Limits Limits
	Logger logging.Logger
	Clock  timing.Clock
}

// Outcome labels the terminal state of a job
type Outcome string

const (
	Processed Outcome = "processed"
	Failed    Outcome = "failed"
	TimedOut  Outcome = "timed_out"
	Cancelled Outcome = "cancelled"
)

// Func adapts a function to Job
type Func struct {
	JobID   string
	JobKey  string
	Fn      func(ctx context.Context) error
	Failure func(error)
}

func (f *Func) ID() string  { return f.JobID }
func (f *Func) Key() string { return f.JobKey }

func (f *Func) Process(ctx context.Context) error {
	if f.Fn == nil {
		return nil
	}
	return f.Fn(ctx)
}

func (f *Func) OnFailure(err error) {
	if f.Failure != nil {
		f.Failure(err)
	}
}

var _ Job = (*Func)(nil)

// DurationOrDefault returns d, or def when d is not positive
func DurationOrDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
