package worker

import (
	"time"
)

const (
	DefaultWorkers    = 4
	DefaultQueueSize  = 100
	DefaultJobTimeout = 120 * time.Second
	DefaultStopGrace  = 10 * time.Second
)

// Limits bounds pool size and per-job execution
type Limits struct {
	Workers    int           // number of shards, one worker each
	QueueSize  int           // per-shard queue capacity
	JobTimeout time.Duration // upper bound on a single job
}

// DefaultLimits returns default pool limits
func DefaultLimits() Limits {
	return Limits{
		Workers:    DefaultWorkers,
		QueueSize:  DefaultQueueSize,
		JobTimeout: DefaultJobTimeout,
	}
}

// Normalize fills zero fields with defaults
func (l Limits) Normalize() Limits {
	if l.Workers <= 0 {
		l.Workers = DefaultWorkers
	}
	if l.QueueSize <= 0 {
		l.QueueSize = DefaultQueueSize
	}
	l.JobTimeout = DurationOrDefault(l.JobTimeout, DefaultJobTimeout)
	return l
}
