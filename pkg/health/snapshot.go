package health

import (
	"time"

	"github.com/butter-bot-machines/scribe/pkg/breaker"
	"github.com/butter-bot-machines/scribe/pkg/dispatcher"
	"github.com/butter-bot-machines/scribe/pkg/events"
	"github.com/butter-bot-machines/scribe/pkg/watcher"
	"github.com/butter-bot-machines/scribe/pkg/worker"
)

// Status values reported by /health
const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
)

// Engine describes what the engine is watching
type Engine struct {
	IsRunning    bool     `json:"is_running"`
	WatchPaths   []string `json:"watch_paths"`
	FilePatterns []string `json:"file_patterns"`
}

// Worker is the worker section of the snapshot
type Worker struct {
	EventsProcessed uint64  `json:"events_processed"`
	EventsFailed    uint64  `json:"events_failed"`
	TotalEvents     uint64  `json:"total_events"`
	SuccessRate     float64 `json:"success_rate"`
	InFlight        int64   `json:"in_flight"`
	ShardDepth      []int   `json:"shard_depth"`
	ShardCapacity   int     `json:"shard_capacity"`
}

// Breakers summarizes the breaker table
type Breakers struct {
	Total    int                `json:"total"`
	Closed   int                `json:"closed"`
	Open     int                `json:"open"`
	HalfOpen int                `json:"half_open"`
	Breakers []breaker.Snapshot `json:"breakers"`
}

// Snapshot is the /health document
type Snapshot struct {
	Status                string           `json:"status"`
	Timestamp             time.Time        `json:"timestamp"`
	UptimeSeconds         float64          `json:"uptime_seconds"`
	// QueueSize counts events accepted but not yet running: the bus queue
	// plus every worker shard queue.
	QueueSize             int              `json:"queue_size"`
	Engine                Engine           `json:"engine"`
	Worker                Worker           `json:"worker"`
	ActionDispatcherStats dispatcher.Stats `json:"action_dispatcher_stats"`
	CircuitBreakerStats   Breakers         `json:"circuit_breaker_stats"`
	Paused                bool             `json:"paused"`
	PluginIDs             []string         `json:"plugin_ids"`
	Watcher               watcher.Stats    `json:"watcher"`
	Bus                   events.Stats     `json:"bus"`
}

// State is the raw engine state a Source reports
type State struct {
	Running    bool
	StartedAt  time.Time
	Engine     Engine
	Worker     worker.Stats
	Dispatcher dispatcher.Stats
	Breakers   []breaker.Snapshot
	Paused     bool
	PluginIDs  []string
	Watcher    watcher.Stats
	Bus        events.Stats
}

// Source reports engine state. It must be safe for concurrent use and must
// not change engine state.
type Source interface {
	HealthState() State
}

// Build assembles the snapshot document for st at now
func Build(st State, now time.Time) Snapshot {
	snap := Snapshot{
		Timestamp: now.UTC(),
		QueueSize: st.Bus.Depth + st.Worker.Queued(),
		Engine:    st.Engine,
		Worker: Worker{
			EventsProcessed: st.Worker.EventsProcessed,
			EventsFailed:    st.Worker.EventsFailed,
			TotalEvents:     st.Worker.TotalEvents,
			SuccessRate:     st.Worker.SuccessRate,
			InFlight:        st.Worker.InFlight,
			ShardDepth:      st.Worker.ShardDepth,
			ShardCapacity:   st.Worker.ShardCapacity,
		},
		ActionDispatcherStats: st.Dispatcher,
		CircuitBreakerStats:   summarize(st.Breakers),
		Paused:                st.Paused,
		PluginIDs:             st.PluginIDs,
		Watcher:               st.Watcher,
		Bus:                   st.Bus,
	}
	if snap.Engine.WatchPaths == nil {
		snap.Engine.WatchPaths = []string{}
	}
	if snap.Engine.FilePatterns == nil {
		snap.Engine.FilePatterns = []string{}
	}
	if snap.PluginIDs == nil {
		snap.PluginIDs = []string{}
	}
	if !st.StartedAt.IsZero() {
		snap.UptimeSeconds = now.Sub(st.StartedAt).Seconds()
	}
	snap.Status = Evaluate(st.Running, snap.CircuitBreakerStats, st.Bus.Full || st.Worker.Saturated(), st.Paused)
	return snap
}

// Evaluate derives the overall status. A stopped engine is unhealthy; an
// open or probing breaker, a full queue or a pause degrades it.
func Evaluate(running bool, b Breakers, queueFull, paused bool) string {
	switch {
	case !running:
		return Unhealthy
	case b.Open > 0 || b.HalfOpen > 0 || queueFull || paused:
		return Degraded
	default:
		return Healthy
	}
}

func summarize(snaps []breaker.Snapshot) Breakers {
	b := Breakers{Total: len(snaps), Breakers: snaps}
	if b.Breakers == nil {
		b.Breakers = []breaker.Snapshot{}
	}
	for _, s := range snaps {
		switch s.State {
		case breaker.Open:
			b.Open++
		case breaker.HalfOpen:
			b.HalfOpen++
		default:
			b.Closed++
		}
	}
	return b
}
