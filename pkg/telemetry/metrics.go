package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scribe"

var (
	// dispatchTotal counts dispatches.
	// Labels: rule_id, outcome (success, failure, blocked, timeout)
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "total",
		Help:      "Total rule dispatches by outcome",
	}, []string{"rule_id", "outcome"})

	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "duration_seconds",
		Help:      "Dispatch latency in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
	}, []string{"rule_id"})

	// actionTotal counts action executions.
	// Labels: action_type, outcome (success, failure), kind (failure kind or "")
	actionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "action",
		Name:      "total",
		Help:      "Total action executions",
	}, []string{"action_type", "outcome", "kind"})

	actionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "action",
		Name:      "duration_seconds",
		Help:      "Action latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"action_type"})

	// breakerState is 0 for CLOSED, 1 for HALF_OPEN and 2 for OPEN.
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state per rule (0 closed, 1 half-open, 2 open)",
	}, []string{"rule_id"})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit breaker state transitions",
	}, []string{"rule_id", "from", "to"})

	quarantineTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quarantine",
		Name:      "total",
		Help:      "Quarantine operations by status",
	}, []string{"rule_id", "status"})

	busPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "published_total",
		Help:      "Messages published to the event bus by result",
	}, []string{"topic", "result"})

	busDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "depth",
		Help:      "Queued messages per topic",
	}, []string{"topic"})

	watcherEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watcher",
		Name:      "events_total",
		Help:      "File events emitted by the watcher",
	}, []string{"type"})

	watcherGaps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watcher",
		Name:      "gaps_total",
		Help:      "Watch losses that triggered a rewatch",
	})

	workerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "events_total",
		Help:      "Events processed by the worker pool",
	}, []string{"outcome"})

	sandboxCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sandbox",
		Name:      "commands_total",
		Help:      "Subprocess executions by outcome",
	}, []string{"command", "outcome"})

	sandboxDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sandbox",
		Name:      "command_duration_seconds",
		Help:      "Subprocess run time in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"command"})

	securityViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "security",
		Name:      "violations_total",
		Help:      "Security policy violations",
	}, []string{"type"})

	reloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reloads_total",
		Help:      "Configuration and plugin reloads",
	}, []string{"component", "outcome"})
)

// RecordDispatch records a completed dispatch
func RecordDispatch(ruleID, outcome string, d time.Duration) {
	dispatchTotal.WithLabelValues(ruleID, outcome).Inc()
	if d > 0 {
		dispatchDuration.WithLabelValues(ruleID).Observe(d.Seconds())
	}
}

// RecordAction records one action execution
func RecordAction(actionType string, success bool, kind string, d time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	actionTotal.WithLabelValues(actionType, outcome, kind).Inc()
	actionDuration.WithLabelValues(actionType).Observe(d.Seconds())
}

// RecordBreakerState records a breaker state and the transition into it
func RecordBreakerState(ruleID, from, to string, level float64) {
	breakerState.WithLabelValues(ruleID).Set(level)
	if from != to {
		breakerTransitions.WithLabelValues(ruleID, from, to).Inc()
	}
}

// RecordQuarantine records a quarantine operation
func RecordQuarantine(ruleID, status string) {
	quarantineTotal.WithLabelValues(ruleID, status).Inc()
}

// RecordPublish records a publish attempt and the resulting topic depth
func RecordPublish(topic, result string, depth int) {
	busPublished.WithLabelValues(topic, result).Inc()
	busDepth.WithLabelValues(topic).Set(float64(depth))
}

// RecordBusDepth records the depth of a topic queue
func RecordBusDepth(topic string, depth int) {
	busDepth.WithLabelValues(topic).Set(float64(depth))
}

// RecordWatcherEvent records an emitted file event
func RecordWatcherEvent(eventType string) {
	watcherEvents.WithLabelValues(eventType).Inc()
}

// RecordWatcherGap records a lost watch
func RecordWatcherGap() {
	watcherGaps.Inc()
}

// RecordWorkerEvent records the terminal outcome of a file event
func RecordWorkerEvent(outcome string) {
	workerEvents.WithLabelValues(outcome).Inc()
}

// RecordCommand records a subprocess execution
func RecordCommand(command, outcome string, d time.Duration) {
	sandboxCommands.WithLabelValues(command, outcome).Inc()
	if d > 0 {
		sandboxDuration.WithLabelValues(command).Observe(d.Seconds())
	}
}

// RecordSecurityViolation records a policy violation
func RecordSecurityViolation(eventType string) {
	securityViolations.WithLabelValues(eventType).Inc()
}

// RecordReload records a configuration or plugin reload
func RecordReload(component, outcome string) {
	reloads.WithLabelValues(component, outcome).Inc()
}

// MetricsHandler returns the HTTP handler for the /metrics endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
