package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/butter-bot-machines/scribe/pkg/config"
	"github.com/butter-bot-machines/scribe/pkg/errors"
	"github.com/butter-bot-machines/scribe/pkg/logging"
	"github.com/butter-bot-machines/scribe/pkg/telemetry"
	"github.com/butter-bot-machines/scribe/pkg/timing"
)

// State is a breaker state
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

func (s State) level() float64 {
	switch s {
	case HalfOpen:
		return 1
	case Open:
		return 2
	}
	return 0
}

var (
	// ErrOpen is returned by Allow while the breaker is open
	ErrOpen = errors.New(errors.DispatchBlocked, "circuit breaker open")
	// ErrProbeLimit is returned by Allow when every half-open probe slot
	// is taken
	ErrProbeLimit = errors.New(errors.DispatchBlocked, "circuit breaker probe limit reached")
)

// Settings are the thresholds of one breaker
type Settings struct {
	FailureThreshold  int           `json:"failure_threshold"`
	RecoveryTimeout   time.Duration `json:"recovery_timeout"`
	SuccessThreshold  int           `json:"success_threshold"`
	HalfOpenMaxProbes int           `json:"half_open_max_probes"`
}

// DefaultSettings returns 5 failures / 60s / 3 successes / 1 probe
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:  config.DefaultFailureThreshold,
		RecoveryTimeout:   config.DefaultRecoveryTimeout * time.Second,
		SuccessThreshold:  config.DefaultSuccessThreshold,
		HalfOpenMaxProbes: config.DefaultHalfOpenMaxProbes,
	}
}

// SettingsFor applies a rule's overrides to the defaults
func SettingsFor(rule *config.Rule) Settings {
	s := DefaultSettings()
	o := rule.Breaker()
	if o == nil {
		return s
	}
	if o.FailureThreshold > 0 {
		s.FailureThreshold = o.FailureThreshold
	}
	if o.RecoveryTimeoutSeconds > 0 {
		s.RecoveryTimeout = time.Duration(o.RecoveryTimeoutSeconds) * time.Second
	}
	if o.SuccessThreshold > 0 {
		s.SuccessThreshold = o.SuccessThreshold
	}
	if o.HalfOpenMaxProbes > 0 {
		s.HalfOpenMaxProbes = o.HalfOpenMaxProbes
	}
	return s
}

// Snapshot is a point-in-time view of a breaker
type Snapshot struct {
	RuleID         string     `json:"rule_id"`
	State          State      `json:"state"`
	FailureCount   int        `json:"failure_count"`
	SuccessCount   int        `json:"success_count"`
	OpenedAt       *time.Time `json:"opened_at,omitempty"`
	InFlightProbes int        `json:"in_flight_probes"`
	Thresholds     Settings   `json:"thresholds"`
}

// Breaker is the three-state circuit breaker of one rule. All state
// changes happen under its mutex, so updates per rule are linearized.
type Breaker struct {
	ruleID string
	clock  timing.Clock
	logger logging.Logger

	mu        sync.Mutex
	settings  Settings
	state     State
	failures  int
	successes int
	openedAt  time.Time
	probes    int
	epoch     uint64
}

// New creates a closed breaker
func New(ruleID string, settings Settings, clock timing.Clock, logger logging.Logger) *Breaker {
	if logger == nil {
		logger = logging.NewNop()
	}
	b := &Breaker{
		ruleID:   ruleID,
		clock:    clock,
		logger:   logger,
		settings: settings,
		state:    Closed,
	}
	telemetry.RecordBreakerState(ruleID, string(Closed), string(Closed), Closed.level())
	return b
}

// Ticket is permission for one dispatch. Done must be called exactly once;
// later calls are ignored.
type Ticket struct {
	b     *Breaker
	epoch uint64
	probe bool
	done  atomic.Bool
}

// Probe reports whether the ticket was issued in HALF_OPEN
func (t *Ticket) Probe() bool {
	return t.probe
}

// Done records the dispatch outcome
func (t *Ticket) Done(success bool) {
	if t == nil || !t.done.CompareAndSwap(false, true) {
		return
	}
	t.b.record(t, success)
}

// Allow asks to dispatch. It returns ErrOpen while open and ErrProbeLimit
// when half-open with every probe slot taken.
func (b *Breaker) Allow() (*Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advanceLocked()
	switch b.state {
	case Open:
		return nil, ErrOpen
	case HalfOpen:
		if b.probes >= b.settings.HalfOpenMaxProbes {
			return nil, ErrProbeLimit
		}
		b.probes++
		return &Ticket{b: b, epoch: b.epoch, probe: true}, nil
	default:
		return &Ticket{b: b, epoch: b.epoch}, nil
	}
}

func (b *Breaker) record(t *Ticket, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.probe && t.epoch == b.epoch {
		b.probes--
	}
	// Outcomes of dispatches admitted in an earlier state are stale.
	if t.epoch != b.epoch {
		return
	}

	switch b.state {
	case Closed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.transitionLocked(Open)
		}
	case HalfOpen:
		if !success {
			b.failures++
			b.transitionLocked(Open)
			return
		}
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			b.transitionLocked(Closed)
		}
	}
}

// advanceLocked moves OPEN to HALF_OPEN once the recovery timeout passed
func (b *Breaker) advanceLocked() {
	if b.state == Open && b.clock.Since(b.openedAt) >= b.settings.RecoveryTimeout {
		b.transitionLocked(HalfOpen)
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	b.epoch++
	b.probes = 0

	switch to {
	case Open:
		b.openedAt = b.clock.Now()
		b.successes = 0
	case HalfOpen:
		b.successes = 0
	case Closed:
		b.failures = 0
		b.successes = 0
		b.openedAt = time.Time{}
	}

	telemetry.RecordBreakerState(b.ruleID, string(from), string(to), to.level())
	b.logger.Warn("Circuit breaker state changed",
		"rule_id", b.ruleID,
		"from", from,
		"to", to,
		"failures", b.failures)
}

// State returns the current state, applying the recovery timeout
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

// SetSettings replaces the thresholds without resetting state
func (b *Breaker) SetSettings(s Settings) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settings = s
	if b.state == Closed && b.failures >= s.FailureThreshold {
		b.transitionLocked(Open)
	}
}

// Snapshot returns the breaker's state
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()

	s := Snapshot{
		RuleID:         b.ruleID,
		State:          b.state,
		FailureCount:   b.failures,
		SuccessCount:   b.successes,
		InFlightProbes: b.probes,
		Thresholds:     b.settings,
	}
	if !b.openedAt.IsZero() {
		at := b.openedAt
		s.OpenedAt = &at
	}
	return s
}
