package breaker

import (
	"sort"
	"sync"

	"github.com/butter-bot-machines/scribe/pkg/config"
	"github.com/butter-bot-machines/scribe/pkg/logging"
	"github.com/butter-bot-machines/scribe/pkg/timing"
)

// Table holds one breaker per rule id
type Table struct {
	clock  timing.Clock
	logger logging.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
	settings map[string]Settings
}

// NewTable creates an empty table
func NewTable(clock timing.Clock, logger logging.Logger) *Table {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Table{
		clock:    clock,
		logger:   logger.WithGroup("breaker"),
		breakers: make(map[string]*Breaker),
		settings: make(map[string]Settings),
	}
}

// Configure installs per-rule settings. Existing breakers adopt the new
// thresholds and keep their state.
func (t *Table) Configure(rules []config.Rule) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.settings = make(map[string]Settings, len(rules))
	for i := range rules {
		s := SettingsFor(&rules[i])
		t.settings[rules[i].ID] = s
		if b, ok := t.breakers[rules[i].ID]; ok {
			b.SetSettings(s)
		}
	}
}

// Get returns the breaker for ruleID, creating it on first use
func (t *Table) Get(ruleID string) *Breaker {
	t.mu.RLock()
	b, ok := t.breakers[ruleID]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok = t.breakers[ruleID]; ok {
		return b
	}
	s, ok := t.settings[ruleID]
	if !ok {
		s = DefaultSettings()
	}
	b = New(ruleID, s, t.clock, t.logger)
	t.breakers[ruleID] = b
	return b
}

// Snapshot returns every breaker's state, ordered by rule id
func (t *Table) Snapshot() []Snapshot {
	t.mu.RLock()
	ids := make([]string, 0, len(t.breakers))
	for id := range t.breakers {
		ids = append(ids, id)
	}
	breakers := make([]*Breaker, 0, len(ids))
	sort.Strings(ids)
	for _, id := range ids {
		breakers = append(breakers, t.breakers[id])
	}
	t.mu.RUnlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// Counts returns how many breakers are in each state
func (t *Table) Counts() map[State]int {
	counts := map[State]int{Closed: 0, Open: 0, HalfOpen: 0}
	for _, s := range t.Snapshot() {
		counts[s.State]++
	}
	return counts
}
