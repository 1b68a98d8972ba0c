package dispatcher

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/butter-bot-machines/scribe/pkg/errors"
	"github.com/butter-bot-machines/scribe/pkg/quarantine"
)

// Stats are the dispatcher's lifetime counters
type Stats struct {
	TotalDispatches uint64            `json:"total_dispatches"`
	Successful      uint64            `json:"successful_dispatches"`
	Failed          uint64            `json:"failed_dispatches"`
	Blocked         uint64            `json:"blocked_dispatches"`
	Skipped         uint64            `json:"skipped_dispatches"`
	Quarantined     uint64            `json:"quarantined_files"`
	Written         uint64            `json:"files_written"`
	ActionsExecuted uint64            `json:"actions_executed"`
	ActionsFailed   uint64            `json:"actions_failed"`
	FailuresByKind  map[string]uint64 `json:"failures_by_kind"`
}

type counters struct {
	total       atomic.Uint64
	successful  atomic.Uint64
	failed      atomic.Uint64
	blocked     atomic.Uint64
	skipped     atomic.Uint64
	quarantined atomic.Uint64
	written     atomic.Uint64
	actions     atomic.Uint64
	actionsFail atomic.Uint64

	mu     sync.Mutex
	byKind map[errors.Kind]uint64
}

func (c *counters) record(res *Result) {
	c.total.Add(1)
	switch res.Outcome {
	case Succeeded:
		c.successful.Add(1)
	case Failed:
		c.failed.Add(1)
	case Blocked:
		c.blocked.Add(1)
	case Skipped:
		c.skipped.Add(1)
	}
	if res.Quarantine != nil && res.Quarantine.Status == quarantine.Quarantined {
		c.quarantined.Add(1)
	}
	if res.Written {
		c.written.Add(1)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byKind == nil {
		c.byKind = make(map[errors.Kind]uint64)
	}
	for _, a := range res.Actions {
		c.actions.Add(1)
		if !a.Success {
			c.actionsFail.Add(1)
			c.byKind[a.Kind]++
		}
	}
	if dispatchLevel(res.Kind) {
		c.byKind[res.Kind]++
	}
}

// dispatchLevel reports kinds raised by the dispatcher itself rather than
// by an action
func dispatchLevel(k errors.Kind) bool {
	switch k {
	case errors.DispatchBlocked, errors.DispatchTimeout, errors.UnexpectedSystem,
		errors.AtomicWriteFailed, errors.QuarantineFailed:
		return true
	}
	return false
}

func (c *counters) snapshot() Stats {
	s := Stats{
		TotalDispatches: c.total.Load(),
		Successful:      c.successful.Load(),
		Failed:          c.failed.Load(),
		Blocked:         c.blocked.Load(),
		Skipped:         c.skipped.Load(),
		Quarantined:     c.quarantined.Load(),
		Written:         c.written.Load(),
		ActionsExecuted: c.actions.Load(),
		ActionsFailed:   c.actionsFail.Load(),
		FailuresByKind:  make(map[string]uint64),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]string, 0, len(c.byKind))
	for k := range c.byKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		s.FailuresByKind[k] = c.byKind[errors.Kind(k)]
	}
	return s
}
