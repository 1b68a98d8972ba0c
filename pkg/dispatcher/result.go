package dispatcher

import (
	"time"

	"github.com/butter-bot-machines/scribe/pkg/errors"
	"github.com/butter-bot-machines/scribe/pkg/quarantine"
)

// Outcome classifies a dispatch
type Outcome string

const (
	// Succeeded means the chain ran and the failure rule did not trip
	Succeeded Outcome = "success"
	// Failed counts toward the rule's breaker
	Failed Outcome = "failure"
	// Blocked means the breaker refused the dispatch
	Blocked Outcome = "blocked"
	// Skipped means dispatch was paused and the event passed through
	Skipped Outcome = "skipped"
)

// ActionResult is the outcome of one action in a chain
type ActionResult struct {
	Type     string        `json:"type"`
	PluginID string        `json:"plugin_id,omitempty"`
	Success  bool          `json:"success"`
	Kind     errors.Kind   `json:"kind,omitempty"`
	Error    string        `json:"error,omitempty"`
	Changed  bool          `json:"changed"`
	Duration time.Duration `json:"duration"`
}

// Result is the outcome of one dispatch
type Result struct {
	EventID  string         `json:"event_id"`
	RuleID   string         `json:"rule_id"`
	FilePath string         `json:"file_path"`
	Outcome  Outcome        `json:"outcome"`
	Kind     errors.Kind    `json:"kind,omitempty"`
	Error    string         `json:"error,omitempty"`
	Actions  []ActionResult `json:"actions,omitempty"`
	// FailureRate is failed actions over total actions
	FailureRate  float64            `json:"failure_rate"`
	FinalContent string             `json:"-"`
	Written      bool               `json:"written"`
	Quarantine   *quarantine.Result `json:"quarantine,omitempty"`
	Duration     time.Duration      `json:"duration"`
}

// Success reports whether the dispatch counts as a success
func (r *Result) Success() bool {
	return r.Outcome == Succeeded
}

// Failed reports whether the event should be counted as failed. A blocked
// or paused dispatch fails only when quarantining its file failed.
func (r *Result) Failed() bool {
	return r.Outcome == Failed || r.Kind == errors.QuarantineFailed
}

// isFailure applies the chain failure rule: every action failed, or more
// than half failed in a chain of more than one.
func isFailure(failed, total int) (bool, float64) {
	if total == 0 {
		return false, 0
	}
	rate := float64(failed) / float64(total)
	return rate >= 1.0 || (rate > 0.5 && total > 1), rate
}
