package rules

import (
	"github.com/dlclark/regexp2"

	"github.com/butter-bot-machines/scribe/pkg/config"
	"github.com/butter-bot-machines/scribe/pkg/events"
)

// Match holds the captures of the first trigger_pattern match
type Match struct {
	Text   string            `json:"text"`
	Index  int               `json:"index"`
	Length int               `json:"length"`
	Groups []string          `json:"groups"`
	Named  map[string]string `json:"named,omitempty"`
}

// Group returns capture i, or "" when it does not exist
func (m *Match) Group(i int) string {
	if m == nil || i < 0 || i >= len(m.Groups) {
		return ""
	}
	return m.Groups[i]
}

func newMatch(m *regexp2.Match) *Match {
	groups := m.Groups()
	out := &Match{
		Text:   m.String(),
		Index:  m.Index,
		Length: m.Length,
		Groups: make([]string, len(groups)),
	}
	for i, g := range groups {
		out.Groups[i] = g.String()
		if isNamed(g.Name) {
			if out.Named == nil {
				out.Named = make(map[string]string)
			}
			out.Named[g.Name] = g.String()
		}
	}
	return out
}

// isNamed reports whether a regexp2 group name was given explicitly;
// unnamed groups are named by their number.
func isNamed(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r < '0' || r > '9' {
			return true
		}
	}
	return false
}

// RuleMatch is one rule applying to one event. It lives for a single
// dispatch.
type RuleMatch struct {
	Rule     *config.Rule
	Event    events.FileEvent
	FilePath string
	// RelPath is FilePath relative to the repository root
	RelPath string
	// Content is the file snapshot taken at match time
	Content string
	// Match is nil for delete events
	Match *Match
}

// EventID returns the originating event's ID
func (m *RuleMatch) EventID() string {
	return m.Event.ID
}

// Skip records why a rule did not produce a match
type Skip struct {
	RuleID string `json:"rule_id"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Skip reasons
const (
	SkipOutsideRoots = "outside_roots"
	SkipTooLarge     = "file_too_large"
	SkipUnreadable   = "file_unreadable"
	SkipNoMatch      = "trigger_not_matched"
	SkipRegexTimeout = "regex_timeout"
	SkipDelete       = "delete_not_handled"
	SkipQuarantined  = "file_quarantined"
)
