package rules

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/butter-bot-machines/scribe/pkg/config"
	"github.com/butter-bot-machines/scribe/pkg/errors"
	"github.com/butter-bot-machines/scribe/pkg/events"
	"github.com/butter-bot-machines/scribe/pkg/fs"
	"github.com/butter-bot-machines/scribe/pkg/logging"
	"github.com/butter-bot-machines/scribe/pkg/security"
)

type compiled struct {
	rule    *config.Rule
	glob    *fs.Glob
	trigger *regexp2.Regexp
}

// Set is the rule set of one config generation, compiled for matching.
type Set struct {
	gen      *config.Generation
	rules    []*compiled
	roots    []string
	repoRoot string
	maxSize  int64
	reader   fs.Reader
}

// Compile builds a Set from gen. Rules are kept in configuration order.
func Compile(gen *config.Generation, reader fs.Reader) (*Set, error) {
	if reader == nil {
		reader = fs.OSReader{}
	}
	es := gen.Config.EngineSettings
	timeout := time.Duration(es.RegexTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Second
	}

	s := &Set{
		gen:      gen,
		roots:    es.WatchPaths,
		repoRoot: es.RepoRoot,
		maxSize:  es.MaxFileSizeBytes,
		reader:   reader,
	}
	for i := range gen.Config.Rules {
		r := &gen.Config.Rules[i]
		g, err := fs.CompileGlob(r.FileGlob)
		if err != nil {
			return nil, errors.Wrap(errors.ConfigInvalid, err, "rule %s: file_glob", r.ID)
		}
		c := &compiled{rule: r, glob: g}
		if r.TriggerPattern != "" {
			re, err := regexp2.Compile(r.TriggerPattern, regexp2.None)
			if err != nil {
				return nil, errors.Wrap(errors.ConfigInvalid, err, "rule %s: trigger_pattern", r.ID)
			}
			re.MatchTimeout = timeout
			c.trigger = re
		}
		s.rules = append(s.rules, c)
	}
	return s, nil
}

// Generation returns the config generation the set was compiled from
func (s *Set) Generation() *config.Generation {
	return s.gen
}

// Len returns the number of rules, enabled or not
func (s *Set) Len() int {
	return len(s.rules)
}

// Match evaluates every enabled rule against ev in configuration order. It
// returns at most one RuleMatch per rule, plus the reasons rules whose glob
// matched were skipped.
func (s *Set) Match(ctx context.Context, ev events.FileEvent) ([]*RuleMatch, []Skip) {
	candidates, rel, ok := s.relative(ev.Path)
	if !ok {
		return nil, []Skip{{Path: ev.Path, Reason: SkipOutsideRoots}}
	}

	var (
		matches []*RuleMatch
		skips   []Skip
		content *string
		readErr string
	)

	for _, c := range s.rules {
		if ctx.Err() != nil {
			break
		}
		if !c.rule.IsEnabled() || !globMatch(c.glob, candidates) {
			continue
		}

		skip := func(reason string) {
			skips = append(skips, Skip{RuleID: c.rule.ID, Path: ev.Path, Reason: reason})
		}

		if ev.Type == events.Deleted {
			if !c.rule.OnDelete {
				skip(SkipDelete)
				continue
			}
			matches = append(matches, &RuleMatch{
				Rule:     c.rule,
				Event:    ev,
				FilePath: ev.Path,
				RelPath:  rel,
			})
			continue
		}

		if content == nil && readErr == "" {
			data, err := s.reader.ReadFile(ev.Path, s.maxSize)
			switch {
			case err == nil:
				str := string(data)
				content = &str
			case stderrors.Is(err, fs.ErrTooLarge):
				readErr = SkipTooLarge
			default:
				readErr = SkipUnreadable
			}
		}
		if readErr != "" {
			skip(readErr)
			continue
		}

		m, reason := c.match(*content)
		if m == nil {
			skip(reason)
			continue
		}
		matches = append(matches, &RuleMatch{
			Rule:     c.rule,
			Event:    ev,
			FilePath: ev.Path,
			RelPath:  rel,
			Content:  *content,
			Match:    m,
		})
	}
	return matches, skips
}

// Refresh re-evaluates m's rule against content written by an earlier
// dispatch of the same event. It returns nil and a skip reason when the
// trigger no longer matches. Delete matches carry no content and are
// returned unchanged.
func (s *Set) Refresh(m *RuleMatch, content string) (*RuleMatch, string) {
	if m.Event.Type == events.Deleted {
		return m, ""
	}
	var c *compiled
	for _, candidate := range s.rules {
		if candidate.rule == m.Rule {
			c = candidate
			break
		}
	}
	if c == nil {
		return nil, SkipNoMatch
	}
	match, reason := c.match(content)
	if match == nil {
		return nil, reason
	}
	next := *m
	next.Content = content
	next.Match = match
	return &next, ""
}

// match applies the trigger pattern. A rule without one matches any content.
func (c *compiled) match(content string) (*Match, string) {
	if c.trigger == nil {
		return &Match{Groups: []string{""}}, ""
	}
	m, err := c.trigger.FindStringMatch(content)
	if err != nil {
		return nil, SkipRegexTimeout
	}
	if m == nil {
		return nil, SkipNoMatch
	}
	return newMatch(m), ""
}

// relative returns the slash paths the globs are tried against (relative to
// the containing watch root and to the repository root) and the
// repository-relative path.
func (s *Set) relative(abs string) ([]string, string, bool) {
	var candidates []string
	for _, root := range s.roots {
		if security.IsSubPath(abs, root) {
			if r, err := filepath.Rel(root, abs); err == nil && r != "." {
				candidates = append(candidates, filepath.ToSlash(r))
			}
		}
	}

	rel := ""
	if security.IsSubPath(abs, s.repoRoot) {
		if r, err := filepath.Rel(s.repoRoot, abs); err == nil {
			rel = filepath.ToSlash(r)
			candidates = append(candidates, rel)
		}
	}
	if len(candidates) == 0 {
		return nil, "", false
	}
	if rel == "" {
		rel = candidates[0]
	}
	return candidates, rel, true
}

func globMatch(g *fs.Glob, candidates []string) bool {
	for _, c := range candidates {
		if g.Match(strings.TrimPrefix(c, "/")) {
			return true
		}
	}
	return false
}

// Matcher holds the active rule set and swaps it when the configuration
// changes. Callers pin a Set for the duration of one event.
type Matcher struct {
	reader  fs.Reader
	logger  logging.Logger
	current atomic.Pointer[Set]
}

// NewMatcher creates an empty matcher
func NewMatcher(reader fs.Reader, logger logging.Logger) *Matcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Matcher{reader: reader, logger: logger.WithGroup("rules")}
}

// Update compiles gen and installs it. On error the previous set stays
// active. A generation with the same content hash is a no-op.
func (m *Matcher) Update(gen *config.Generation) error {
	if cur := m.current.Load(); cur != nil && cur.gen.Hash == gen.Hash {
		return nil
	}
	set, err := Compile(gen, m.reader)
	if err != nil {
		m.logger.Error("Rule set rejected", "generation", gen.ID, "error", err)
		return err
	}
	m.current.Store(set)
	m.logger.Info("Rule set installed", "generation", gen.ID, "rules", set.Len())
	return nil
}

// Current returns the active set, or nil before the first Update
func (m *Matcher) Current() *Set {
	return m.current.Load()
}

// Match evaluates ev against the active set
func (m *Matcher) Match(ctx context.Context, ev events.FileEvent) ([]*RuleMatch, []Skip) {
	set := m.current.Load()
	if set == nil {
		return nil, nil
	}
	matches, skips := set.Match(ctx, ev)
	for _, sk := range skips {
		m.logger.Debug("Rule skipped", "rule_id", sk.RuleID, "path", sk.Path, "reason", sk.Reason)
	}
	return matches, skips
}
