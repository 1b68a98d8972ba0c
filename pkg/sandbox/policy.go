package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// SafeEnv is always forwarded to subprocesses when present in the host
// environment.
var SafeEnv = []string{"PATH", "HOME", "LANG", "LC_ALL"}

// injectionTokens are rejected in any string parameter.
var injectionTokens = []string{"|", "&", ";", "`", "$("}

// Policy is the command execution policy.
type Policy struct {
	// AllowedCommands lists permitted command basenames
	AllowedCommands []string
	// DangerousPatterns are matched against the joined command line and
	// every string parameter
	DangerousPatterns []string
	// ScrubEnvKeys are never forwarded, even when allowed
	ScrubEnvKeys []string
	// AllowedEnv is forwarded for every command in addition to SafeEnv
	AllowedEnv []string
	// MatchTimeout bounds each dangerous-pattern evaluation
	MatchTimeout time.Duration
}

type compiledPolicy struct {
	allowed  map[string]struct{}
	patterns []*regexp2.Regexp
	scrub    map[string]struct{}
	env      []string
}

func compilePolicy(p Policy) (*compiledPolicy, error) {
	timeout := p.MatchTimeout
	if timeout <= 0 {
		timeout = time.Second
	}

	cp := &compiledPolicy{
		allowed: make(map[string]struct{}, len(p.AllowedCommands)),
		scrub:   make(map[string]struct{}, len(p.ScrubEnvKeys)),
		env:     append([]string{}, p.AllowedEnv...),
	}
	for _, c := range p.AllowedCommands {
		cp.allowed[filepath.Base(c)] = struct{}{}
	}
	for _, k := range p.ScrubEnvKeys {
		cp.scrub[k] = struct{}{}
	}
	for _, pat := range p.DangerousPatterns {
		re, err := regexp2.Compile(pat, regexp2.IgnoreCase)
		if err != nil {
			return nil, fmt.Errorf("dangerous pattern %q: %w", pat, err)
		}
		re.MatchTimeout = timeout
		cp.patterns = append(cp.patterns, re)
	}
	return cp, nil
}

// dangerous returns the first pattern matching s. A pattern that times out
// is treated as a match.
func (cp *compiledPolicy) dangerous(s string) (string, bool) {
	for _, re := range cp.patterns {
		ok, err := re.MatchString(s)
		if err != nil || ok {
			return re.String(), true
		}
	}
	return "", false
}

func injectionToken(s string) (string, bool) {
	for _, tok := range injectionTokens {
		if strings.Contains(s, tok) {
			return tok, true
		}
	}
	return "", false
}

// buildEnv keeps only allowed keys from host, dropping scrubbed ones.
// SafeEnv keys are never scrubbed.
func (cp *compiledPolicy) buildEnv(host []string, extra []string) []string {
	allowed := make(map[string]bool, len(SafeEnv)+len(cp.env)+len(extra))
	for _, k := range cp.env {
		allowed[k] = true
	}
	for _, k := range extra {
		allowed[k] = true
	}
	for k := range cp.scrub {
		delete(allowed, k)
	}
	for _, k := range SafeEnv {
		allowed[k] = true
	}

	out := make([]string, 0, len(allowed))
	for _, kv := range host {
		key, _, ok := strings.Cut(kv, "=")
		if ok && allowed[key] {
			out = append(out, kv)
		}
	}
	return out
}
