package fs

import (
	"path"
	"path/filepath"
	"strings"
)

// Glob matches slash-separated relative paths. Segments follow
// filepath.Match syntax; a `**` segment matches zero or more segments.
// Patterns without a separator also match against the basename.
type Glob struct {
	pattern string
	segs    []string
	base    bool
}

// CompileGlob parses pattern
func CompileGlob(pattern string) (*Glob, error) {
	p := strings.TrimPrefix(filepath.ToSlash(pattern), "./")
	if p == "" {
		return nil, ErrInvalidPath
	}
	segs := strings.Split(p, "/")
	for _, seg := range segs {
		if seg == "**" {
			continue
		}
		if _, err := path.Match(seg, ""); err != nil {
			return nil, err
		}
	}
	return &Glob{
		pattern: pattern,
		segs:    segs,
		base:    !strings.Contains(p, "/"),
	}, nil
}

// String returns the source pattern
func (g *Glob) String() string {
	return g.pattern
}

// Match reports whether rel matches
func (g *Glob) Match(rel string) bool {
	rel = strings.TrimPrefix(filepath.ToSlash(rel), "./")
	if rel == "" {
		return false
	}
	parts := strings.Split(rel, "/")
	if matchSegments(g.segs, parts) {
		return true
	}
	return g.base && matchSegments(g.segs, parts[len(parts)-1:])
}

func matchSegments(pattern, parts []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			for i := 0; i <= len(parts); i++ {
				if matchSegments(rest, parts[i:]) {
					return true
				}
			}
			return false
		}
		if len(parts) == 0 {
			return false
		}
		if ok, _ := path.Match(pattern[0], parts[0]); !ok {
			return false
		}
		pattern, parts = pattern[1:], parts[1:]
	}
	return len(parts) == 0
}

// GlobSet matches a path against several globs
type GlobSet []*Glob

// CompileGlobs compiles every pattern
func CompileGlobs(patterns []string) (GlobSet, error) {
	set := make(GlobSet, 0, len(patterns))
	for _, p := range patterns {
		g, err := CompileGlob(p)
		if err != nil {
			return nil, err
		}
		set = append(set, g)
	}
	return set, nil
}

// Match reports whether any glob matches rel. An empty set matches
// everything.
func (s GlobSet) Match(rel string) bool {
	if len(s) == 0 {
		return true
	}
	for _, g := range s {
		if g.Match(rel) {
			return true
		}
	}
	return false
}
