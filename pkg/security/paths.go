package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrInvalidPath = errors.New("invalid path")
	ErrNotRelative = errors.New("path must be repository-relative")
	ErrTraversal   = errors.New("path traversal not allowed")
	ErrRestricted  = errors.New("path is restricted")
	ErrOutsideRoot = errors.New("path resolves outside the repository")
)

// PathGuard validates repository-relative paths against restricted
// directories. Paths are resolved through symlinks before the check.
type PathGuard struct {
	mu         sync.RWMutex
	root       string
	restricted []string // absolute, clean
	audit      *AuditLog
}

// NewPathGuard creates a guard rooted at root. Restricted entries may be
// absolute or relative to root.
func NewPathGuard(root string, restricted []string, audit *AuditLog) (*PathGuard, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: root %s: %v", ErrInvalidPath, root, err)
	}
	g := &PathGuard{root: resolve(filepath.Clean(absRoot)), audit: audit}
	if err := g.SetRestricted(restricted); err != nil {
		return nil, err
	}
	return g, nil
}

// Root returns the absolute repository root
func (g *PathGuard) Root() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.root
}

// SetRestricted replaces the restricted directory list
func (g *PathGuard) SetRestricted(restricted []string) error {
	out := make([]string, 0, len(restricted))
	for _, p := range restricted {
		if strings.ContainsAny(p, "\x00\x7f") {
			return fmt.Errorf("%w: restricted path contains invalid characters", ErrInvalidPath)
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(g.root, p)
		}
		out = append(out, resolve(filepath.Clean(p)))
	}

	g.mu.Lock()
	g.restricted = out
	g.mu.Unlock()
	return nil
}

// Validate checks a repository-relative path and returns its absolute form.
func (g *PathGuard) Validate(rel string) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if rel == "" {
		rel = "."
	}
	if strings.ContainsAny(rel, "\x00\x7f") {
		return "", g.deny(rel, fmt.Errorf("%w: contains invalid characters", ErrInvalidPath))
	}
	if filepath.IsAbs(rel) {
		return "", g.deny(rel, ErrNotRelative)
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".." {
			return "", g.deny(rel, ErrTraversal)
		}
	}

	abs := resolve(filepath.Join(g.root, rel))
	if !IsSubPath(abs, g.root) {
		return "", g.deny(rel, ErrOutsideRoot)
	}
	for _, r := range g.restricted {
		if IsSubPath(abs, r) {
			return "", g.deny(rel, fmt.Errorf("%w: %s", ErrRestricted, r))
		}
	}
	return abs, nil
}

// ValidateAbs checks an absolute path by converting it to a
// repository-relative one first.
func (g *PathGuard) ValidateAbs(abs string) (string, error) {
	rel, err := filepath.Rel(g.Root(), resolve(filepath.Clean(abs)))
	if err != nil {
		return "", g.deny(abs, fmt.Errorf("%w: %v", ErrInvalidPath, err))
	}
	return g.Validate(rel)
}

func (g *PathGuard) deny(path string, err error) error {
	g.audit.Log(EventAccessDenied, SeverityWarning, "path_guard",
		fmt.Sprintf("access denied to %s", path),
		map[string]interface{}{"path": path, "reason": err.Error()})
	return err
}

// IsSubPath checks if child path is under parent path
func IsSubPath(child, parent string) bool {
	if filepath.Clean(parent) == string(filepath.Separator) {
		return filepath.IsAbs(child)
	}
	childParts := strings.Split(filepath.Clean(child), string(filepath.Separator))
	parentParts := strings.Split(filepath.Clean(parent), string(filepath.Separator))

	if len(childParts) < len(parentParts) {
		return false
	}
	for i := range parentParts {
		if childParts[i] != parentParts[i] {
			return false
		}
	}
	return true
}

// resolve follows symlinks for the longest existing prefix of p.
func resolve(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	parent := filepath.Dir(p)
	if parent == p {
		return p
	}
	return filepath.Join(resolve(parent), filepath.Base(p))
}
