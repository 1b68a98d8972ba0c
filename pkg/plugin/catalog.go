package plugin

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Entry is a compiled-in action type
type Entry struct {
	ActionType string
	Version    string
	Factory    Factory
}

// Catalog holds the action types compiled into the binary
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{
		entries: make(map[string]Entry),
	}
}

// Register adds an action type. Its action_type is derived from the Go
// type name of proto.
func (c *Catalog) Register(proto Action, version string, factory Factory) (string, error) {
	name := ActionType(proto)
	if name == "" {
		return "", fmt.Errorf("cannot derive action type from %T", proto)
	}
	if factory == nil {
		return "", fmt.Errorf("nil factory for %s", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[name]; exists {
		return "", fmt.Errorf("action type %s already registered", name)
	}
	c.entries[name] = Entry{ActionType: name, Version: version, Factory: factory}
	return name, nil
}

// Lookup finds an entry by action type; the name is normalized first
func (c *Catalog) Lookup(name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[Normalize(name)]
	return e, ok
}

// Types returns the registered action types, sorted
func (c *Catalog) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for name := range c.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ActionType derives the action type from v's type name: a trailing
// "Action" is dropped and CamelCase becomes snake_case, so
// AppendTextAction is "append_text".
func ActionType(v interface{}) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	name := strings.TrimSuffix(t.Name(), "Action")
	if name == "" {
		return ""
	}
	return Normalize(snake(name))
}

func snake(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// Normalize canonicalizes an action type: lower case, with spaces and
// dashes folded to underscores.
func Normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '.':
			return '_'
		}
		return r
	}, name)
}
