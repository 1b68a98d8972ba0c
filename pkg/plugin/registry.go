package plugin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/butter-bot-machines/scribe/pkg/errors"
	"github.com/butter-bot-machines/scribe/pkg/logging"
	"github.com/butter-bot-machines/scribe/pkg/telemetry"
	"github.com/butter-bot-machines/scribe/pkg/timing"
	"github.com/butter-bot-machines/scribe/pkg/timing/real"
)

// Descriptor describes a loadable plugin
type Descriptor struct {
	ID       string
	Version  string
	Source   string
	Manifest *Manifest
	Factory  Factory
}

// Generation is the immutable set of plugins active for a time window.
// In-flight dispatches keep the generation they started with.
type Generation struct {
	ID          uint64
	Descriptors map[string]*Descriptor
	Errors      []string
	LoadedAt    time.Time
}

// Lookup finds a descriptor by action type
func (g *Generation) Lookup(actionType string) (*Descriptor, bool) {
	if g == nil {
		return nil, false
	}
	d, ok := g.Descriptors[Normalize(actionType)]
	return d, ok
}

// IDs returns the plugin ids, sorted
func (g *Generation) IDs() []string {
	if g == nil {
		return nil
	}
	ids := make([]string, 0, len(g.Descriptors))
	for id := range g.Descriptors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Registry builds plugin generations from the catalog and the configured
// plugin directories and swaps them atomically on reload.
type Registry struct {
	catalog *Catalog
	logger  logging.Logger
	clock   timing.Clock

	mu          sync.Mutex
	dirs        []string
	loadOrder   []string
	fingerprint string
	onReload    []func(*Generation)

	current atomic.Pointer[Generation]
	nextID  atomic.Uint64
}

// NewRegistry creates a registry over catalog
func NewRegistry(catalog *Catalog, logger logging.Logger, clock timing.Clock) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	if clock == nil {
		clock = real.New()
	}
	return &Registry{
		catalog: catalog,
		logger:  logger.WithGroup("plugins"),
		clock:   clock,
	}
}

// Configure sets the plugin directories and load order used by the next
// reload.
func (r *Registry) Configure(dirs, loadOrder []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs = append([]string(nil), dirs...)
	r.loadOrder = append([]string(nil), loadOrder...)
}

// OnReload registers fn to be called after a new generation is installed
func (r *Registry) OnReload(fn func(*Generation)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = append(r.onReload, fn)
}

// Current returns the active generation
func (r *Registry) Current() *Generation {
	return r.current.Load()
}

// Reload rebuilds the generation when the directories or manifests
// changed since the last load. It reports whether a new generation was
// installed. Individual manifests that fail to load are logged and
// recorded in the generation; they never fail the reload.
func (r *Registry) Reload() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fp := r.fingerprintLocked()
	if r.current.Load() != nil && fp == r.fingerprint {
		telemetry.RecordReload("plugins", "unchanged")
		return false, nil
	}

	gen := r.buildLocked()
	gen.ID = r.nextID.Add(1)
	r.current.Store(gen)
	r.fingerprint = fp
	telemetry.RecordReload("plugins", "applied")

	r.logger.Info("Plugins loaded",
		"generation", gen.ID,
		"plugins", gen.IDs(),
		"errors", len(gen.Errors))

	for _, fn := range r.onReload {
		fn(gen)
	}
	return true, nil
}

func (r *Registry) buildLocked() *Generation {
	gen := &Generation{
		Descriptors: make(map[string]*Descriptor),
		LoadedAt:    r.clock.Now(),
	}

	for _, name := range r.catalog.Types() {
		e, _ := r.catalog.Lookup(name)
		gen.Descriptors[name] = &Descriptor{
			ID:      name,
			Version: e.Version,
			Source:  KindBuiltin,
			Factory: e.Factory,
		}
	}

	fail := func(err error) {
		r.logger.Error("Plugin load failed", "error", err)
		gen.Errors = append(gen.Errors, err.Error())
	}

	claimed := make(map[string]string)
	for _, m := range r.manifestsLocked(fail) {
		if prev, dup := claimed[m.ID]; dup {
			fail(errors.New(errors.PluginLoadFailed, "plugin %s from %s already loaded from %s", m.ID, m.Path, prev))
			continue
		}

		d := &Descriptor{ID: m.ID, Version: m.Version, Source: m.Path, Manifest: m}
		switch m.Type {
		case KindBuiltin:
			e, ok := r.catalog.Lookup(m.Builtin)
			if !ok {
				fail(errors.New(errors.PluginLoadFailed, "manifest %s: unknown builtin %q", m.Path, m.Builtin))
				continue
			}
			d.Factory = e.Factory
			if d.Version == "" {
				d.Version = e.Version
			}
		case KindExec:
			if existing, ok := gen.Descriptors[m.ID]; ok && existing.Source == KindBuiltin {
				fail(errors.New(errors.PluginLoadFailed, "manifest %s: id %s shadows a builtin", m.Path, m.ID))
				continue
			}
			d.Factory = execFactory(m)
		}

		claimed[m.ID] = m.Path
		gen.Descriptors[m.ID] = d
	}
	return gen
}

// manifestsLocked reads every manifest, placing those named in load_order
// first. Names match a manifest id or its file name.
func (r *Registry) manifestsLocked(fail func(error)) []*Manifest {
	var all []*Manifest
	for _, dir := range r.dirs {
		paths, err := discover(dir)
		if err != nil {
			fail(errors.Wrap(errors.PluginLoadFailed, err, "scan plugin directory %s", dir))
			continue
		}
		for _, p := range paths {
			m, err := LoadManifest(p)
			if err != nil {
				fail(err)
				continue
			}
			all = append(all, m)
		}
	}

	rank := make(map[string]int, len(r.loadOrder))
	for i, name := range r.loadOrder {
		rank[Normalize(strings.TrimSuffix(name, ManifestSuffix))] = i
	}
	position := func(m *Manifest) int {
		if i, ok := rank[m.ID]; ok {
			return i
		}
		if i, ok := rank[Normalize(strings.TrimSuffix(filepath.Base(m.Path), ManifestSuffix))]; ok {
			return i
		}
		return len(rank)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return position(all[i]) < position(all[j])
	})
	return all
}

// fingerprintLocked summarizes the directories' state so unchanged trees
// can skip a rebuild.
func (r *Registry) fingerprintLocked() string {
	h := sha256.New()
	fmt.Fprintf(h, "order=%s\n", strings.Join(r.loadOrder, ","))
	for _, dir := range r.dirs {
		info, err := os.Stat(dir)
		if err != nil {
			fmt.Fprintf(h, "%s missing\n", dir)
			continue
		}
		fmt.Fprintf(h, "%s %d\n", dir, info.ModTime().UnixNano())

		paths, _ := filepath.Glob(filepath.Join(dir, "*"+ManifestSuffix))
		for _, p := range paths {
			if fi, err := os.Stat(p); err == nil {
				fmt.Fprintf(h, "%s %d %d\n", p, fi.ModTime().UnixNano(), fi.Size())
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Poll reloads every interval until ctx is done. Reloads happen on the
// polling goroutine, off the dispatch path.
func (r *Registry) Poll(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if _, err := r.Reload(); err != nil {
				r.logger.Error("Plugin reload failed", "error", err)
			}
		}
	}
}
