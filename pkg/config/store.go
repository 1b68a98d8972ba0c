package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/butter-bot-machines/scribe/pkg/errors"
	"github.com/butter-bot-machines/scribe/pkg/logging"
	"github.com/butter-bot-machines/scribe/pkg/telemetry"
)

// EnvPrefix prefixes environment overrides, e.g.
// SCRIBE_ENGINE_SETTINGS_LOG_LEVEL.
const EnvPrefix = "SCRIBE"

// Generation is an immutable snapshot of a validated configuration
type Generation struct {
	ID       uint64
	Config   *Config
	Policy   *SecurityPolicy
	Path     string
	BaseDir  string
	Hash     string
	LoadedAt time.Time
}

// Load reads, resolves and validates the config at path without installing
// it anywhere.
func Load(path string) (*Generation, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(errors.ConfigInvalid, err, "resolve config path")
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, errors.Wrap(errors.ConfigInvalid, err, "read config %s", abs)
	}
	return build(abs, data)
}

func build(path string, data []byte) (*Generation, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, errors.Wrap(errors.ConfigInvalid, err, "parse config %s", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ConfigInvalid, err, "decode config %s", path)
	}

	base := filepath.Dir(path)
	if err := cfg.resolvePaths(base); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	policy, policyData, err := loadPolicy(&cfg, base)
	if err != nil {
		return nil, err
	}

	sum := sha256.New()
	sum.Write(data)
	sum.Write(policyData)

	return &Generation{
		Config:   &cfg,
		Policy:   policy,
		Path:     path,
		BaseDir:  base,
		Hash:     hex.EncodeToString(sum.Sum(nil)),
		LoadedAt: time.Now(),
	}, nil
}

func loadPolicy(cfg *Config, base string) (*SecurityPolicy, []byte, error) {
	if cfg.Security.PolicyFile != "" {
		return LoadSecurityPolicy(cfg.Security.PolicyFile)
	}
	candidate := filepath.Join(base, PolicyFileName)
	if _, err := os.Stat(candidate); err == nil {
		cfg.Security.PolicyFile = candidate
		return LoadSecurityPolicy(candidate)
	}
	return DefaultSecurityPolicy(), nil, nil
}

// resolvePaths expands ~ and anchors relative paths at base
func (c *Config) resolvePaths(base string) error {
	var err error
	abs := func(p string) string {
		if p == "" || err != nil {
			return p
		}
		var expanded string
		expanded, err = homedir.Expand(p)
		if err != nil {
			err = errors.Wrap(errors.ConfigInvalid, err, "expand path %q", p)
			return p
		}
		if !filepath.IsAbs(expanded) {
			expanded = filepath.Join(base, expanded)
		}
		return filepath.Clean(expanded)
	}

	es := &c.EngineSettings
	es.RepoRoot = abs(es.RepoRoot)
	if es.RepoRoot == "" {
		es.RepoRoot = base
	}
	for i, p := range es.WatchPaths {
		es.WatchPaths[i] = abs(p)
	}
	es.QuarantinePath = abs(es.QuarantinePath)
	es.PauseFile = abs(es.PauseFile)
	es.LogFile = abs(es.LogFile)

	c.Security.PolicyFile = abs(c.Security.PolicyFile)
	c.Security.AuditLog = abs(c.Security.AuditLog)
	for i, p := range c.Plugins.Directories {
		c.Plugins.Directories[i] = abs(p)
	}
	return err
}

// Store holds the active generation and hot-reloads it from disk.
// Invalid reloads are rejected and the last-known-good generation stays
// active.
type Store struct {
	path   string
	logger logging.Logger

	current atomic.Pointer[Generation]
	nextID  atomic.Uint64
	reload  sync.Mutex

	subsMu sync.RWMutex
	subs   map[uint64]Subscriber
	subID  uint64

	stopped atomic.Bool
}

// NewStore creates a store for the config file at path. Call Load before use.
func NewStore(path string, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &Store{
		path:   path,
		logger: logger.WithGroup("config"),
		subs:   make(map[uint64]Subscriber),
	}
}

// Path returns the absolute config path
func (s *Store) Path() string {
	return s.path
}

// Load performs the initial load. A failure here is fatal to startup.
func (s *Store) Load() (*Generation, error) {
	s.reload.Lock()
	defer s.reload.Unlock()

	gen, err := Load(s.path)
	if err != nil {
		telemetry.RecordReload("config", "invalid")
		return nil, err
	}
	gen.ID = s.nextID.Add(1)
	s.current.Store(gen)
	telemetry.RecordReload("config", "applied")
	s.logger.Info("Configuration loaded",
		"path", s.path,
		"generation", gen.ID,
		"rules", len(gen.Config.Rules))
	return gen, nil
}

// Current implements Provider
func (s *Store) Current() *Generation {
	return s.current.Load()
}

// Subscribe implements Provider. Subscribers are called synchronously, in
// registration order, after a new generation is installed.
func (s *Store) Subscribe(fn Subscriber) func() {
	s.subsMu.Lock()
	s.subID++
	id := s.subID
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

// Reload re-reads the config file. It reports whether a new generation was
// adopted; unchanged content is a no-op.
func (s *Store) Reload() (bool, error) {
	s.reload.Lock()
	defer s.reload.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		telemetry.RecordReload("config", "invalid")
		err = errors.Wrap(errors.ConfigInvalid, err, "read config %s", s.path)
		s.logger.Error("Config reload failed, keeping last-known-good", "error", err)
		return false, err
	}

	gen, err := build(s.path, data)
	if err != nil {
		telemetry.RecordReload("config", "invalid")
		s.logger.Error("Config reload rejected, keeping last-known-good", "error", err)
		return false, err
	}

	if cur := s.current.Load(); cur != nil && cur.Hash == gen.Hash {
		telemetry.RecordReload("config", "unchanged")
		s.logger.Debug("Config unchanged", "generation", cur.ID)
		return false, nil
	}

	gen.ID = s.nextID.Add(1)
	s.current.Store(gen)
	telemetry.RecordReload("config", "applied")
	s.logger.Info("Configuration reloaded", "generation", gen.ID, "rules", len(gen.Config.Rules))

	s.notify(gen)
	return true, nil
}

func (s *Store) notify(gen *Generation) {
	s.subsMu.RLock()
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subsMu.RUnlock()

	for _, fn := range fns {
		fn(gen)
	}
}

// Watch reloads on every change to the config file until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrap(errors.ConfigInvalid, err, "watch config %s", s.path)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if s.stopped.Load() {
			return
		}
		s.logger.Debug("Config file changed", "op", e.Op.String())
		_, _ = s.Reload()
	})
	v.WatchConfig()

	<-ctx.Done()
	s.stopped.Store(true)
	return nil
}
