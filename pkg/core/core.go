// Package core wires the engine components together and owns their
// lifecycle.
package core

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/butter-bot-machines/scribe/pkg/breaker"
	"github.com/butter-bot-machines/scribe/pkg/config"
	"github.com/butter-bot-machines/scribe/pkg/dispatcher"
	"github.com/butter-bot-machines/scribe/pkg/events"
	"github.com/butter-bot-machines/scribe/pkg/events/memory"
	"github.com/butter-bot-machines/scribe/pkg/fs"
	"github.com/butter-bot-machines/scribe/pkg/health"
	"github.com/butter-bot-machines/scribe/pkg/job"
	"github.com/butter-bot-machines/scribe/pkg/logging"
	"github.com/butter-bot-machines/scribe/pkg/plugin"
	"github.com/butter-bot-machines/scribe/pkg/plugin/builtin"
	"github.com/butter-bot-machines/scribe/pkg/quarantine"
	"github.com/butter-bot-machines/scribe/pkg/rules"
	"github.com/butter-bot-machines/scribe/pkg/sandbox"
	"github.com/butter-bot-machines/scribe/pkg/security"
	"github.com/butter-bot-machines/scribe/pkg/telemetry"
	"github.com/butter-bot-machines/scribe/pkg/timing"
	"github.com/butter-bot-machines/scribe/pkg/timing/real"
	"github.com/butter-bot-machines/scribe/pkg/watcher"
	wconcrete "github.com/butter-bot-machines/scribe/pkg/watcher/concrete"
	"github.com/butter-bot-machines/scribe/pkg/worker"
	wkconcrete "github.com/butter-bot-machines/scribe/pkg/worker/concrete"
)

// MonitorInterval is how often pause state and queue depth are sampled
const MonitorInterval = time.Second

// Options configures the engine
type Options struct {
	ConfigPath string
	Logger     logging.Logger
	// LogLevel pins the log level; config reloads do not change it
	LogLevel string
	Clock    timing.Clock
	// Catalog holds the compiled-in actions; defaults to the builtins
	Catalog *plugin.Catalog
	// Environ supplies the host environment for subprocesses
	Environ func() []string
	// Once skips the watcher and the health surface; used by scan
	Once bool
	// OnEvent is called once per processed file event
	OnEvent func(*job.FileEventJob)
	// Flush runs last during shutdown, typically the trace exporter
	Flush func(context.Context) error
}

// Core is the engine. Create with New, then Start and Stop.
type Core struct {
	opts   Options
	logger logging.Logger
	clock  timing.Clock

	store      *config.Store
	audit      *security.AuditLog
	guard      *security.PathGuard
	sandbox    *sandbox.Sandbox
	registry   *plugin.Registry
	matcher    *rules.Matcher
	breakers   *breaker.Table
	quarantine *quarantine.Quarantine
	selfWrites *fs.SelfWrites
	writer     *fs.AtomicWriter
	dispatcher *dispatcher.Dispatcher
	bus        *memory.Bus
	pool       worker.Pool
	watcher    watcher.FileWatcher
	health     *health.Server
	runner     *job.Runner

	running   atomic.Bool
	paused    atomic.Bool
	startedAt time.Time

	cancel      context.CancelFunc
	group       *errgroup.Group
	unsubscribe []func()
	done        chan struct{}
	err         error

	stopOnce sync.Once
	stopErr  error
}

// New creates an engine for the config at opts.ConfigPath. Nothing runs
// until Start.
func New(opts Options) (*Core, error) {
	if opts.ConfigPath == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = real.New()
	}
	if opts.Catalog == nil {
		opts.Catalog = plugin.NewCatalog()
		if err := builtin.Register(opts.Catalog); err != nil {
			return nil, err
		}
	}
	return &Core{
		opts:   opts,
		logger: opts.Logger.WithGroup("core"),
		clock:  opts.Clock,
		done:   make(chan struct{}),
	}, nil
}

// Start brings the components up in dependency order. Any error here is
// fatal; components already started are torn down before it returns.
func (c *Core) Start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			c.teardown()
		}
	}()

	c.store = config.NewStore(c.opts.ConfigPath, c.opts.Logger)
	gen, err := c.store.Load()
	if err != nil {
		return err
	}
	es := gen.Config.EngineSettings
	c.applyLogLevel(gen)

	if err := c.startSecurity(gen); err != nil {
		return err
	}
	if err := c.startPlugins(gen); err != nil {
		return err
	}

	c.matcher = rules.NewMatcher(fs.OSReader{}, c.opts.Logger)
	if err := c.matcher.Update(gen); err != nil {
		return err
	}
	c.breakers = breaker.NewTable(c.clock, c.opts.Logger)
	c.breakers.Configure(gen.Config.Rules)

	c.selfWrites = fs.NewSelfWrites(fs.DefaultSelfWriteTTL, c.clock.Now)
	c.writer = fs.NewAtomicWriter()
	c.writer.OnCommit = c.selfWrites.Record
	c.quarantine = quarantine.New(quarantine.Options{
		Root:       es.QuarantinePath,
		RepoRoot:   es.RepoRoot,
		WatchRoots: es.WatchPaths,
		Writer:     fs.NewAtomicWriter(),
		Clock:      c.clock,
		Logger:     c.opts.Logger,
	})

	c.bus = memory.NewBus(es.QueueCapacity, events.DropPolicy(es.DropPolicy), c.opts.Logger)
	c.dispatcher, err = dispatcher.New(dispatcher.Options{
		Breakers:   c.breakers,
		Quarantine: c.quarantine,
		Sandbox:    c.sandbox,
		Writer:     c.writer,
		Reader:     fs.OSReader{},
		Bus:        c.bus,
		Clock:      c.clock,
		Logger:     c.opts.Logger,
	})
	if err != nil {
		return err
	}

	if err := c.startPool(gen); err != nil {
		return err
	}

	if !c.opts.Once {
		if err := c.startWatcher(gen); err != nil {
			return err
		}
		if err := c.startHealth(gen); err != nil {
			return err
		}
	}

	c.unsubscribe = append(c.unsubscribe, c.store.Subscribe(c.apply))
	c.registry.OnReload(func(g *plugin.Generation) {
		c.bus.Publish(context.Background(), events.NewMessage(events.TopicPluginsReloaded, g.IDs()))
	})

	c.startedAt = c.clock.Now()
	c.running.Store(true)

	gctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	g, gctx := errgroup.WithContext(gctx)
	c.group = g

	if c.health != nil {
		g.Go(c.health.Serve)
	}
	if !c.opts.Once {
		g.Go(func() error { return c.store.Watch(gctx) })
	}
	if gen.Config.Plugins.AutoReload {
		interval := time.Duration(gen.Config.Plugins.PollIntervalSeconds) * time.Second
		g.Go(func() error { return c.registry.Poll(gctx, interval) })
	}
	g.Go(func() error { return c.monitor(gctx) })

	go func() {
		c.err = g.Wait()
		close(c.done)
	}()

	c.logger.Info("Engine started",
		"config", c.store.Path(),
		"generation", gen.ID,
		"watch_paths", es.WatchPaths,
		"rules", len(gen.Config.Rules),
		"plugins", c.registry.Current().IDs())
	return nil
}

func (c *Core) startSecurity(gen *config.Generation) error {
	cfg := gen.Config
	audit, err := security.NewAuditLog(security.AuditOptions{
		Path:       cfg.Security.AuditLog,
		MaxSizeMB:  10,
		MaxBackups: 3,
	})
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	c.audit = audit

	c.guard, err = security.NewPathGuard(cfg.EngineSettings.RepoRoot, cfg.Security.RestrictedPaths, audit)
	if err != nil {
		return err
	}
	c.sandbox, err = sandbox.New(sandbox.Options{
		Guard:   c.guard,
		Audit:   audit,
		Logger:  c.opts.Logger,
		Policy:  policyFor(gen),
		Environ: c.opts.Environ,
	})
	return err
}

func (c *Core) startPlugins(gen *config.Generation) error {
	c.registry = plugin.NewRegistry(c.opts.Catalog, c.opts.Logger, c.clock)
	c.registry.Configure(gen.Config.Plugins.Directories, gen.Config.Plugins.LoadOrder)
	_, err := c.registry.Reload()
	return err
}

func (c *Core) startPool(gen *config.Generation) error {
	es := gen.Config.EngineSettings
	workers := es.WorkerCount
	if workers <= 0 {
		workers = worker.DefaultWorkers
	}
	perShard := es.QueueCapacity / workers
	if perShard < 1 {
		perShard = 1
	}

	var err error
	c.pool, err = wkconcrete.NewPool(worker.Options{
		Limits: worker.Limits{
			Workers:    workers,
			QueueSize:  perShard,
			JobTimeout: time.Duration(es.EventTimeoutSecs) * time.Second,
		},
		Logger: c.opts.Logger,
		Clock:  c.clock,
	})
	if err != nil {
		return err
	}

	c.runner = &job.Runner{
		Rules:      c.matcher,
		Plugins:    c.registry,
		Dispatcher: c.dispatcher,
		Logger:     c.opts.Logger,
		OnDone:     c.opts.OnEvent,
	}
	c.unsubscribe = append(c.unsubscribe, c.bus.Subscribe(events.TopicFile, func(ctx context.Context, msg events.Message) {
		ev, ok := msg.Payload.(events.FileEvent)
		if !ok {
			c.logger.Warn("Unexpected file topic payload", "message_id", msg.ID)
			return
		}
		if err := c.pool.Submit(ctx, c.runner.NewJob(ev)); err != nil {
			c.logger.Error("Event not processed", "event_id", ev.ID, "path", ev.Path, "error", err)
		}
	}))
	return nil
}

// excludedDirs lists the directories never watched or scanned: the
// quarantine and the restricted paths.
func excludedDirs(gen *config.Generation) []string {
	es := gen.Config.EngineSettings
	exclude := []string{es.QuarantinePath}
	for _, r := range gen.Config.Security.RestrictedPaths {
		if filepath.IsAbs(r) {
			exclude = append(exclude, filepath.Clean(r))
		} else {
			exclude = append(exclude, filepath.Join(es.RepoRoot, r))
		}
	}
	return exclude
}

func (c *Core) startWatcher(gen *config.Generation) error {
	es := gen.Config.EngineSettings
	var err error
	c.watcher, err = wconcrete.NewWatcher(watcher.Config{
		Roots:    es.WatchPaths,
		Patterns: gen.Config.Patterns(),
		Exclude:  excludedDirs(gen),
		Debounce: time.Duration(es.DebounceMS) * time.Millisecond,
		MaxDelay: time.Duration(es.MaxDebounceMS) * time.Millisecond,
	}, wconcrete.Options{
		Bus:         c.bus,
		SelfWrites:  c.selfWrites,
		Reader:      fs.OSReader{},
		MaxFileSize: es.MaxFileSizeBytes,
		Clock:       c.clock,
		Logger:      c.opts.Logger,
	})
	return err
}

func (c *Core) startHealth(gen *config.Generation) error {
	es := gen.Config.EngineSettings
	var err error
	c.health, err = health.New(health.Options{
		Host:   es.HealthHost,
		Port:   es.HealthPort,
		Source: c,
		Logger: c.opts.Logger,
		Clock:  c.clock,
	})
	if err != nil {
		return err
	}
	return c.health.Listen()
}

// apply adopts a new configuration generation
func (c *Core) apply(gen *config.Generation) {
	cfg := gen.Config
	c.applyLogLevel(gen)

	if err := c.matcher.Update(gen); err != nil {
		c.logger.Error("Keeping previous rules", "generation", gen.ID, "error", err)
	}
	c.breakers.Configure(cfg.Rules)

	if err := c.sandbox.SetPolicy(policyFor(gen)); err != nil {
		c.logger.Error("Keeping previous security policy", "generation", gen.ID, "error", err)
	}
	if err := c.guard.SetRestricted(cfg.Security.RestrictedPaths); err != nil {
		c.logger.Error("Keeping previous restricted paths", "generation", gen.ID, "error", err)
	}

	c.registry.Configure(cfg.Plugins.Directories, cfg.Plugins.LoadOrder)
	if _, err := c.registry.Reload(); err != nil {
		c.logger.Error("Plugin reload failed", "generation", gen.ID, "error", err)
	}

	if c.watcher != nil {
		if err := c.watcher.SetPatterns(cfg.Patterns()); err != nil {
			c.logger.Error("Keeping previous watch patterns", "error", err)
		}
	}

	c.bus.Publish(context.Background(), events.NewMessage(events.TopicConfigChanged, gen.ID))
	c.logger.Info("Configuration applied", "generation", gen.ID)
}

func (c *Core) applyLogLevel(gen *config.Generation) {
	name := c.opts.LogLevel
	if name == "" {
		name = gen.Config.EngineSettings.LogLevel
	}
	level, err := logging.ParseLevel(name)
	if err != nil {
		c.logger.Warn("Unknown log level, using info", "level", name)
	}
	c.opts.Logger.SetLevel(level)
}

// monitor samples pause state and queue depth, logging transitions
func (c *Core) monitor(ctx context.Context) error {
	ticker := c.clock.NewTicker(MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			telemetry.RecordBusDepth(string(events.TopicFile), c.bus.Depth(events.TopicFile))

			paused := c.dispatcher.Paused(c.store.Current())
			if c.paused.Swap(paused) != paused {
				if paused {
					c.logger.Warn("Dispatch paused", "pause_file", c.store.Current().Config.EngineSettings.PauseFile)
				} else {
					c.logger.Info("Dispatch resumed")
				}
			}
		}
	}
}

// Done is closed when the background tasks exit, after Stop or because one
// of them failed.
func (c *Core) Done() <-chan struct{} {
	return c.done
}

// Err returns the background failure, if any, once Done is closed
func (c *Core) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the background tasks exit
func (c *Core) Wait() error {
	<-c.done
	return c.err
}

// Stop shuts the engine down: watcher, bus drain, worker pool, running
// subprocesses, health surface, then flush. ctx bounds the whole sequence.
func (c *Core) Stop(ctx context.Context) error {
	if c.group == nil {
		return nil
	}
	c.stopOnce.Do(func() {
		c.running.Store(false)
		c.logger.Info("Engine stopping")

		grace := time.Duration(c.store.Current().Config.EngineSettings.ShutdownGraceSecs) * time.Second
		gctx, cancel := context.WithTimeout(ctx, grace)
		defer cancel()

		if c.watcher != nil {
			if err := c.watcher.Stop(); err != nil {
				c.logger.Warn("Watcher stop failed", "error", err)
			}
		}

		report := c.bus.Close(gctx)
		if report.Undrained > 0 {
			c.logger.Warn("Events dropped at shutdown", "undrained", report.Undrained)
		}

		if err := c.pool.Stop(gctx); err != nil {
			c.logger.Warn("Worker pool did not drain in time", "error", err)
		}

		if err := c.sandbox.Shutdown(ctx); err != nil {
			c.logger.Warn("Sandbox shutdown failed", "error", err)
		}

		if c.health != nil {
			if err := c.health.Shutdown(ctx); err != nil {
				c.logger.Warn("Health server shutdown failed", "error", err)
			}
		}

		for _, unsubscribe := range c.unsubscribe {
			unsubscribe()
		}
		c.cancel()
		<-c.done
		c.stopErr = c.err

		if err := c.audit.Close(); err != nil {
			c.logger.Warn("Audit log close failed", "error", err)
		}
		if c.opts.Flush != nil {
			if err := c.opts.Flush(ctx); err != nil {
				c.logger.Warn("Telemetry flush failed", "error", err)
			}
		}

		st := c.pool.Stats()
		c.logger.Info("Engine stopped",
			"events_processed", st.EventsProcessed,
			"events_failed", st.EventsFailed,
			"dispatches", c.dispatcher.Stats().TotalDispatches)
	})
	return c.stopErr
}

// teardown releases whatever a failed Start left behind
func (c *Core) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if c.watcher != nil {
		_ = c.watcher.Stop()
	}
	if c.bus != nil {
		c.bus.Close(ctx)
	}
	if c.pool != nil {
		_ = c.pool.Stop(ctx)
	}
	if c.audit != nil {
		_ = c.audit.Close()
	}
	close(c.done)
}

// Store returns the config store
func (c *Core) Store() *config.Store {
	return c.store
}

// Dispatcher returns the action dispatcher
func (c *Core) Dispatcher() *dispatcher.Dispatcher {
	return c.dispatcher
}

// Breakers returns the breaker table
func (c *Core) Breakers() *breaker.Table {
	return c.breakers
}

// HealthAddr returns the bound health address, or "" when not serving
func (c *Core) HealthAddr() string {
	if c.health == nil {
		return ""
	}
	return c.health.Addr()
}

// HealthState implements health.Source
func (c *Core) HealthState() health.State {
	gen := c.store.Current()
	cfg := gen.Config
	st := health.State{
		Running:   c.running.Load(),
		StartedAt: c.startedAt,
		Engine: health.Engine{
			IsRunning:    c.running.Load(),
			WatchPaths:   cfg.EngineSettings.WatchPaths,
			FilePatterns: cfg.Patterns(),
		},
		Worker:     c.pool.Stats(),
		Dispatcher: c.dispatcher.Stats(),
		Breakers:   c.breakers.Snapshot(),
		Paused:     c.dispatcher.Paused(gen),
		PluginIDs:  c.registry.Current().IDs(),
		Bus:        c.bus.Stats(events.TopicFile),
	}
	if c.watcher != nil {
		st.Watcher = c.watcher.Stats()
	}
	return st
}

// Snapshot returns the current health document
func (c *Core) Snapshot() health.Snapshot {
	return health.Build(c.HealthState(), c.clock.Now())
}

func policyFor(gen *config.Generation) sandbox.Policy {
	cfg := gen.Config
	p := sandbox.Policy{
		AllowedCommands: cfg.Security.AllowedCommands,
		AllowedEnv:      cfg.Security.AllowedEnvVars,
		MatchTimeout:    time.Duration(cfg.EngineSettings.RegexTimeoutMS) * time.Millisecond,
	}
	if gen.Policy != nil {
		p.DangerousPatterns = gen.Policy.DangerousPatterns
		p.ScrubEnvKeys = gen.Policy.DangerousEnvKeysToAlwaysScrub
	}
	return p
}
