package job

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/butter-bot-machines/scribe/pkg/config"
	"github.com/butter-bot-machines/scribe/pkg/dispatcher"
	"github.com/butter-bot-machines/scribe/pkg/errors"
	"github.com/butter-bot-machines/scribe/pkg/events"
	"github.com/butter-bot-machines/scribe/pkg/logging"
	"github.com/butter-bot-machines/scribe/pkg/plugin"
	"github.com/butter-bot-machines/scribe/pkg/quarantine"
	"github.com/butter-bot-machines/scribe/pkg/rules"
	"github.com/butter-bot-machines/scribe/pkg/worker"
)

// RuleSource provides the active rule set
type RuleSource interface {
	Current() *rules.Set
}

// PluginSource provides the active plugin generation
type PluginSource interface {
	Current() *plugin.Generation
}

// Dispatcher runs the action chain of one match
type Dispatcher interface {
	Dispatch(ctx context.Context, m *rules.RuleMatch, cfg *config.Generation, plugins *plugin.Generation) *dispatcher.Result
}

// Runner holds what every FileEventJob needs
type Runner struct {
	Rules      RuleSource
	Plugins    PluginSource
	Dispatcher Dispatcher
	Logger     logging.Logger
	// OnDone is called exactly once per job with its results
	OnDone func(*FileEventJob)
}

// NewJob wraps ev
func (r *Runner) NewJob(ev events.FileEvent) *FileEventJob {
	logger := r.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &FileEventJob{
		Event:  ev,
		runner: r,
		logger: logger.WithGroup("job").With("event_id", ev.ID, "path", ev.Path),
	}
}

// FileEventJob processes one file event end to end: match against the
// rule set, then dispatch every match in rule order.
type FileEventJob struct {
	Event events.FileEvent

	runner *Runner
	logger logging.Logger

	once    sync.Once
	mu      sync.Mutex
	results []*dispatcher.Result
	skips   []rules.Skip
	err     error
}

var _ worker.Job = (*FileEventJob)(nil)

func (j *FileEventJob) ID() string  { return j.Event.ID }
func (j *FileEventJob) Key() string { return j.Event.Path }

// Process implements worker.Job. The rule set and plugin generation are
// pinned here; a reload while the job runs does not affect it.
func (j *FileEventJob) Process(ctx context.Context) error {
	err := j.process(ctx)
	j.ack(err)
	return err
}

func (j *FileEventJob) process(ctx context.Context) error {
	set := j.runner.Rules.Current()
	if set == nil {
		j.logger.Debug("No rule set installed, event ignored")
		return nil
	}
	cfg := set.Generation()
	plugins := j.runner.Plugins.Current()

	if secs := cfg.Config.EngineSettings.EventTimeoutSecs; secs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
		defer cancel()
	}

	matches, skips := set.Match(ctx, j.Event)
	j.mu.Lock()
	j.skips = skips
	j.mu.Unlock()
	if len(matches) == 0 {
		j.logger.Debug("No rules matched", "skipped", len(skips))
		return j.timeout(ctx)
	}

	// Each dispatch sees the content its predecessor wrote.
	var (
		failed  []string
		written *string
		gone    bool
	)
	for _, m := range matches {
		if ctx.Err() != nil {
			break
		}
		if gone {
			j.skip(rules.Skip{RuleID: m.Rule.ID, Path: m.FilePath, Reason: rules.SkipQuarantined})
			continue
		}
		if written != nil {
			next, reason := set.Refresh(m, *written)
			if next == nil {
				j.skip(rules.Skip{RuleID: m.Rule.ID, Path: m.FilePath, Reason: reason})
				continue
			}
			m = next
		}

		res := j.runner.Dispatcher.Dispatch(ctx, m, cfg, plugins)
		j.mu.Lock()
		j.results = append(j.results, res)
		j.mu.Unlock()
		if res.Failed() {
			failed = append(failed, m.Rule.ID)
		}
		if res.Written {
			content := res.FinalContent
			written = &content
		}
		if res.Quarantine != nil && res.Quarantine.Status == quarantine.Quarantined {
			gone = true
		}
	}

	if err := j.timeout(ctx); err != nil {
		return err
	}
	if len(failed) > 0 {
		return errors.New(errors.ExecutionError, "dispatch failed for rules %v", failed).
			WithContext("event_id", j.Event.ID)
	}
	return nil
}

func (j *FileEventJob) skip(s rules.Skip) {
	j.logger.Debug("Rule skipped", "rule_id", s.RuleID, "reason", s.Reason)
	j.mu.Lock()
	j.skips = append(j.skips, s)
	j.mu.Unlock()
}

// timeout reports an expired event deadline as dispatch_timeout
func (j *FileEventJob) timeout(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		kind := errors.DispatchTimeout
		if !stderrors.Is(err, context.DeadlineExceeded) {
			kind = errors.UnexpectedSystem
		}
		return errors.Wrap(kind, err, "event %s not finished", j.Event.ID)
	}
	return nil
}

// OnFailure implements worker.Job
func (j *FileEventJob) OnFailure(err error) {
	j.ack(err)
	j.logger.Warn("Event failed", "type", j.Event.Type, "kind", errors.KindOf(err), "error", err)
}

// ack records the terminal outcome. Only the first call counts.
func (j *FileEventJob) ack(err error) {
	j.once.Do(func() {
		j.mu.Lock()
		j.err = err
		j.mu.Unlock()
		if j.runner.OnDone != nil {
			j.runner.OnDone(j)
		}
	})
}

// Results returns the dispatch results collected so far
func (j *FileEventJob) Results() []*dispatcher.Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*dispatcher.Result(nil), j.results...)
}

// Skips returns why rules whose glob matched were not dispatched
func (j *FileEventJob) Skips() []rules.Skip {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]rules.Skip(nil), j.skips...)
}

// Err returns the terminal error, nil on success
func (j *FileEventJob) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}
