// Package dispatcher runs a rule's action chain against a matched file,
// guarded by the rule's circuit breaker.
package dispatcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/butter-bot-machines/scribe/pkg/breaker"
	"github.com/butter-bot-machines/scribe/pkg/config"
	"github.com/butter-bot-machines/scribe/pkg/errors"
	"github.com/butter-bot-machines/scribe/pkg/events"
	"github.com/butter-bot-machines/scribe/pkg/fs"
	"github.com/butter-bot-machines/scribe/pkg/logging"
	"github.com/butter-bot-machines/scribe/pkg/plugin"
	"github.com/butter-bot-machines/scribe/pkg/quarantine"
	"github.com/butter-bot-machines/scribe/pkg/rules"
	"github.com/butter-bot-machines/scribe/pkg/telemetry"
	"github.com/butter-bot-machines/scribe/pkg/timing"
	"github.com/butter-bot-machines/scribe/pkg/timing/real"
)

const (
	DefaultActionTimeout   = 30 * time.Second
	DefaultDispatchTimeout = 120 * time.Second
)

// PausePolicy values
const (
	PauseSkip       = "skip"
	PauseQuarantine = "quarantine"
)

// Sandbox is the security boundary the dispatcher hands to plugins
type Sandbox interface {
	plugin.CommandExecutor
	plugin.PathValidator
	ValidateParams(params map[string]interface{}) error
}

// Quarantiner relocates files whose rule cannot be dispatched
type Quarantiner interface {
	Quarantine(ctx context.Context, path, ruleID, reason string) (*quarantine.Result, error)
}

// Options configures a Dispatcher
type Options struct {
	Breakers   *breaker.Table
	Quarantine Quarantiner
	Sandbox    Sandbox
	Writer     fs.Writer
	Reader     fs.Reader
	// Bus receives dispatch.* notices; optional
	Bus    events.Bus
	Clock  timing.Clock
	Logger logging.Logger
}

// Dispatcher executes action chains
type Dispatcher struct {
	breakers   *breaker.Table
	quarantine Quarantiner
	sandbox    Sandbox
	writer     fs.Writer
	reader     fs.Reader
	bus        events.Bus
	clock      timing.Clock
	logger     logging.Logger
	panics     *errors.PanicHandler

	counters counters
}

// New creates a Dispatcher
func New(opts Options) (*Dispatcher, error) {
	if opts.Breakers == nil {
		return nil, fmt.Errorf("breaker table required")
	}
	if opts.Quarantine == nil {
		return nil, fmt.Errorf("quarantine required")
	}
	if opts.Sandbox == nil {
		return nil, fmt.Errorf("sandbox required")
	}
	if opts.Writer == nil {
		opts.Writer = fs.NewAtomicWriter()
	}
	if opts.Reader == nil {
		opts.Reader = fs.OSReader{}
	}
	if opts.Clock == nil {
		opts.Clock = real.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	logger := opts.Logger.WithGroup("dispatcher")
	return &Dispatcher{
		breakers:   opts.Breakers,
		quarantine: opts.Quarantine,
		sandbox:    opts.Sandbox,
		writer:     opts.Writer,
		reader:     opts.Reader,
		bus:        opts.Bus,
		clock:      opts.Clock,
		logger:     logger,
		panics:     errors.NewPanicHandler(errors.ExecutionError, logger),
	}, nil
}

// Stats returns the lifetime counters
func (d *Dispatcher) Stats() Stats {
	return d.counters.snapshot()
}

// Paused reports whether the pause file of cfg exists
func (d *Dispatcher) Paused(cfg *config.Generation) bool {
	path := cfg.Config.EngineSettings.PauseFile
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// Dispatch runs m's action chain. cfg and plugins are the generations the
// caller pinned for this event; they stay in use until Dispatch returns.
// Failures are reported in the Result, never as a panic or error.
func (d *Dispatcher) Dispatch(ctx context.Context, m *rules.RuleMatch, cfg *config.Generation, plugins *plugin.Generation) *Result {
	start := d.clock.Now()
	res := &Result{
		EventID:  m.EventID(),
		RuleID:   m.Rule.ID,
		FilePath: m.FilePath,
	}
	logger := d.logger.With("rule_id", m.Rule.ID, "event_id", res.EventID, "path", m.RelPath)

	ctx, span := telemetry.Tracer().Start(ctx, "scribe.dispatch", trace.WithAttributes(
		attribute.String("rule.id", m.Rule.ID),
		attribute.String("file.path", m.RelPath),
		attribute.String("event.type", string(m.Event.Type)),
	))
	defer func() {
		res.Duration = d.clock.Since(start)
		d.finish(span, res, logger)
	}()

	if d.Paused(cfg) {
		d.pause(ctx, m, cfg, res)
		return res
	}

	ticket, err := d.breakers.Get(m.Rule.ID).Allow()
	if err != nil {
		d.block(ctx, m, err, res, logger)
		return res
	}

	d.publish(events.TopicDispatchStarted, res)
	d.run(ctx, m, cfg, plugins, res, logger)
	ticket.Done(res.Outcome == Succeeded)
	return res
}

// run executes the chain and writes the final content back
func (d *Dispatcher) run(ctx context.Context, m *rules.RuleMatch, cfg *config.Generation, plugins *plugin.Generation, res *Result, logger logging.Logger) {
	defer func() {
		if r := recover(); r != nil {
			e := errors.NewPanicHandler(errors.UnexpectedSystem, logger).Handle(r)
			res.Outcome = Failed
			res.Kind = errors.UnexpectedSystem
			res.Error = e.Error()
		}
	}()

	es := cfg.Config.EngineSettings
	dctx, cancel := context.WithTimeout(ctx, seconds(es.DispatchTimeoutSec, DefaultDispatchTimeout))
	defer cancel()

	content := m.Content
	failed := 0
	actions := m.Rule.Actions
	for i, spec := range actions {
		if dctx.Err() != nil {
			res.Outcome = Failed
			res.Kind = errors.DispatchTimeout
			res.Error = fmt.Sprintf("dispatch stopped after %d of %d actions: %v", i, len(actions), dctx.Err())
			return
		}
		next, ar := d.runAction(dctx, m, cfg, plugins, spec, content, logger)
		res.Actions = append(res.Actions, ar)
		if !ar.Success {
			failed++
			continue
		}
		content = next
	}
	if dctx.Err() != nil {
		res.Outcome = Failed
		res.Kind = errors.DispatchTimeout
		res.Error = dctx.Err().Error()
		return
	}

	res.FinalContent = content
	fail, rate := isFailure(failed, len(actions))
	res.FailureRate = rate

	// Delete events carry no content; writing would resurrect the file.
	if content != m.Content && m.Event.Type != events.Deleted {
		if err := d.writer.WriteFile(m.FilePath, []byte(content)); err != nil {
			res.Outcome = Failed
			res.Kind = errors.AtomicWriteFailed
			res.Error = err.Error()
			return
		}
		res.Written = true
	}

	if fail {
		res.Outcome = Failed
		for _, a := range res.Actions {
			if !a.Success {
				res.Kind = a.Kind
				res.Error = a.Error
				break
			}
		}
		return
	}
	res.Outcome = Succeeded
}

// runAction executes one action. On failure the input content is returned
// unchanged.
func (d *Dispatcher) runAction(ctx context.Context, m *rules.RuleMatch, cfg *config.Generation, plugins *plugin.Generation, spec config.ActionSpec, content string, logger logging.Logger) (string, ActionResult) {
	start := d.clock.Now()
	ar := ActionResult{Type: spec.Type}

	ctx, span := telemetry.Tracer().Start(ctx, "scribe.action", trace.WithAttributes(
		attribute.String("action.type", spec.Type),
	))
	defer span.End()

	out, err := d.execute(ctx, m, cfg, plugins, spec, content, &ar)
	ar.Duration = d.clock.Since(start)

	if err != nil {
		ar.Kind = errors.KindOf(err)
		if ar.Kind == errors.KindUnknown {
			ar.Kind = errors.ExecutionError
		}
		ar.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(ar.Kind))
		telemetry.RecordAction(spec.Type, false, string(ar.Kind), ar.Duration)
		logger.Warn("Action failed", "action", spec.Type, "kind", ar.Kind, "error", err)
		return content, ar
	}

	ar.Success = true
	ar.Changed = out != content
	telemetry.RecordAction(spec.Type, true, "", ar.Duration)
	logger.Debug("Action completed", "action", spec.Type, "changed", ar.Changed, "duration", ar.Duration)
	return out, ar
}

func (d *Dispatcher) execute(ctx context.Context, m *rules.RuleMatch, cfg *config.Generation, plugins *plugin.Generation, spec config.ActionSpec, content string, ar *ActionResult) (string, error) {
	desc, ok := plugins.Lookup(spec.Type)
	if !ok {
		return "", errors.New(errors.PluginMissing, "no plugin for action type %q", spec.Type)
	}
	ar.PluginID = desc.ID

	action, err := desc.Factory(d.pluginContext(m, cfg, desc))
	if err != nil {
		return "", classify(err, errors.PluginLoadFailed)
	}

	if err := plugin.CheckRequired(action, spec.Params); err != nil {
		return "", err
	}
	params := plugin.WithDefaults(action, spec.Params)
	if err := action.ValidateParams(params); err != nil {
		return "", classify(err, errors.ParamValidation)
	}
	if err := d.sandbox.ValidateParams(params); err != nil {
		return "", classify(err, errors.SecurityViolation)
	}

	timeout := seconds(cfg.Config.EngineSettings.ActionTimeoutSecs, DefaultActionTimeout)
	return d.invoke(ctx, action, content, m, params, timeout)
}

// invoke runs Execute on its own goroutine so a plugin that ignores ctx
// cannot hold the chain past its timeout.
func (d *Dispatcher) invoke(ctx context.Context, action plugin.Action, content string, m *rules.RuleMatch, params map[string]interface{}, timeout time.Duration) (string, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		o.err = d.panics.Guard(func() error {
			var err error
			o.content, err = action.Execute(actx, content, m.Match, m.FilePath, params)
			return err
		})
		done <- o
	}()

	select {
	case o := <-done:
		if actx.Err() != nil && errors.KindOf(o.err) != errors.SecurityViolation {
			return "", errors.New(errors.ExecutionTimeout, "action exceeded %s", timeout)
		}
		if o.err != nil {
			return "", classify(o.err, errors.ExecutionError)
		}
		return o.content, nil
	case <-actx.Done():
		return "", errors.New(errors.ExecutionTimeout, "action exceeded %s", timeout)
	}
}

func (d *Dispatcher) pluginContext(m *rules.RuleMatch, cfg *config.Generation, desc *plugin.Descriptor) *plugin.Context {
	es := cfg.Config.EngineSettings
	files := plugin.NewFiles(d.sandbox, d.writer, d.reader, es.MaxFileSizeBytes)
	return &plugin.Context{
		PluginID: desc.ID,
		Logger:   d.logger.With("plugin", desc.ID, "rule_id", m.Rule.ID),
		Writer:   files,
		Reader:   files,
		Commands: d.sandbox,
		Config: plugin.ConfigView{
			Settings:       es,
			Rule:           *m.Rule,
			AllowedEnvVars: append([]string(nil), cfg.Config.Security.AllowedEnvVars...),
		},
		Event: plugin.EventContext{
			EventID:   m.EventID(),
			EventType: m.Event.Type,
			RuleID:    m.Rule.ID,
			FilePath:  m.FilePath,
			RelPath:   m.RelPath,
		},
	}
}

// block handles a dispatch refused by the breaker. An open breaker
// quarantines the file; a half-open breaker with no free probe slot only
// reports the block.
func (d *Dispatcher) block(ctx context.Context, m *rules.RuleMatch, err error, res *Result, logger logging.Logger) {
	res.Outcome = Blocked
	res.Kind = errors.DispatchBlocked
	res.Error = err.Error()
	if stderrors.Is(err, breaker.ErrProbeLimit) {
		return
	}

	qr, qerr := d.quarantine.Quarantine(ctx, m.FilePath, m.Rule.ID, quarantine.ReasonCircuitOpen)
	res.Quarantine = qr
	if qerr != nil {
		res.Kind = errors.QuarantineFailed
		res.Error = qerr.Error()
		logger.Error("Quarantine failed, file left in place", "error", qerr)
	}
}

// pause handles an event that arrived while dispatch is paused
func (d *Dispatcher) pause(ctx context.Context, m *rules.RuleMatch, cfg *config.Generation, res *Result) {
	res.Outcome = Skipped
	if cfg.Config.EngineSettings.PausePolicy != PauseQuarantine {
		return
	}
	qr, err := d.quarantine.Quarantine(ctx, m.FilePath, m.Rule.ID, quarantine.ReasonPaused)
	res.Quarantine = qr
	if err != nil {
		res.Kind = errors.QuarantineFailed
		res.Error = err.Error()
	}
}

func (d *Dispatcher) finish(span trace.Span, res *Result, logger logging.Logger) {
	d.counters.record(res)
	telemetry.RecordDispatch(res.RuleID, string(res.Outcome), res.Duration)

	span.SetAttributes(
		attribute.String("dispatch.outcome", string(res.Outcome)),
		attribute.Float64("dispatch.failure_rate", res.FailureRate),
		attribute.Bool("dispatch.written", res.Written),
	)
	if res.Kind != errors.KindUnknown {
		span.SetStatus(codes.Error, string(res.Kind))
	}
	span.End()

	switch res.Outcome {
	case Succeeded:
		d.publish(events.TopicDispatchCompleted, res)
		logger.Info("Dispatch completed",
			"actions", len(res.Actions),
			"written", res.Written,
			"duration", res.Duration)
	case Failed:
		d.publish(events.TopicDispatchFailed, res)
		logger.Warn("Dispatch failed",
			"kind", res.Kind,
			"failure_rate", res.FailureRate,
			"error", res.Error)
	case Blocked:
		d.publish(events.TopicDispatchBlocked, res)
		args := []interface{}{"kind", res.Kind}
		if res.Quarantine != nil {
			args = append(args, "quarantine", res.Quarantine.Status, "quarantine_path", res.Quarantine.Record.QuarantinePath)
		}
		logger.Warn("Dispatch blocked by circuit breaker", args...)
	case Skipped:
		logger.Info("Dispatch paused, event skipped", "quarantined", res.Quarantine != nil)
	}
}

func (d *Dispatcher) publish(topic events.Topic, res *Result) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(context.Background(), events.NewMessage(topic, events.DispatchNotice{
		EventID:  res.EventID,
		RuleID:   res.RuleID,
		FilePath: res.FilePath,
		Success:  res.Outcome == Succeeded,
		Kind:     string(res.Kind),
		Duration: res.Duration,
	}))
}

// classify gives err kind unless it already carries one
func classify(err error, kind errors.Kind) error {
	if errors.KindOf(err) != errors.KindUnknown {
		return err
	}
	return errors.Wrap(kind, err, "")
}

func seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
