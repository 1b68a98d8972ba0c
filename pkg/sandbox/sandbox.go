package sandbox

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/butter-bot-machines/scribe/pkg/errors"
	"github.com/butter-bot-machines/scribe/pkg/logging"
	"github.com/butter-bot-machines/scribe/pkg/security"
	"github.com/butter-bot-machines/scribe/pkg/telemetry"
)

// DefaultTimeout bounds a command when the request sets none
const DefaultTimeout = 30 * time.Second

// Request describes one command execution
type Request struct {
	// Command is argv; it is never passed through a shell
	Command []string
	// Dir is the repository-relative working directory
	Dir string
	// Timeout bounds the run; zero means DefaultTimeout
	Timeout time.Duration
	// AllowedEnv adds host variables to forward for this run
	AllowedEnv []string
	// Stdin is fed to the process
	Stdin []byte
}

// Result is the outcome of a command execution
type Result struct {
	Success  bool
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Options configures a Sandbox
type Options struct {
	Guard  *security.PathGuard
	Audit  *security.AuditLog
	Logger logging.Logger
	Policy Policy
	// Environ supplies the host environment; defaults to os.Environ
	Environ func() []string
}

// Sandbox validates and runs subprocesses under the execution policy.
type Sandbox struct {
	guard   *security.PathGuard
	audit   *security.AuditLog
	logger  logging.Logger
	environ func() []string
	policy  atomic.Pointer[compiledPolicy]

	mu      sync.Mutex
	running map[int]*exec.Cmd
	closed  bool
}

// New creates a sandbox
func New(opts Options) (*Sandbox, error) {
	if opts.Guard == nil {
		return nil, fmt.Errorf("path guard required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ
	}

	s := &Sandbox{
		guard:   opts.Guard,
		audit:   opts.Audit,
		logger:  opts.Logger.WithGroup("sandbox"),
		environ: opts.Environ,
		running: make(map[int]*exec.Cmd),
	}
	if err := s.SetPolicy(opts.Policy); err != nil {
		return nil, err
	}
	return s, nil
}

// SetPolicy atomically replaces the execution policy. Running commands are
// not affected.
func (s *Sandbox) SetPolicy(p Policy) error {
	cp, err := compilePolicy(p)
	if err != nil {
		return errors.Wrap(errors.ConfigInvalid, err, "security policy")
	}
	s.policy.Store(cp)
	s.logger.Debug("policy updated",
		"allowed_commands", len(cp.allowed),
		"dangerous_patterns", len(cp.patterns))
	return nil
}

// ValidateCommand checks argv against the allow-list and dangerous patterns.
func (s *Sandbox) ValidateCommand(argv []string) error {
	if len(argv) == 0 || argv[0] == "" {
		return s.violation(security.EventCommandDenied, "empty command", nil)
	}

	cp := s.policy.Load()
	base := filepath.Base(argv[0])
	if _, ok := cp.allowed[base]; !ok {
		return s.violation(security.EventCommandDenied,
			fmt.Sprintf("command %q is not in the allow-list", base),
			map[string]interface{}{"command": base})
	}

	line := strings.Join(argv, " ")
	if pat, hit := cp.dangerous(line); hit {
		return s.violation(security.EventCommandDenied,
			fmt.Sprintf("command matches dangerous pattern %q", pat),
			map[string]interface{}{"command": base, "pattern": pat})
	}
	return nil
}

// ValidatePath checks a repository-relative path and returns it in
// absolute form.
func (s *Sandbox) ValidatePath(rel string) (string, error) {
	abs, err := s.guard.Validate(rel)
	if err != nil {
		return "", errors.Wrap(errors.SecurityViolation, err, "path %q", rel)
	}
	return abs, nil
}

// ValidateParams screens every string inside params, including nested lists
// and maps, for injection tokens and dangerous patterns.
func (s *Sandbox) ValidateParams(params map[string]interface{}) error {
	cp := s.policy.Load()

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := s.screen(cp, k, params[k]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sandbox) screen(cp *compiledPolicy, key string, v interface{}) error {
	switch val := v.(type) {
	case string:
		if tok, hit := injectionToken(val); hit {
			return s.violation(security.EventParamRejected,
				fmt.Sprintf("parameter %q contains %q", key, tok),
				map[string]interface{}{"param": key, "token": tok})
		}
		if pat, hit := cp.dangerous(val); hit {
			return s.violation(security.EventParamRejected,
				fmt.Sprintf("parameter %q matches dangerous pattern %q", key, pat),
				map[string]interface{}{"param": key, "pattern": pat})
		}
	case []string:
		for i, item := range val {
			if err := s.screen(cp, fmt.Sprintf("%s[%d]", key, i), item); err != nil {
				return err
			}
		}
	case []interface{}:
		for i, item := range val {
			if err := s.screen(cp, fmt.Sprintf("%s[%d]", key, i), item); err != nil {
				return err
			}
		}
	case map[string]interface{}:
		for k, item := range val {
			if err := s.screen(cp, key+"."+k, item); err != nil {
				return err
			}
		}
	}
	return nil
}

// Execute validates and runs a command. It returns a SecurityViolation error
// before starting anything that breaks policy, ExecutionTimeout when the
// timeout or ctx expires, and ExecutionError on a non-zero exit. The Result
// is populated whenever the process ran.
func (s *Sandbox) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := s.ValidateCommand(req.Command); err != nil {
		return nil, err
	}
	dir, err := s.ValidatePath(req.Dir)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, req.Command[0], req.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = s.policy.Load().buildEnv(s.environ(), req.AllowedEnv)
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process.Pid, true)
	}
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if req.Stdin != nil {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	start := time.Now()
	if err := s.start(cmd); err != nil {
		telemetry.RecordCommand(filepath.Base(req.Command[0]), "start_failed", 0)
		return nil, errors.Wrap(errors.ExecutionError, err, "start %s", filepath.Base(req.Command[0]))
	}
	waitErr := cmd.Wait()
	s.finish(cmd)

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}
	name := filepath.Base(req.Command[0])
	logger := s.logger.With("command", name, "duration", res.Duration)

	if runCtx.Err() != nil {
		telemetry.RecordCommand(name, "timeout", res.Duration)
		s.audit.Log(security.EventCommandTimeout, security.SeverityWarning, "sandbox",
			fmt.Sprintf("command %s killed after %s", name, timeout),
			map[string]interface{}{"command": name})
		logger.Warn("command timed out", "timeout", timeout)
		return res, errors.New(errors.ExecutionTimeout, "command %s exceeded %s", name, timeout).
			WithContext("command", name)
	}

	if waitErr != nil {
		telemetry.RecordCommand(name, "failed", res.Duration)
		var exitErr *exec.ExitError
		if stderrors.As(waitErr, &exitErr) {
			logger.Debug("command failed", "exit_code", res.ExitCode)
			return res, errors.New(errors.ExecutionError, "command %s exited with %d: %s",
				name, res.ExitCode, strings.TrimSpace(res.Stderr)).
				WithContext("exit_code", res.ExitCode)
		}
		return res, errors.Wrap(errors.ExecutionError, waitErr, "command %s", name)
	}

	res.Success = true
	telemetry.RecordCommand(name, "success", res.Duration)
	logger.Debug("command completed")
	return res, nil
}

func (s *Sandbox) start(cmd *exec.Cmd) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sandbox is shut down")
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	s.running[cmd.Process.Pid] = cmd
	return nil
}

func (s *Sandbox) finish(cmd *exec.Cmd) {
	s.mu.Lock()
	delete(s.running, cmd.Process.Pid)
	s.mu.Unlock()
}

// Running returns the number of live subprocesses
func (s *Sandbox) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Shutdown refuses new commands, sends SIGTERM to every running process
// group and SIGKILL to the survivors once ctx is done.
func (s *Sandbox) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	pids := make([]int, 0, len(s.running))
	for pid := range s.running {
		pids = append(pids, pid)
	}
	s.mu.Unlock()

	if len(pids) == 0 {
		return nil
	}
	s.logger.Info("terminating subprocesses", "count", len(pids))
	for _, pid := range pids {
		_ = signalGroup(pid, false)
	}

	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if s.Running() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			s.mu.Lock()
			for pid := range s.running {
				_ = signalGroup(pid, true)
				s.audit.Log(security.EventProcessKilled, security.SeverityWarning, "sandbox",
					fmt.Sprintf("process group %d killed at shutdown", pid), nil)
			}
			n := len(s.running)
			s.mu.Unlock()
			return fmt.Errorf("force-killed %d subprocesses", n)
		case <-tick.C:
		}
	}
}

func (s *Sandbox) violation(ev security.EventType, msg string, meta map[string]interface{}) error {
	s.audit.Log(ev, security.SeverityWarning, "sandbox", msg, meta)
	s.logger.Warn("security violation", "reason", msg)
	telemetry.RecordSecurityViolation(string(ev))
	return errors.New(errors.SecurityViolation, "%s", msg)
}
