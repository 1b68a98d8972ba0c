package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butter-bot-machines/scribe/pkg/errors"
	"github.com/butter-bot-machines/scribe/pkg/logging"
	"github.com/butter-bot-machines/scribe/pkg/logging/memory"
	"github.com/butter-bot-machines/scribe/pkg/security"
)

func newSandbox(t *testing.T, policy Policy, environ []string) (*Sandbox, string, *security.AuditLog) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))

	audit, err := security.NewAuditLog(security.AuditOptions{})
	require.NoError(t, err)
	guard, err := security.NewPathGuard(root, []string{".git"}, audit)
	require.NoError(t, err)

	opts := Options{
		Guard:  guard,
		Audit:  audit,
		Logger: memory.NewLogger(logging.LevelDebug, nil),
		Policy: policy,
	}
	if environ != nil {
		opts.Environ = func() []string { return environ }
	}
	sb, err := New(opts)
	require.NoError(t, err)
	return sb, root, audit
}

func defaultPolicy() Policy {
	return Policy{
		AllowedCommands:   []string{"echo", "env", "cat", "sleep", "sh", "false"},
		DangerousPatterns: []string{`rm\s+-rf\s+/`, `\bsudo\b`, `(?<=curl\s).*\|\s*sh`},
		ScrubEnvKeys:      []string{"AWS_SECRET_ACCESS_KEY", "PATH"},
	}
}

func TestValidateCommand(t *testing.T) {
	sb, _, audit := newSandbox(t, defaultPolicy(), nil)

	tests := []struct {
		name    string
		argv    []string
		wantErr bool
	}{
		{"allowed", []string{"echo", "hello"}, false},
		{"allowed by basename", []string{"/bin/echo", "hello"}, false},
		{"not allowed", []string{"git", "status"}, true},
		{"empty", nil, true},
		{"dangerous pattern", []string{"sh", "-c", "rm -rf /"}, true},
		{"case-insensitive pattern", []string{"echo", "SUDO", "ls"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sb.ValidateCommand(tt.argv)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.SecurityViolation))
			} else {
				assert.NoError(t, err)
			}
		})
	}
	assert.Equal(t, uint64(4), audit.Count(security.EventCommandDenied))
}

func TestValidateParams(t *testing.T) {
	sb, _, _ := newSandbox(t, defaultPolicy(), nil)

	tests := []struct {
		name    string
		params  map[string]interface{}
		wantErr bool
	}{
		{"plain", map[string]interface{}{"text_to_append": " Scribe test successful!"}, false},
		{"numbers ignored", map[string]interface{}{"count": 3, "ratio": 0.5}, false},
		{"pipe", map[string]interface{}{"x": "a | b"}, true},
		{"ampersand", map[string]interface{}{"x": "a && b"}, true},
		{"semicolon", map[string]interface{}{"x": "a; b"}, true},
		{"backtick", map[string]interface{}{"x": "`id`"}, true},
		{"subshell", map[string]interface{}{"x": "$(id)"}, true},
		{"dollar alone ok", map[string]interface{}{"x": "costs $5"}, false},
		{"nested list", map[string]interface{}{"command": []interface{}{"echo", "a;b"}}, true},
		{"string list", map[string]interface{}{"command": []string{"echo", "ok"}}, false},
		{"nested map", map[string]interface{}{"opts": map[string]interface{}{"k": "sudo reboot"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sb.ValidateParams(tt.params)
			if tt.wantErr {
				assert.True(t, errors.Is(err, errors.SecurityViolation), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePath(t *testing.T) {
	sb, root, _ := newSandbox(t, defaultPolicy(), nil)

	abs, err := sb.ValidatePath("docs")
	require.NoError(t, err)
	assert.Equal(t, "docs", filepath.Base(abs))
	assert.True(t, strings.HasPrefix(abs, resolvedRoot(t, root)))

	for _, p := range []string{"../x", "/tmp", ".git/config"} {
		_, err := sb.ValidatePath(p)
		assert.True(t, errors.Is(err, errors.SecurityViolation), p)
	}
}

func TestExecute_Success(t *testing.T) {
	sb, _, _ := newSandbox(t, defaultPolicy(), nil)

	res, err := sb.Execute(context.Background(), Request{
		Command: []string{"cat"},
		Stdin:   []byte("from stdin"),
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "from stdin", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
}

func TestExecute_DisallowedCommandNeverRuns(t *testing.T) {
	sb, root, _ := newSandbox(t, defaultPolicy(), nil)

	res, err := sb.Execute(context.Background(), Request{Command: []string{"touch", "marker"}})
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, errors.SecurityViolation))
	assert.NoFileExists(t, filepath.Join(root, "marker"))
}

func TestExecute_NonZeroExit(t *testing.T) {
	sb, _, _ := newSandbox(t, defaultPolicy(), nil)

	res, err := sb.Execute(context.Background(), Request{Command: []string{"sh", "-c", "echo oops >&2; exit 3"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ExecutionError))
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestExecute_TimeoutKillsProcessGroup(t *testing.T) {
	sb, _, audit := newSandbox(t, defaultPolicy(), nil)

	start := time.Now()
	res, err := sb.Execute(context.Background(), Request{
		Command: []string{"sh", "-c", "sleep 30 & sleep 30"},
		Timeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ExecutionTimeout))
	require.NotNil(t, res)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Zero(t, sb.Running())
	assert.Equal(t, uint64(1), audit.Count(security.EventCommandTimeout))
}

func TestExecute_ScrubbedEnvironment(t *testing.T) {
	host := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=/home/scribe",
		"LANG=C.UTF-8",
		"SCRIBE_ALLOWED_VAR=scribe_rocks",
		"SCRIBE_SECRET_VAR=super_secret",
		"AWS_SECRET_ACCESS_KEY=nope",
	}
	policy := defaultPolicy()
	policy.AllowedEnv = []string{"AWS_SECRET_ACCESS_KEY"}
	sb, _, _ := newSandbox(t, policy, host)

	res, err := sb.Execute(context.Background(), Request{
		Command:    []string{"env"},
		AllowedEnv: []string{"SCRIBE_ALLOWED_VAR", "PATH", "LC_ALL", "LANG"},
	})
	require.NoError(t, err)

	vars := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		k, v, _ := strings.Cut(line, "=")
		vars[k] = v
	}

	assert.Equal(t, "scribe_rocks", vars["SCRIBE_ALLOWED_VAR"])
	assert.Equal(t, os.Getenv("PATH"), vars["PATH"])
	assert.Equal(t, "/home/scribe", vars["HOME"])
	assert.NotContains(t, vars, "SCRIBE_SECRET_VAR")
	assert.NotContains(t, vars, "AWS_SECRET_ACCESS_KEY")

	allowed := map[string]bool{"SCRIBE_ALLOWED_VAR": true, "PATH": true, "HOME": true, "LANG": true, "LC_ALL": true}
	for k := range vars {
		assert.True(t, allowed[k], "unexpected variable %s", k)
	}
}

func TestSetPolicy(t *testing.T) {
	sb, _, _ := newSandbox(t, defaultPolicy(), nil)
	require.Error(t, sb.ValidateCommand([]string{"git", "status"}))

	require.NoError(t, sb.SetPolicy(Policy{AllowedCommands: []string{"git"}}))
	assert.NoError(t, sb.ValidateCommand([]string{"git", "status"}))

	err := sb.SetPolicy(Policy{DangerousPatterns: []string{"("}})
	assert.True(t, errors.Is(err, errors.ConfigInvalid))
	assert.NoError(t, sb.ValidateCommand([]string{"git", "status"}), "failed update keeps previous policy")
}

func TestShutdown(t *testing.T) {
	sb, _, _ := newSandbox(t, defaultPolicy(), nil)

	done := make(chan error, 1)
	go func() {
		_, err := sb.Execute(context.Background(), Request{Command: []string{"sleep", "30"}, Timeout: time.Minute})
		done <- err
	}()

	require.Eventually(t, func() bool { return sb.Running() == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = sb.Shutdown(ctx)

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("command survived shutdown")
	}

	_, err := sb.Execute(context.Background(), Request{Command: []string{"echo"}})
	assert.True(t, errors.Is(err, errors.ExecutionError))
}

func resolvedRoot(t *testing.T, root string) string {
	t.Helper()
	r, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	return r
}
