package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `config_version: "1.0"
engine_settings:
  watch_paths: [watched]
  quarantine_path: quarantine
  debounce_ms: 20
  health_port: 0
  shutdown_grace_seconds: 2
plugins:
  auto_reload: false
rules:
  - id: RULE-001
    name: append
    file_glob: "*.txt"
    actions:
      - type: append_text
        params: {text_to_append: "!"}
`

func writeProject(t *testing.T, cfg string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "watched"), 0o755))
	path := filepath.Join(dir, "scribe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func run(t *testing.T, ctx context.Context, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr, logs bytes.Buffer
	cli := NewCLI(&stdout, &stderr)
	cli.Logs = &logs
	code := cli.Run(ctx, args)
	return code, stdout.String(), stderr.String()
}

func TestCLIRun(t *testing.T) {
	cfg := writeProject(t, testConfig)

	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantOut  string
		wantErr  string
	}{
		{
			name:     "version command",
			args:     []string{"version"},
			wantCode: ExitOK,
			wantOut:  "scribe version " + Version,
		},
		{
			name:     "unknown command",
			args:     []string{"unknown"},
			wantCode: ExitFatal,
			wantErr:  "unknown",
		},
		{
			name:     "validate good config",
			args:     []string{"validate", "--config", cfg},
			wantCode: ExitOK,
			wantOut:  "1 rules (1 enabled)",
		},
		{
			name:     "validate missing config",
			args:     []string{"validate", "--config", filepath.Join(t.TempDir(), "nope.yaml")},
			wantCode: ExitFatal,
			wantErr:  "Error:",
		},
		{
			name:     "invalid log level",
			args:     []string{"--config", cfg, "--log-level", "LOUD"},
			wantCode: ExitFatal,
			wantErr:  "invalid --log-level",
		},
		{
			name:     "engine with missing config",
			args:     []string{"--config", filepath.Join(t.TempDir(), "nope.yaml")},
			wantCode: ExitFatal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out, errOut := run(t, context.Background(), tt.args...)
			assert.Equal(t, tt.wantCode, code, "stderr: %s", errOut)
			if tt.wantOut != "" {
				assert.Contains(t, out, tt.wantOut)
			}
			if tt.wantErr != "" {
				assert.Contains(t, errOut, tt.wantErr)
			}
		})
	}
}

func TestCLIValidateRejectsBadRule(t *testing.T) {
	bad := strings.Replace(testConfig, "RULE-001", "rule one", 1)
	code, _, errOut := run(t, context.Background(), "validate", "--config", writeProject(t, bad))
	assert.Equal(t, ExitFatal, code)
	assert.NotEmpty(t, errOut)
}

func TestCLIServeStopsCleanly(t *testing.T) {
	cfg := writeProject(t, testConfig)
	ctx, cancel := context.WithCancel(context.Background())

	type result struct {
		code int
		out  string
	}
	done := make(chan result, 1)
	go func() {
		code, out, _ := run(t, ctx, "--config", cfg, "--log-level", "debug")
		done <- result{code, out}
	}()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case r := <-done:
		assert.Equal(t, ExitOK, r.code)
		assert.Contains(t, r.out, "Watching "+filepath.Join(filepath.Dir(cfg), "watched"))
		assert.Contains(t, r.out, "/health")
	case <-time.After(15 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestCLIScan(t *testing.T) {
	cfg := writeProject(t, testConfig)
	file := filepath.Join(filepath.Dir(cfg), "watched", "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("hello"), 0o644))

	code, out, errOut := run(t, context.Background(), "scan", "--config", cfg)
	require.Equal(t, ExitOK, code, errOut)
	assert.Contains(t, out, "Processed 1 files, 0 failed")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "hello!", string(data))
}

func TestCLIInit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "project")

	code, out, errOut := run(t, context.Background(), "init", dir)
	require.Equal(t, ExitOK, code, errOut)
	assert.Contains(t, out, "Initialized scribe project")

	for _, p := range []string{"scribe.yaml", "security_policy.yaml"} {
		assert.FileExists(t, filepath.Join(dir, p))
	}
	for _, p := range []string{"docs", "plugins", ".scribe"} {
		assert.DirExists(t, filepath.Join(dir, p))
	}

	t.Run("starter config validates", func(t *testing.T) {
		code, out, errOut := run(t, context.Background(), "validate", "--config", filepath.Join(dir, "scribe.yaml"))
		require.Equal(t, ExitOK, code, errOut)
		assert.Contains(t, out, "1 rules")
	})

	t.Run("refuses to overwrite", func(t *testing.T) {
		code, _, errOut := run(t, context.Background(), "init", dir)
		assert.Equal(t, ExitFatal, code)
		assert.Contains(t, errOut, "already exists")
	})
}
