package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butter-bot-machines/scribe/pkg/errors"
)

const validConfig = `
config_version: "1.0"
engine_settings:
  log_level: debug
  quarantine_path: quarantine
  pause_file: .scribe/pause
  worker_count: 2
  watch_paths: [watched]
security:
  allowed_commands: [echo, cat]
  restricted_paths: [.git]
plugins:
  directories: [plugins]
  auto_reload: false
rules:
  - id: RULE-001
    name: Append on match
    file_glob: "*.txt"
    trigger_pattern: "Initial content"
    actions:
      - type: append_text
        params:
          text_to_append: " Scribe test successful!"
  - id: RULE-002
    name: Disabled
    enabled: false
    file_glob: "docs/**/*.md"
    actions:
      - type: append_text
    error_handling:
      circuit_breaker:
        failure_threshold: 2
        recovery_timeout_seconds: 5
        success_threshold: 1
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "scribe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	gen, err := Load(writeConfig(t, dir, validConfig))
	require.NoError(t, err)

	cfg := gen.Config
	assert.Equal(t, "1.0", cfg.ConfigVersion)
	assert.Equal(t, dir, gen.BaseDir)
	assert.NotEmpty(t, gen.Hash)

	t.Run("paths resolved against config dir", func(t *testing.T) {
		assert.Equal(t, []string{filepath.Join(dir, "watched")}, cfg.EngineSettings.WatchPaths)
		assert.Equal(t, filepath.Join(dir, "quarantine"), cfg.EngineSettings.QuarantinePath)
		assert.Equal(t, filepath.Join(dir, ".scribe", "pause"), cfg.EngineSettings.PauseFile)
		assert.Equal(t, []string{filepath.Join(dir, "plugins")}, cfg.Plugins.Directories)
		assert.Equal(t, dir, cfg.EngineSettings.RepoRoot)
	})

	t.Run("defaults", func(t *testing.T) {
		es := cfg.EngineSettings
		assert.Equal(t, 2, es.WorkerCount)
		assert.Equal(t, 1000, es.QueueCapacity)
		assert.Equal(t, "reject_new", es.DropPolicy)
		assert.Equal(t, "skip", es.PausePolicy)
		assert.Equal(t, int64(10*1024*1024), es.MaxFileSizeBytes)
		assert.Equal(t, 30, es.ActionTimeoutSecs)
		assert.Equal(t, 120, es.DispatchTimeoutSec)
		assert.Equal(t, 300, es.EventTimeoutSecs)
		assert.Equal(t, 9090, es.HealthPort)
		assert.Equal(t, 2, cfg.Plugins.PollIntervalSeconds)
	})

	t.Run("rules", func(t *testing.T) {
		require.Len(t, cfg.Rules, 2)
		r1, r2 := cfg.Rules[0], cfg.Rules[1]
		assert.True(t, r1.IsEnabled())
		assert.False(t, r2.IsEnabled())
		assert.Equal(t, " Scribe test successful!", r1.Actions[0].Params["text_to_append"])
		assert.Nil(t, r1.Breaker())
		require.NotNil(t, r2.Breaker())
		assert.Equal(t, 2, r2.Breaker().FailureThreshold)
		assert.Equal(t, []string{"*.txt"}, cfg.Patterns())
	})

	t.Run("default security policy", func(t *testing.T) {
		assert.NotEmpty(t, gen.Policy.DangerousPatterns)
	})
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SCRIBE_ENGINE_SETTINGS_WORKER_COUNT", "7")
	gen, err := Load(writeConfig(t, t.TempDir(), validConfig))
	require.NoError(t, err)
	assert.Equal(t, 7, gen.Config.EngineSettings.WorkerCount)
}

func TestLoadPolicyFile(t *testing.T) {
	dir := t.TempDir()
	policy := "dangerous_patterns: ['\\bshutdown\\b']\ndangerous_env_keys_to_always_scrub: [SECRET]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, PolicyFileName), []byte(policy), 0644))

	gen, err := Load(writeConfig(t, dir, validConfig))
	require.NoError(t, err)
	assert.Equal(t, []string{`\bshutdown\b`}, gen.Policy.DangerousPatterns)
	assert.Equal(t, []string{"SECRET"}, gen.Policy.DangerousEnvKeysToAlwaysScrub)
	assert.Equal(t, filepath.Join(dir, PolicyFileName), gen.Config.Security.PolicyFile)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "missing version",
			content: "rules: []\n",
			want:    "config_version",
		},
		{
			name:    "unsupported version",
			content: "config_version: '9.9'\n",
			want:    "supported_version",
		},
		{
			name: "bad rule id",
			content: `config_version: "1.0"
rules:
  - id: R1
    name: x
    file_glob: "*.txt"
    actions: [{type: append_text}]
`,
			want: "rule_id",
		},
		{
			name: "duplicate rule id",
			content: `config_version: "1.0"
rules:
  - {id: RULE-001, name: a, file_glob: "*.txt", actions: [{type: append_text}]}
  - {id: RULE-001, name: b, file_glob: "*.md", actions: [{type: append_text}]}
`,
			want: "unique_rule_id",
		},
		{
			name: "bad trigger pattern",
			content: `config_version: "1.0"
rules:
  - {id: RULE-001, name: a, file_glob: "*.txt", trigger_pattern: "(", actions: [{type: append_text}]}
`,
			want: "regex",
		},
		{
			name: "no actions",
			content: `config_version: "1.0"
rules:
  - {id: RULE-001, name: a, file_glob: "*.txt", actions: []}
`,
			want: "actions",
		},
		{
			name: "bad glob",
			content: `config_version: "1.0"
rules:
  - {id: RULE-001, name: a, file_glob: "[", actions: [{type: append_text}]}
`,
			want: "glob",
		},
		{
			name:    "bad drop policy",
			content: "config_version: '1.0'\nengine_settings: {drop_policy: random}\n",
			want:    "drop_policy",
		},
		{
			name:    "dispatch outlives event",
			content: "config_version: '1.0'\nengine_settings: {dispatch_timeout_seconds: 60, event_timeout_seconds: 30}\n",
			want:    "ltefield_event_timeout_seconds",
		},
		{
			name:    "action outlives dispatch",
			content: "config_version: '1.0'\nengine_settings: {action_timeout_seconds: 200}\n",
			want:    "ltefield_dispatch_timeout_seconds",
		},
		{
			name:    "malformed yaml",
			content: "config_version: [\n",
			want:    "parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, t.TempDir(), tt.content))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ConfigInvalid), "got %v", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingPolicyFile(t *testing.T) {
	dir := t.TempDir()
	content := "config_version: '1.0'\nsecurity:\n  policy_file: missing.yaml\n"
	_, err := Load(writeConfig(t, dir, content))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ConfigInvalid))
	assert.Contains(t, err.Error(), "security policy")
}

func TestStoreReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validConfig)

	store := NewStore(path, nil)
	first, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.ID)
	assert.Same(t, first, store.Current())

	var notified atomic.Int32
	var last atomic.Pointer[Generation]
	cancel := store.Subscribe(func(gen *Generation) {
		notified.Add(1)
		last.Store(gen)
	})

	t.Run("unchanged content is a no-op", func(t *testing.T) {
		changed, err := store.Reload()
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Same(t, first, store.Current())
		assert.Equal(t, int32(0), notified.Load())
	})

	t.Run("invalid content keeps last-known-good", func(t *testing.T) {
		writeConfig(t, dir, "config_version: '1.0'\nrules: [{id: nope}]\n")
		changed, err := store.Reload()
		require.Error(t, err)
		assert.False(t, changed)
		assert.True(t, errors.Is(err, errors.ConfigInvalid))
		assert.Same(t, first, store.Current())
		assert.Equal(t, int32(0), notified.Load())
	})

	t.Run("valid change installs a new generation", func(t *testing.T) {
		writeConfig(t, dir, validConfig+"\n# edited\n")
		changed, err := store.Reload()
		require.NoError(t, err)
		assert.True(t, changed)

		cur := store.Current()
		assert.NotSame(t, first, cur)
		assert.Equal(t, uint64(2), cur.ID)
		assert.Equal(t, int32(1), notified.Load())
		assert.Same(t, cur, last.Load())
	})

	t.Run("cancelled subscribers are not called", func(t *testing.T) {
		cancel()
		writeConfig(t, dir, validConfig+"\n# edited again\n")
		changed, err := store.Reload()
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, int32(1), notified.Load())
	})
}

func TestValidGlob(t *testing.T) {
	assert.True(t, ValidGlob("*.txt"))
	assert.True(t, ValidGlob("docs/**/*.md"))
	assert.True(t, ValidGlob("**"))
	assert.False(t, ValidGlob(""))
	assert.False(t, ValidGlob("a/[b"))
}
