package core

import (
	"context"
	"fmt"
	"io"
	iofs "io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butter-bot-machines/scribe/pkg/breaker"
	"github.com/butter-bot-machines/scribe/pkg/dispatcher"
	"github.com/butter-bot-machines/scribe/pkg/errors"
	"github.com/butter-bot-machines/scribe/pkg/health"
	"github.com/butter-bot-machines/scribe/pkg/job"
	"github.com/butter-bot-machines/scribe/pkg/logging"
	"github.com/butter-bot-machines/scribe/pkg/plugin"
	"github.com/butter-bot-machines/scribe/pkg/plugin/builtin"
	"github.com/butter-bot-machines/scribe/pkg/quarantine"
	"github.com/butter-bot-machines/scribe/pkg/rules"
)

const waitFor = 5 * time.Second

// AlwaysFailsAction errors on every run
type AlwaysFailsAction struct{}

func (AlwaysFailsAction) RequiredParams() []string                     { return nil }
func (AlwaysFailsAction) OptionalParams() map[string]interface{}       { return nil }
func (AlwaysFailsAction) ValidateParams(map[string]interface{}) error { return nil }
func (AlwaysFailsAction) Execute(context.Context, string, *rules.Match, string, map[string]interface{}) (string, error) {
	return "", errors.New(errors.ExecutionError, "simulated failure")
}

// BlockingAction holds every run until its gate closes
type BlockingAction struct {
	gate <-chan struct{}
}

func (BlockingAction) RequiredParams() []string                     { return nil }
func (BlockingAction) OptionalParams() map[string]interface{}       { return nil }
func (BlockingAction) ValidateParams(map[string]interface{}) error { return nil }
func (a BlockingAction) Execute(ctx context.Context, content string, _ *rules.Match, _ string, _ map[string]interface{}) (string, error) {
	select {
	case <-a.gate:
	case <-ctx.Done():
	}
	return content, nil
}

type engine struct {
	*Core
	repo    string
	watched string
	config  string
	jobs    chan *job.FileEventJob
}

func testCatalog(t *testing.T) *plugin.Catalog {
	t.Helper()
	cat := plugin.NewCatalog()
	require.NoError(t, builtin.Register(cat))
	_, err := cat.Register(AlwaysFailsAction{}, "test", func(*plugin.Context) (plugin.Action, error) {
		return AlwaysFailsAction{}, nil
	})
	require.NoError(t, err)
	return cat
}

const baseConfig = `config_version: "1.0"
engine_settings:
  log_level: DEBUG
  watch_paths: [watched]
  quarantine_path: quarantine
  worker_count: 2
  queue_capacity: 100
  debounce_ms: 50
  max_debounce_ms: 200
  health_port: 0
  shutdown_grace_seconds: 5
security:
  allowed_commands: [echo, env]
  audit_log: .scribe/audit.log
plugins:
  auto_reload: false
`

func writeConfig(t *testing.T, path, rules string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(baseConfig+"rules:\n"+rules), 0o644))
}

func startEngine(t *testing.T, rules string, mutate ...func(*Options)) *engine {
	t.Helper()
	repo := t.TempDir()
	e := &engine{
		repo:    repo,
		watched: filepath.Join(repo, "watched"),
		config:  filepath.Join(repo, "scribe.yaml"),
		jobs:    make(chan *job.FileEventJob, 100),
	}
	require.NoError(t, os.MkdirAll(e.watched, 0o755))
	writeConfig(t, e.config, rules)

	opts := Options{
		ConfigPath: e.config,
		Logger:     logging.NewNop(),
		Catalog:    testCatalog(t),
		OnEvent:    func(j *job.FileEventJob) { e.jobs <- j },
	}
	for _, m := range mutate {
		m(&opts)
	}

	c, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	e.Core = c
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, c.Stop(ctx))
	})
	return e
}

func (e *engine) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.watched, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// next waits for the processed event on path
func (e *engine) next(t *testing.T, path string) *job.FileEventJob {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case j := <-e.jobs:
			if j.Event.Path == path {
				return j
			}
		case <-deadline:
			t.Fatalf("no event processed for %s", path)
			return nil
		}
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestCore_AppendOnMatch(t *testing.T) {
	e := startEngine(t, `
  - id: RULE-001
    name: append
    file_glob: "*.txt"
    trigger_pattern: "Initial content"
    actions:
      - type: append_text
        params: {text_to_append: " Scribe test successful!"}
`)

	path := e.write(t, "test_file.txt", "Initial content.")
	j := e.next(t, path)
	require.NoError(t, j.Err())
	require.Len(t, j.Results(), 1)
	assert.Equal(t, dispatcher.Succeeded, j.Results()[0].Outcome)
	assert.Equal(t, "Initial content. Scribe test successful!", readFile(t, path))

	// the engine's own write must not retrigger the rule
	select {
	case j := <-e.jobs:
		t.Fatalf("unexpected follow-up event %s on %s", j.Event.Type, j.Event.Path)
	case <-time.After(500 * time.Millisecond):
	}
	assert.Equal(t, "Initial content. Scribe test successful!", readFile(t, path))
	assert.Equal(t, uint64(1), e.Dispatcher().Stats().Written)
}

func TestCore_RulesChainOnOneFile(t *testing.T) {
	e := startEngine(t, `
  - id: RULE-001
    name: first
    file_glob: "*.txt"
    trigger_pattern: "start"
    actions:
      - type: append_text
        params: {text_to_append: " A"}
  - id: RULE-002
    name: second
    file_glob: "*.txt"
    trigger_pattern: "start"
    actions:
      - type: append_text
        params: {text_to_append: " B"}
  - id: RULE-003
    name: stale
    file_glob: "*.txt"
    trigger_pattern: "^start$"
    actions:
      - type: append_text
        params: {text_to_append: " C"}
`)

	path := e.write(t, "chain.txt", "start")
	j := e.next(t, path)
	require.NoError(t, j.Err())

	results := j.Results()
	require.Len(t, results, 2)
	assert.Equal(t, "RULE-001", results[0].RuleID)
	assert.Equal(t, "start A", results[0].FinalContent)
	assert.Equal(t, "RULE-002", results[1].RuleID)
	assert.Equal(t, "start A B", results[1].FinalContent)
	assert.Equal(t, "start A B", readFile(t, path))

	// RULE-003 matched the original content but not what RULE-002 left
	var reasons []string
	for _, s := range j.Skips() {
		if s.RuleID == "RULE-003" {
			reasons = append(reasons, s.Reason)
		}
	}
	assert.Equal(t, []string{rules.SkipNoMatch}, reasons)
	assert.Equal(t, uint64(2), e.Dispatcher().Stats().Written)
}

func TestCore_HealthReportsWorkerBacklog(t *testing.T) {
	gate := make(chan struct{})
	e := startEngine(t, `
  - id: RULE-001
    name: slow
    file_glob: "*.txt"
    actions:
      - type: blocking
`, func(o *Options) {
		cat := testCatalog(t)
		_, err := cat.Register(BlockingAction{}, "test", func(*plugin.Context) (plugin.Action, error) {
			return BlockingAction{gate: gate}, nil
		})
		require.NoError(t, err)
		o.Catalog = cat

		// two jobs per shard, so the backlog saturates the pool
		data, err := os.ReadFile(o.ConfigPath)
		require.NoError(t, err)
		small := strings.Replace(string(data), "queue_capacity: 100", "queue_capacity: 4", 1)
		require.NoError(t, os.WriteFile(o.ConfigPath, []byte(small), 0o644))
	})
	released := false
	defer func() {
		if !released {
			close(gate)
		}
	}()

	for i := 0; i < 20; i++ {
		e.write(t, fmt.Sprintf("file_%02d.txt", i), "x")
	}

	require.Eventually(t, func() bool {
		snap := e.Snapshot()
		queued := 0
		for _, d := range snap.Worker.ShardDepth {
			queued += d
		}
		return queued > 0 && snap.Status == health.Degraded
	}, waitFor, 20*time.Millisecond)

	snap := e.Snapshot()
	queued := 0
	for _, d := range snap.Worker.ShardDepth {
		queued += d
	}
	assert.Positive(t, queued)
	assert.Equal(t, snap.Bus.Depth+queued, snap.QueueSize)
	assert.Equal(t, 2, snap.Worker.ShardCapacity)
	assert.Positive(t, snap.Worker.InFlight)
	assert.Zero(t, snap.CircuitBreakerStats.Open)

	close(gate)
	released = true
	require.Eventually(t, func() bool {
		snap := e.Snapshot()
		return snap.QueueSize == 0 && snap.Worker.InFlight == 0 && snap.Status == health.Healthy
	}, waitFor, 20*time.Millisecond)
}

func TestCore_DisallowedCommand(t *testing.T) {
	e := startEngine(t, `
  - id: RULE-001
    name: git
    file_glob: "*.txt"
    actions:
      - type: run_command
        params: {command: [git, status]}
`)

	path := e.write(t, "a.txt", "hello")
	j := e.next(t, path)
	require.Len(t, j.Results(), 1)
	res := j.Results()[0]
	assert.Equal(t, dispatcher.Failed, res.Outcome)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, errors.SecurityViolation, res.Actions[0].Kind)
	assert.Equal(t, "hello", readFile(t, path))

	snaps := e.Breakers().Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, "RULE-001", snaps[0].RuleID)
	assert.Equal(t, 1, snaps[0].FailureCount)
}

func TestCore_AllowedEnvPassthrough(t *testing.T) {
	hostPath := os.Getenv("PATH")
	e := startEngine(t, `
  - id: RULE-001
    name: env
    file_glob: "*.md"
    actions:
      - type: run_command
        params:
          command: [env]
          stdout_to: watched/env_dump.out
          allowed_env_vars: [SCRIBE_ALLOWED_VAR, PATH, LC_ALL, LANG]
`, func(o *Options) {
		o.Environ = func() []string {
			return []string{
				"PATH=" + hostPath,
				"SCRIBE_ALLOWED_VAR=scribe_rocks",
				"SCRIBE_SECRET_VAR=super_secret",
			}
		}
	})

	path := e.write(t, "trigger.md", "go")
	j := e.next(t, path)
	require.NoError(t, j.Err())

	dump := readFile(t, filepath.Join(e.watched, "env_dump.out"))
	env := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(dump), "\n") {
		if k, v, ok := strings.Cut(line, "="); ok {
			env[k] = v
		}
	}
	assert.Equal(t, "scribe_rocks", env["SCRIBE_ALLOWED_VAR"])
	assert.Equal(t, hostPath, env["PATH"])
	assert.NotContains(t, env, "SCRIBE_SECRET_VAR")
}

func TestCore_BreakerOpensAndQuarantines(t *testing.T) {
	e := startEngine(t, `
  - id: RULE-001
    name: flaky
    file_glob: "*.txt"
    actions:
      - type: always_fails
`)

	for i := 0; i < 5; i++ {
		path := e.write(t, fmt.Sprintf("f%d.txt", i), "x")
		j := e.next(t, path)
		require.Len(t, j.Results(), 1)
		assert.Equal(t, dispatcher.Failed, j.Results()[0].Outcome)
	}
	snaps := e.Breakers().Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, breaker.Open, snaps[0].State)

	path := e.write(t, "sixth.txt", "x")
	j := e.next(t, path)
	require.Len(t, j.Results(), 1)
	res := j.Results()[0]
	assert.Equal(t, dispatcher.Blocked, res.Outcome)
	require.NotNil(t, res.Quarantine)
	assert.Equal(t, quarantine.Quarantined, res.Quarantine.Status)

	assert.NoFileExists(t, path)

	var infos []string
	qroot := filepath.Join(e.repo, "quarantine")
	require.NoError(t, filepath.WalkDir(qroot, func(p string, d iofs.DirEntry, err error) error {
		if err == nil && strings.HasSuffix(p, quarantine.InfoSuffix) {
			infos = append(infos, p)
		}
		return err
	}))
	require.Len(t, infos, 1)

	moved := strings.TrimSuffix(infos[0], quarantine.InfoSuffix)
	assert.True(t, strings.HasPrefix(filepath.Base(moved), "sixth_"))
	assert.Equal(t, ".txt", filepath.Ext(moved))
	assert.FileExists(t, moved)

	var rec quarantine.Record
	require.NoError(t, jsoniter.Unmarshal([]byte(readFile(t, infos[0])), &rec))
	assert.Equal(t, quarantine.ReasonCircuitOpen, rec.Reason)
	assert.Equal(t, "RULE-001", rec.RuleID)
}

func TestCore_NonMatchingFileIgnored(t *testing.T) {
	e := startEngine(t, `
  - id: RULE-001
    name: append
    file_glob: "*.txt"
    actions:
      - type: append_text
        params: {text_to_append: "!"}
`)

	ignored := e.write(t, "ignored_file.md", "any content")
	sentinel := e.write(t, "sentinel.txt", "s")
	e.next(t, sentinel)

	assert.Equal(t, "any content", readFile(t, ignored))
	assert.Equal(t, uint64(1), e.Dispatcher().Stats().TotalDispatches)
	assert.NotZero(t, e.Snapshot().Watcher.Filtered)
}

func TestCore_HealthEndpoint(t *testing.T) {
	e := startEngine(t, `
  - id: RULE-001
    name: append
    file_glob: "*.txt"
    actions:
      - type: append_text
        params: {text_to_append: "!"}
`)
	require.NotEmpty(t, e.HealthAddr())
	time.Sleep(10 * time.Millisecond)

	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get("http://" + e.HealthAddr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, jsoniter.Unmarshal(body, &doc))

	assert.Equal(t, "healthy", doc["status"])
	queue, ok := doc["queue_size"].(float64)
	require.True(t, ok)
	assert.Equal(t, queue, float64(int64(queue)))
	assert.Greater(t, doc["uptime_seconds"], 0.0)
	engine, ok := doc["engine"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, engine["is_running"])
}

func TestCore_ConfigReload(t *testing.T) {
	e := startEngine(t, `
  - id: RULE-001
    name: append
    file_glob: "*.txt"
    actions:
      - type: append_text
        params: {text_to_append: " one"}
`)
	first := e.Store().Current().ID

	writeConfig(t, e.config, `
  - id: RULE-001
    name: append
    file_glob: "*.txt"
    actions:
      - type: append_text
        params: {text_to_append: " two"}
`)
	// the file watch may already have applied it
	_, err := e.Store().Reload()
	require.NoError(t, err)
	assert.Greater(t, e.Store().Current().ID, first)

	path := e.write(t, "a.txt", "start")
	e.next(t, path)
	assert.Equal(t, "start two", readFile(t, path))

	t.Run("invalid config keeps the active generation", func(t *testing.T) {
		active := e.Store().Current()
		require.NoError(t, os.WriteFile(e.config, []byte("config_version: \"9\"\n"), 0o644))
		_, err := e.Store().Reload()
		require.Error(t, err)
		assert.Equal(t, active.ID, e.Store().Current().ID)
	})
}

func TestCore_Scan(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	repo := t.TempDir()
	watched := filepath.Join(repo, "watched")
	require.NoError(t, os.MkdirAll(filepath.Join(watched, "sub"), 0o755))
	for _, name := range []string{"a.txt", "sub/b.txt", "c.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(watched, name), []byte("x"), 0o644))
	}
	cfgPath := filepath.Join(repo, "scribe.yaml")
	writeConfig(t, cfgPath, `
  - id: RULE-001
    name: append
    file_glob: "**/*.txt"
    actions:
      - type: append_text
        params: {text_to_append: "y"}
`)

	c, err := New(Options{
		ConfigPath: cfgPath,
		Logger:     logging.NewNop(),
		Once:       true,
		OnEvent: func(j *job.FileEventJob) {
			mu.Lock()
			seen = append(seen, j.Event.Path)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	assert.Empty(t, c.HealthAddr())

	report, err := c.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Files)
	assert.Equal(t, 2, report.Submitted)
	assert.Equal(t, 1, report.Filtered)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{filepath.Join(watched, "a.txt"), filepath.Join(watched, "sub", "b.txt")}, seen)
	assert.Equal(t, "xy", readFile(t, filepath.Join(watched, "a.txt")))
	assert.Equal(t, "xy", readFile(t, filepath.Join(watched, "sub", "b.txt")))
	assert.Equal(t, "x", readFile(t, filepath.Join(watched, "c.md")))
}

func TestCore_StartFailsOnInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("config_version: \"9\"\n"), 0o644))

	c, err := New(Options{ConfigPath: path})
	require.NoError(t, err)
	err = c.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ConfigInvalid, errors.KindOf(err))

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after a failed start")
	}
	assert.NoError(t, c.Stop(context.Background()))
}
