package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butter-bot-machines/scribe/pkg/errors"
	"github.com/butter-bot-machines/scribe/pkg/logging"
	"github.com/butter-bot-machines/scribe/pkg/rules"
	"github.com/butter-bot-machines/scribe/pkg/sandbox"
)

type UpperCaseAction struct{}

func (a *UpperCaseAction) ValidateParams(map[string]interface{}) error { return nil }
func (a *UpperCaseAction) RequiredParams() []string                    { return []string{"mode"} }
func (a *UpperCaseAction) OptionalParams() map[string]interface{} {
	return map[string]interface{}{"suffix": "!"}
}
func (a *UpperCaseAction) Execute(_ context.Context, content string, _ *rules.Match, _ string, _ map[string]interface{}) (string, error) {
	return content, nil
}

type HTMLToMDAction struct{ UpperCaseAction }

func newUpper(*Context) (Action, error) { return &UpperCaseAction{}, nil }

type recordingExecutor struct {
	req sandbox.Request
	res *sandbox.Result
	err error
}

func (r *recordingExecutor) Execute(_ context.Context, req sandbox.Request) (*sandbox.Result, error) {
	r.req = req
	return r.res, r.err
}

func TestActionType(t *testing.T) {
	assert.Equal(t, "upper_case", ActionType(&UpperCaseAction{}))
	assert.Equal(t, "upper_case", ActionType(UpperCaseAction{}))
	assert.Equal(t, "html_to_md", ActionType(&HTMLToMDAction{}))
	assert.Equal(t, "", ActionType(nil))

	assert.Equal(t, "append_text", Normalize(" Append-Text "))
}

func TestCatalog(t *testing.T) {
	c := NewCatalog()
	name, err := c.Register(&UpperCaseAction{}, "1.2.3", newUpper)
	require.NoError(t, err)
	assert.Equal(t, "upper_case", name)

	_, err = c.Register(&UpperCaseAction{}, "1.2.3", newUpper)
	assert.Error(t, err)

	e, ok := c.Lookup("Upper-Case")
	require.True(t, ok)
	assert.Equal(t, "1.2.3", e.Version)
	assert.Equal(t, []string{"upper_case"}, c.Types())
}

func TestParams(t *testing.T) {
	a := &UpperCaseAction{}
	err := CheckRequired(a, map[string]interface{}{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ParamValidation))
	assert.Contains(t, err.Error(), "mode")

	assert.NoError(t, CheckRequired(a, map[string]interface{}{"mode": "x"}))

	merged := WithDefaults(a, map[string]interface{}{"mode": "x"})
	assert.Equal(t, map[string]interface{}{"mode": "x", "suffix": "!"}, merged)

	list, err := Strings(map[string]interface{}{"cmd": []interface{}{"a", "b"}}, "cmd")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, list)
	_, err = Strings(map[string]interface{}{"cmd": []interface{}{"a", 1}}, "cmd")
	assert.Error(t, err)

	n, err := Int(map[string]interface{}{"n": float64(3)}, "n")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = Int(map[string]interface{}{"n": "3x"}, "n")
	assert.Error(t, err)
}

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name+ManifestSuffix)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte("version: 2.0.0\ncommand: [tr, a-z, A-Z]\n"), "/p/Shout.plugin.yaml")
	require.NoError(t, err)
	assert.Equal(t, "shout", m.ID)
	assert.Equal(t, KindExec, m.Type)

	m, err = ParseManifest([]byte("id: alias\nbuiltin: Upper-Case\n"), "/p/alias.plugin.yaml")
	require.NoError(t, err)
	assert.Equal(t, KindBuiltin, m.Type)
	assert.Equal(t, "upper_case", m.Builtin)

	_, err = ParseManifest([]byte("type: exec\n"), "/p/x.plugin.yaml")
	assert.True(t, errors.Is(err, errors.PluginLoadFailed))

	_, err = ParseManifest([]byte("type: dynamic\n"), "/p/x.plugin.yaml")
	assert.True(t, errors.Is(err, errors.PluginLoadFailed))

	_, err = ParseManifest([]byte("id: [\n"), "/p/x.plugin.yaml")
	assert.True(t, errors.Is(err, errors.PluginLoadFailed))
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	c := NewCatalog()
	_, err := c.Register(&UpperCaseAction{}, "1.0.0", newUpper)
	require.NoError(t, err)
	return NewRegistry(c, logging.NewNop(), nil)
}

func TestRegistry_BuiltinsWithoutDirectories(t *testing.T) {
	r := newTestRegistry(t)
	changed, err := r.Reload()
	require.NoError(t, err)
	assert.True(t, changed)

	gen := r.Current()
	assert.Equal(t, []string{"upper_case"}, gen.IDs())
	d, ok := gen.Lookup("UPPER_CASE")
	require.True(t, ok)
	assert.Equal(t, KindBuiltin, d.Source)
}

func TestRegistry_Manifests(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	writeManifest(t, dirA, "shout", "version: 1.0.0\ncommand: [tr, a-z, A-Z]\n")
	writeManifest(t, dirA, "alias", "builtin: upper_case\nversion: 9.9.9\n")
	writeManifest(t, dirA, "broken", "type: exec\n")
	writeManifest(t, dirB, "shout", "version: 2.0.0\ncommand: [cat]\n")
	writeManifest(t, dirB, "upper_case", "command: [cat]\n")

	r := newTestRegistry(t)
	r.Configure([]string{dirA, dirB, filepath.Join(dirA, "missing")}, []string{"shout.plugin.yaml"})
	_, err := r.Reload()
	require.NoError(t, err)

	gen := r.Current()
	assert.Equal(t, []string{"alias", "shout", "upper_case"}, gen.IDs())

	shout, _ := gen.Lookup("shout")
	assert.Equal(t, "1.0.0", shout.Version, "load_order entry wins across directories")
	assert.Equal(t, KindExec, shout.Manifest.Type)

	alias, _ := gen.Lookup("alias")
	assert.Equal(t, "9.9.9", alias.Version)

	upper, _ := gen.Lookup("upper_case")
	assert.Equal(t, KindBuiltin, upper.Source, "exec manifest may not shadow a builtin")

	// broken manifest, duplicate shout, shadowing manifest, missing dir
	assert.Len(t, gen.Errors, 4)
}

func TestRegistry_ReloadDetectsChanges(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t)
	r.Configure([]string{dir}, nil)

	var reloaded []*Generation
	r.OnReload(func(g *Generation) { reloaded = append(reloaded, g) })

	changed, err := r.Reload()
	require.NoError(t, err)
	require.True(t, changed)
	first := r.Current()

	changed, err = r.Reload()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Same(t, first, r.Current())

	writeManifest(t, dir, "shout", "command: [cat]\n")
	changed, err = r.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotSame(t, first, r.Current())
	assert.Contains(t, r.Current().IDs(), "shout")

	_, inOld := first.Lookup("shout")
	assert.False(t, inOld, "old generations are immutable")
	assert.Len(t, reloaded, 2)
}

func TestExecAction(t *testing.T) {
	m, err := ParseManifest([]byte(`
command: [sed, "s/${from}/${to}/", "${file}"]
timeout_seconds: 5
allowed_env_vars: [LANG]
params:
  required: [from]
  optional: {to: X}
`), "/p/subst.plugin.yaml")
	require.NoError(t, err)

	exec := &recordingExecutor{res: &sandbox.Result{Success: true, Stdout: "new"}}
	pctx := &Context{Commands: exec, Event: EventContext{RelPath: "docs/a.md"}}
	a, err := execFactory(m)(pctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"from"}, a.RequiredParams())
	params := WithDefaults(a, map[string]interface{}{"from": "a"})
	require.NoError(t, a.ValidateParams(params))
	assert.Error(t, a.ValidateParams(map[string]interface{}{"from": "a"}))

	out, err := a.Execute(context.Background(), "old", nil, "/repo/docs/a.md", params)
	require.NoError(t, err)
	assert.Equal(t, "new", out)
	assert.Equal(t, []string{"sed", "s/a/X/", "docs/a.md"}, exec.req.Command)
	assert.Equal(t, []byte("old"), exec.req.Stdin)
	assert.Equal(t, []string{"LANG"}, exec.req.AllowedEnv)

	exec.err = errors.New(errors.SecurityViolation, "denied")
	out, err = a.Execute(context.Background(), "old", nil, "", params)
	assert.True(t, errors.Is(err, errors.SecurityViolation))
	assert.Equal(t, "old", out)
}

type rootValidator struct{ root string }

func (v rootValidator) ValidatePath(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", errors.New(errors.SecurityViolation, "absolute path %s", rel)
	}
	return filepath.Join(v.root, rel), nil
}

type memWriter map[string][]byte

func (w memWriter) WriteFile(path string, data []byte) error { w[path] = data; return nil }
func (w memWriter) WriteJSON(path string, v interface{}) error { w[path] = []byte("json"); return nil }
func (w memWriter) WriteYAML(path string, v interface{}) error { w[path] = []byte("yaml"); return nil }

func TestFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0644))

	w := memWriter{}
	f := NewFiles(rootValidator{root}, w, nil, 1024)

	data, err := f.ReadFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, f.WriteFile("out.txt", []byte("x")))
	assert.Equal(t, []byte("x"), w[filepath.Join(root, "out.txt")])
	require.NoError(t, f.WriteJSON("out.json", 1))
	require.NoError(t, f.WriteYAML("out.yaml", 1))

	err = f.WriteFile("/etc/passwd", []byte("x"))
	assert.True(t, errors.Is(err, errors.SecurityViolation))
	_, err = f.ReadFile("/etc/passwd")
	assert.Error(t, err)
}
