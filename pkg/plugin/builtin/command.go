package builtin

import (
	"context"
	"strings"
	"time"

	"github.com/butter-bot-machines/scribe/pkg/errors"
	"github.com/butter-bot-machines/scribe/pkg/plugin"
	"github.com/butter-bot-machines/scribe/pkg/rules"
	"github.com/butter-bot-machines/scribe/pkg/sandbox"
)

// Output modes for RunCommandAction
const (
	ModePassthrough = "passthrough"
	ModeReplace     = "replace"
	ModeAppend      = "append"
)

// RunCommandAction runs command through the sandbox with the file content
// on stdin. In passthrough mode the content is returned unchanged; replace
// and append use stdout as the new content or its suffix. stdout_to
// additionally writes stdout to a repository-relative file.
type RunCommandAction struct {
	pctx *plugin.Context
}

func newRunCommand(pctx *plugin.Context) (plugin.Action, error) {
	if pctx == nil || pctx.Commands == nil {
		return nil, errors.New(errors.PluginLoadFailed, "run_command needs a command executor")
	}
	return &RunCommandAction{pctx: pctx}, nil
}

func (a *RunCommandAction) RequiredParams() []string {
	return []string{"command"}
}

func (a *RunCommandAction) OptionalParams() map[string]interface{} {
	return map[string]interface{}{
		"cwd":              "",
		"timeout_seconds":  0,
		"allowed_env_vars": []interface{}{},
		"stdout_to":        "",
		"mode":             ModePassthrough,
	}
}

func (a *RunCommandAction) ValidateParams(params map[string]interface{}) error {
	argv, err := plugin.Strings(params, "command")
	if err != nil {
		return err
	}
	if len(argv) == 0 || argv[0] == "" {
		return errors.New(errors.ParamValidation, "command must be a non-empty list")
	}
	if _, err := plugin.Strings(params, "allowed_env_vars"); err != nil {
		return err
	}
	if t, err := plugin.Int(params, "timeout_seconds"); err != nil {
		return err
	} else if t < 0 {
		return errors.New(errors.ParamValidation, "timeout_seconds must not be negative")
	}
	for _, key := range []string{"cwd", "stdout_to"} {
		if _, err := plugin.String(params, key); err != nil {
			return err
		}
	}

	mode, err := plugin.String(params, "mode")
	if err != nil {
		return err
	}
	switch mode {
	case "", ModePassthrough, ModeReplace, ModeAppend:
		return nil
	default:
		return errors.New(errors.ParamValidation, "unknown mode %q", mode)
	}
}

func (a *RunCommandAction) Execute(ctx context.Context, content string, _ *rules.Match, _ string, params map[string]interface{}) (string, error) {
	argv, _ := plugin.Strings(params, "command")
	env, _ := plugin.Strings(params, "allowed_env_vars")
	cwd, _ := plugin.String(params, "cwd")
	timeout, _ := plugin.Int(params, "timeout_seconds")
	stdoutTo, _ := plugin.String(params, "stdout_to")
	mode, _ := plugin.String(params, "mode")

	res, err := a.pctx.Commands.Execute(ctx, sandbox.Request{
		Command:    argv,
		Dir:        cwd,
		Timeout:    time.Duration(timeout) * time.Second,
		AllowedEnv: env,
		Stdin:      []byte(content),
	})
	if err != nil {
		return content, err
	}

	if stdoutTo != "" {
		if a.pctx.Writer == nil {
			return content, errors.New(errors.ExecutionError, "stdout_to set but no writer available")
		}
		if err := a.pctx.Writer.WriteFile(stdoutTo, []byte(res.Stdout)); err != nil {
			return content, err
		}
	}

	a.pctx.Logger.Debug("Command finished",
		"command", strings.Join(argv, " "),
		"duration", res.Duration,
		"stdout_bytes", len(res.Stdout))

	switch mode {
	case ModeReplace:
		return res.Stdout, nil
	case ModeAppend:
		return content + res.Stdout, nil
	default:
		return content, nil
	}
}
