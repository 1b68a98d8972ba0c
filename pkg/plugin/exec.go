package plugin

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/butter-bot-machines/scribe/pkg/errors"
	"github.com/butter-bot-machines/scribe/pkg/rules"
	"github.com/butter-bot-machines/scribe/pkg/sandbox"
)

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// execAction runs a manifest-defined command through the sandbox. The
// file content is written to stdin and stdout becomes the new content.
// Arguments may reference params as ${name}; ${file} is the
// repository-relative path of the file being processed.
type execAction struct {
	manifest *Manifest
	pctx     *Context
}

func execFactory(m *Manifest) Factory {
	return func(pctx *Context) (Action, error) {
		if pctx.Commands == nil {
			return nil, errors.New(errors.PluginLoadFailed, "plugin %s: no command executor", m.ID)
		}
		return &execAction{manifest: m, pctx: pctx}, nil
	}
}

func (a *execAction) RequiredParams() []string {
	return a.manifest.Params.Required
}

func (a *execAction) OptionalParams() map[string]interface{} {
	return a.manifest.Params.Optional
}

func (a *execAction) ValidateParams(params map[string]interface{}) error {
	for _, arg := range a.manifest.Command {
		for _, m := range placeholder.FindAllStringSubmatch(arg, -1) {
			if m[1] == "file" {
				continue
			}
			if _, ok := params[m[1]]; !ok {
				return errors.New(errors.ParamValidation, "command references unknown param %q", m[1])
			}
		}
	}
	return nil
}

func (a *execAction) Execute(ctx context.Context, content string, _ *rules.Match, _ string, params map[string]interface{}) (string, error) {
	argv := make([]string, len(a.manifest.Command))
	for i, arg := range a.manifest.Command {
		argv[i] = placeholder.ReplaceAllStringFunc(arg, func(ref string) string {
			name := placeholder.FindStringSubmatch(ref)[1]
			if name == "file" {
				return a.pctx.Event.RelPath
			}
			if v, ok := params[name]; ok && v != nil {
				return fmt.Sprint(v)
			}
			return ""
		})
	}

	res, err := a.pctx.Commands.Execute(ctx, sandbox.Request{
		Command:    argv,
		Timeout:    time.Duration(a.manifest.TimeoutSeconds) * time.Second,
		AllowedEnv: a.manifest.AllowedEnvVars,
		Stdin:      []byte(content),
	})
	if err != nil {
		return content, err
	}
	return res.Stdout, nil
}
