package builtin

import (
	"context"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/butter-bot-machines/scribe/pkg/errors"
	"github.com/butter-bot-machines/scribe/pkg/plugin"
	"github.com/butter-bot-machines/scribe/pkg/rules"
)

// RegexReplaceAction replaces matches of pattern with replacement, which
// may reference groups as $1 or ${name}. count limits the number of
// replacements; -1 or 0 replaces all.
type RegexReplaceAction struct{}

func (a *RegexReplaceAction) RequiredParams() []string {
	return []string{"pattern", "replacement"}
}

func (a *RegexReplaceAction) OptionalParams() map[string]interface{} {
	return map[string]interface{}{
		"count":       -1,
		"ignore_case": false,
		"multiline":   false,
	}
}

func (a *RegexReplaceAction) ValidateParams(params map[string]interface{}) error {
	if _, err := a.compile(params); err != nil {
		return err
	}
	if _, err := plugin.String(params, "replacement"); err != nil {
		return err
	}
	_, err := plugin.Int(params, "count")
	return err
}

func (a *RegexReplaceAction) compile(params map[string]interface{}) (*regexp2.Regexp, error) {
	pattern, err := plugin.String(params, "pattern")
	if err != nil {
		return nil, err
	}
	if pattern == "" {
		return nil, errors.New(errors.ParamValidation, "pattern must not be empty")
	}

	opts := regexp2.None
	if ic, err := plugin.Bool(params, "ignore_case"); err != nil {
		return nil, err
	} else if ic {
		opts |= regexp2.IgnoreCase
	}
	if ml, err := plugin.Bool(params, "multiline"); err != nil {
		return nil, err
	} else if ml {
		opts |= regexp2.Multiline
	}

	re, err := regexp2.Compile(pattern, opts)
	if err != nil {
		return nil, errors.Wrap(errors.ParamValidation, err, "invalid pattern")
	}
	re.MatchTimeout = time.Second
	return re, nil
}

func (a *RegexReplaceAction) Execute(_ context.Context, content string, _ *rules.Match, _ string, params map[string]interface{}) (string, error) {
	re, err := a.compile(params)
	if err != nil {
		return content, err
	}
	replacement, _ := plugin.String(params, "replacement")
	count, _ := plugin.Int(params, "count")
	if count == 0 {
		count = -1
	}

	out, err := re.Replace(content, replacement, -1, count)
	if err != nil {
		return content, errors.Wrap(errors.ExecutionError, err, "replace")
	}
	return out, nil
}
