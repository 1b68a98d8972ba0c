package builtin

import (
	"context"

	"github.com/butter-bot-machines/scribe/pkg/errors"
	"github.com/butter-bot-machines/scribe/pkg/plugin"
	"github.com/butter-bot-machines/scribe/pkg/rules"
)

// AppendTextAction appends text_to_append to the content. With
// skip_if_present it leaves content that already ends with the text alone.
type AppendTextAction struct{}

func (a *AppendTextAction) RequiredParams() []string {
	return []string{"text_to_append"}
}

func (a *AppendTextAction) OptionalParams() map[string]interface{} {
	return map[string]interface{}{"skip_if_present": false}
}

func (a *AppendTextAction) ValidateParams(params map[string]interface{}) error {
	text, err := plugin.String(params, "text_to_append")
	if err != nil {
		return err
	}
	if text == "" {
		return errors.New(errors.ParamValidation, "text_to_append must not be empty")
	}
	_, err = plugin.Bool(params, "skip_if_present")
	return err
}

func (a *AppendTextAction) Execute(_ context.Context, content string, _ *rules.Match, _ string, params map[string]interface{}) (string, error) {
	text, _ := plugin.String(params, "text_to_append")
	skip, _ := plugin.Bool(params, "skip_if_present")
	if skip && len(content) >= len(text) && content[len(content)-len(text):] == text {
		return content, nil
	}
	return content + text, nil
}

// PrependTextAction inserts text_to_prepend before the content
type PrependTextAction struct{}

func (a *PrependTextAction) RequiredParams() []string {
	return []string{"text_to_prepend"}
}

func (a *PrependTextAction) OptionalParams() map[string]interface{} {
	return map[string]interface{}{"skip_if_present": false}
}

func (a *PrependTextAction) ValidateParams(params map[string]interface{}) error {
	text, err := plugin.String(params, "text_to_prepend")
	if err != nil {
		return err
	}
	if text == "" {
		return errors.New(errors.ParamValidation, "text_to_prepend must not be empty")
	}
	_, err = plugin.Bool(params, "skip_if_present")
	return err
}

func (a *PrependTextAction) Execute(_ context.Context, content string, _ *rules.Match, _ string, params map[string]interface{}) (string, error) {
	text, _ := plugin.String(params, "text_to_prepend")
	skip, _ := plugin.Bool(params, "skip_if_present")
	if skip && len(content) >= len(text) && content[:len(text)] == text {
		return content, nil
	}
	return text + content, nil
}
