// Package builtin contains the action plugins compiled into scribe.
package builtin

import (
	"github.com/butter-bot-machines/scribe/pkg/plugin"
)

// Version is reported for every builtin action
const Version = "1.0.0"

// Register adds every builtin action to c
func Register(c *plugin.Catalog) error {
	entries := []struct {
		proto   plugin.Action
		factory plugin.Factory
	}{
		{&AppendTextAction{}, func(pctx *plugin.Context) (plugin.Action, error) {
			return &AppendTextAction{}, nil
		}},
		{&PrependTextAction{}, func(pctx *plugin.Context) (plugin.Action, error) {
			return &PrependTextAction{}, nil
		}},
		{&RegexReplaceAction{}, func(pctx *plugin.Context) (plugin.Action, error) {
			return &RegexReplaceAction{}, nil
		}},
		{&RunCommandAction{}, newRunCommand},
	}
	for _, e := range entries {
		if _, err := c.Register(e.proto, Version, e.factory); err != nil {
			return err
		}
	}
	return nil
}
