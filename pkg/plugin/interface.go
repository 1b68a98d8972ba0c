package plugin

import (
	"context"

	"github.com/butter-bot-machines/scribe/pkg/config"
	"github.com/butter-bot-machines/scribe/pkg/events"
	"github.com/butter-bot-machines/scribe/pkg/fs"
	"github.com/butter-bot-machines/scribe/pkg/logging"
	"github.com/butter-bot-machines/scribe/pkg/rules"
	"github.com/butter-bot-machines/scribe/pkg/sandbox"
)

// Action is the capability set of an action plugin. Instances are created
// per dispatch and used once.
type Action interface {
	// ValidateParams rejects params the action cannot work with
	ValidateParams(params map[string]interface{}) error

	// RequiredParams lists parameter names that must be present
	RequiredParams() []string

	// OptionalParams maps optional parameter names to their defaults
	OptionalParams() map[string]interface{}

	// Execute transforms content and returns the new content, which may
	// equal the input. It must honor ctx cancellation.
	Execute(ctx context.Context, content string, match *rules.Match, filePath string, params map[string]interface{}) (string, error)
}

// Factory creates an Action bound to a plugin context
type Factory func(pctx *Context) (Action, error)

// CommandExecutor runs subprocesses under the security policy
type CommandExecutor interface {
	Execute(ctx context.Context, req sandbox.Request) (*sandbox.Result, error)
}

// FileReader reads repository-relative files
type FileReader interface {
	ReadFile(rel string) ([]byte, error)
}

// Context is the capability bundle handed to a plugin instance. Plugins
// reach the filesystem and subprocesses only through it.
type Context struct {
	PluginID string
	Logger   logging.Logger
	Writer   fs.Writer
	Reader   FileReader
	Commands CommandExecutor
	Config   ConfigView
	Event    EventContext
}

// ConfigView is a read-only copy of the configuration relevant to a plugin
type ConfigView struct {
	Settings       config.EngineSettings
	Rule           config.Rule
	AllowedEnvVars []string
}

// EventContext identifies the event and rule being processed
type EventContext struct {
	EventID   string
	EventType events.EventType
	RuleID    string
	FilePath  string
	RelPath   string
}
