package plugin

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/butter-bot-machines/scribe/pkg/errors"
)

// ManifestSuffix names plugin manifest files in plugin directories
const ManifestSuffix = ".plugin.yaml"

// Manifest kinds
const (
	KindBuiltin = "builtin"
	KindExec    = "exec"
)

// Manifest declares a plugin found in a plugin directory. A builtin
// manifest exposes a compiled-in action type under its own id and version;
// an exec manifest defines an action backed by an external command that
// reads the content on stdin and writes the new content to stdout.
type Manifest struct {
	ID             string         `yaml:"id"`
	Version        string         `yaml:"version"`
	Type           string         `yaml:"type"`
	Builtin        string         `yaml:"builtin,omitempty"`
	Command        []string       `yaml:"command,omitempty"`
	TimeoutSeconds int            `yaml:"timeout_seconds,omitempty"`
	AllowedEnvVars []string       `yaml:"allowed_env_vars,omitempty"`
	Params         ManifestParams `yaml:"params"`
	Description    string         `yaml:"description,omitempty"`

	// Path is the file the manifest was read from
	Path string `yaml:"-"`
}

// ManifestParams declares an exec plugin's parameters
type ManifestParams struct {
	Required []string               `yaml:"required"`
	Optional map[string]interface{} `yaml:"optional"`
}

// LoadManifest reads and validates the manifest at path
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PluginLoadFailed, err, "read manifest %s", path)
	}
	return ParseManifest(data, path)
}

// ParseManifest decodes and validates a manifest document
func ParseManifest(data []byte, path string) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(errors.PluginLoadFailed, err, "parse manifest %s", path)
	}
	m.Path = path
	if m.ID == "" {
		m.ID = strings.TrimSuffix(filepath.Base(path), ManifestSuffix)
	}
	m.ID = Normalize(m.ID)
	if m.Type == "" {
		m.Type = KindBuiltin
		if len(m.Command) > 0 {
			m.Type = KindExec
		}
	}

	switch m.Type {
	case KindBuiltin:
		if m.Builtin == "" {
			m.Builtin = m.ID
		}
		m.Builtin = Normalize(m.Builtin)
	case KindExec:
		if len(m.Command) == 0 || m.Command[0] == "" {
			return nil, errors.New(errors.PluginLoadFailed, "manifest %s: exec plugin needs a command", path)
		}
		if m.TimeoutSeconds < 0 {
			return nil, errors.New(errors.PluginLoadFailed, "manifest %s: negative timeout_seconds", path)
		}
	default:
		return nil, errors.New(errors.PluginLoadFailed, "manifest %s: unknown type %q", path, m.Type)
	}
	return &m, nil
}

// discover lists manifest files in dir, sorted by name
func discover(dir string) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	return filepath.Glob(filepath.Join(dir, "*"+ManifestSuffix))
}
