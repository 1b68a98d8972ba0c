package config

import (
	"os"

	"github.com/dlclark/regexp2"
	"gopkg.in/yaml.v3"

	"github.com/butter-bot-machines/scribe/pkg/errors"
)

// PolicyFileName is looked up next to the config file when
// security.policy_file is not set.
const PolicyFileName = "security_policy.yaml"

// SecurityPolicy is the external command policy document
type SecurityPolicy struct {
	DangerousPatterns             []string `yaml:"dangerous_patterns"`
	DangerousEnvKeysToAlwaysScrub []string `yaml:"dangerous_env_keys_to_always_scrub"`
}

// DefaultSecurityPolicy is used when no policy file exists
func DefaultSecurityPolicy() *SecurityPolicy {
	return &SecurityPolicy{
		DangerousPatterns: []string{
			`rm\s+-[a-z]*r[a-z]*f[a-z]*\s+/(\s|$)`,
			`\bsudo\b`,
			`curl[^|]*\|\s*(ba)?sh`,
			`wget[^|]*\|\s*(ba)?sh`,
			`\bmkfs(\.\w+)?\b`,
			`\bdd\s+if=`,
			`:\(\)\s*\{\s*:\|:&\s*\};:`,
			`>\s*/dev/sd[a-z]`,
		},
		DangerousEnvKeysToAlwaysScrub: []string{
			"AWS_SECRET_ACCESS_KEY",
			"AWS_SESSION_TOKEN",
			"GITHUB_TOKEN",
			"OPENAI_API_KEY",
			"ANTHROPIC_API_KEY",
			"SSH_AUTH_SOCK",
		},
	}
}

// LoadSecurityPolicy reads and validates a policy file
func LoadSecurityPolicy(path string) (*SecurityPolicy, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrap(errors.ConfigInvalid, err, "read security policy %s", path)
	}
	p, err := ParseSecurityPolicy(data)
	if err != nil {
		return nil, nil, err
	}
	return p, data, nil
}

// ParseSecurityPolicy decodes a policy document and checks that every
// pattern compiles.
func ParseSecurityPolicy(data []byte) (*SecurityPolicy, error) {
	var p SecurityPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(errors.ConfigInvalid, err, "parse security policy")
	}

	agg := errors.NewAggregate()
	for _, pat := range p.DangerousPatterns {
		if _, err := regexp2.Compile(pat, regexp2.IgnoreCase); err != nil {
			agg.Addf("dangerous_patterns: %q: %v", pat, err)
		}
	}
	if agg.HasErrors() {
		return nil, errors.Wrap(errors.ConfigInvalid, agg, "invalid security policy")
	}
	return &p, nil
}
