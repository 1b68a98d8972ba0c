package config

// Config represents the root configuration structure
type Config struct {
	ConfigVersion  string         `mapstructure:"config_version" yaml:"config_version" validate:"required,supported_version"`
	EngineSettings EngineSettings `mapstructure:"engine_settings" yaml:"engine_settings"`
	Security       Security       `mapstructure:"security" yaml:"security"`
	Plugins        Plugins        `mapstructure:"plugins" yaml:"plugins"`
	Rules          []Rule         `mapstructure:"rules" yaml:"rules" validate:"dive"`
}

// EngineSettings holds process-wide engine settings
type EngineSettings struct {
	LogLevel  string `mapstructure:"log_level" yaml:"log_level" validate:"omitempty,log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format" validate:"omitempty,oneof=console json"`
	LogFile   string `mapstructure:"log_file" yaml:"log_file"`

	RepoRoot       string   `mapstructure:"repo_root" yaml:"repo_root"`
	WatchPaths     []string `mapstructure:"watch_paths" yaml:"watch_paths" validate:"min=1,dive,required"`
	FilePatterns   []string `mapstructure:"file_patterns" yaml:"file_patterns" validate:"dive,glob"`
	QuarantinePath string   `mapstructure:"quarantine_path" yaml:"quarantine_path" validate:"required"`
	PauseFile      string   `mapstructure:"pause_file" yaml:"pause_file"`
	PausePolicy    string   `mapstructure:"pause_policy" yaml:"pause_policy" validate:"oneof=skip quarantine"`

	WorkerCount   int    `mapstructure:"worker_count" yaml:"worker_count" validate:"min=1,max=256"`
	QueueCapacity int    `mapstructure:"queue_capacity" yaml:"queue_capacity" validate:"min=1"`
	DropPolicy    string `mapstructure:"drop_policy" yaml:"drop_policy" validate:"oneof=reject_new drop_oldest"`

	DebounceMS         int   `mapstructure:"debounce_ms" yaml:"debounce_ms" validate:"min=0"`
	MaxDebounceMS      int   `mapstructure:"max_debounce_ms" yaml:"max_debounce_ms" validate:"min=0"`
	MaxFileSizeBytes   int64 `mapstructure:"max_file_size_bytes" yaml:"max_file_size_bytes" validate:"min=1"`
	RegexTimeoutMS     int   `mapstructure:"regex_timeout_ms" yaml:"regex_timeout_ms" validate:"min=1"`
	ActionTimeoutSecs  int   `mapstructure:"action_timeout_seconds" yaml:"action_timeout_seconds" validate:"min=1"`
	DispatchTimeoutSec int   `mapstructure:"dispatch_timeout_seconds" yaml:"dispatch_timeout_seconds" validate:"min=1"`
	EventTimeoutSecs   int   `mapstructure:"event_timeout_seconds" yaml:"event_timeout_seconds" validate:"min=1"`
	ShutdownGraceSecs  int   `mapstructure:"shutdown_grace_seconds" yaml:"shutdown_grace_seconds" validate:"min=0"`

	HealthHost string `mapstructure:"health_host" yaml:"health_host"`
	HealthPort int    `mapstructure:"health_port" yaml:"health_port" validate:"min=0,max=65535"`
}

// Security holds command and path restrictions
type Security struct {
	AllowedCommands []string `mapstructure:"allowed_commands" yaml:"allowed_commands"`
	RestrictedPaths []string `mapstructure:"restricted_paths" yaml:"restricted_paths"`
	AllowedEnvVars  []string `mapstructure:"allowed_env_vars" yaml:"allowed_env_vars"`
	PolicyFile      string   `mapstructure:"policy_file" yaml:"policy_file"`
	AuditLog        string   `mapstructure:"audit_log" yaml:"audit_log"`
}

// Plugins configures plugin discovery
type Plugins struct {
	Directories         []string `mapstructure:"directories" yaml:"directories"`
	AutoReload          bool     `mapstructure:"auto_reload" yaml:"auto_reload"`
	LoadOrder           []string `mapstructure:"load_order" yaml:"load_order"`
	PollIntervalSeconds int      `mapstructure:"poll_interval_seconds" yaml:"poll_interval_seconds" validate:"min=1"`
}

// Rule binds a file glob and trigger pattern to an action chain
type Rule struct {
	ID             string         `mapstructure:"id" yaml:"id" validate:"required,rule_id"`
	Name           string         `mapstructure:"name" yaml:"name" validate:"required"`
	Enabled        *bool          `mapstructure:"enabled" yaml:"enabled,omitempty"`
	FileGlob       string         `mapstructure:"file_glob" yaml:"file_glob" validate:"required,glob"`
	TriggerPattern string         `mapstructure:"trigger_pattern" yaml:"trigger_pattern" validate:"omitempty,regex"`
	OnDelete       bool           `mapstructure:"on_delete" yaml:"on_delete"`
	Actions        []ActionSpec   `mapstructure:"actions" yaml:"actions" validate:"min=1,dive"`
	ErrorHandling  *ErrorHandling `mapstructure:"error_handling" yaml:"error_handling,omitempty"`
}

// ActionSpec names a plugin and its parameters
type ActionSpec struct {
	Type   string                 `mapstructure:"type" yaml:"type" validate:"required"`
	Params map[string]interface{} `mapstructure:"params" yaml:"params"`
}

// ErrorHandling carries per-rule overrides
type ErrorHandling struct {
	CircuitBreaker *CircuitBreaker `mapstructure:"circuit_breaker" yaml:"circuit_breaker,omitempty"`
}

// CircuitBreaker overrides breaker thresholds; zero fields use defaults
type CircuitBreaker struct {
	FailureThreshold       int `mapstructure:"failure_threshold" yaml:"failure_threshold" validate:"min=0"`
	RecoveryTimeoutSeconds int `mapstructure:"recovery_timeout_seconds" yaml:"recovery_timeout_seconds" validate:"min=0"`
	SuccessThreshold       int `mapstructure:"success_threshold" yaml:"success_threshold" validate:"min=0"`
	HalfOpenMaxProbes      int `mapstructure:"half_open_max_probes" yaml:"half_open_max_probes" validate:"min=0"`
}

// IsEnabled reports whether the rule is active. Rules are enabled unless
// explicitly disabled.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Breaker returns the rule's breaker overrides, or nil
func (r *Rule) Breaker() *CircuitBreaker {
	if r.ErrorHandling == nil {
		return nil
	}
	return r.ErrorHandling.CircuitBreaker
}

// Patterns returns the watcher patterns: file_patterns when set, otherwise
// the globs of all enabled rules.
func (c *Config) Patterns() []string {
	if len(c.EngineSettings.FilePatterns) > 0 {
		return c.EngineSettings.FilePatterns
	}
	seen := make(map[string]bool)
	var out []string
	for i := range c.Rules {
		r := &c.Rules[i]
		if r.IsEnabled() && !seen[r.FileGlob] {
			seen[r.FileGlob] = true
			out = append(out, r.FileGlob)
		}
	}
	return out
}
