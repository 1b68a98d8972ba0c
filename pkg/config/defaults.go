package config

import (
	"github.com/spf13/viper"
)

// SupportedVersions lists accepted config_version values
var SupportedVersions = map[string]bool{
	"1.0": true,
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("engine_settings.log_level", "INFO")
	v.SetDefault("engine_settings.log_format", "console")
	v.SetDefault("engine_settings.log_file", "")
	v.SetDefault("engine_settings.repo_root", ".")
	v.SetDefault("engine_settings.watch_paths", []string{"."})
	v.SetDefault("engine_settings.file_patterns", []string{})
	v.SetDefault("engine_settings.quarantine_path", "quarantine")
	v.SetDefault("engine_settings.pause_file", ".scribe/pause")
	v.SetDefault("engine_settings.pause_policy", "skip")
	v.SetDefault("engine_settings.worker_count", 4)
	v.SetDefault("engine_settings.queue_capacity", 1000)
	v.SetDefault("engine_settings.drop_policy", "reject_new")
	v.SetDefault("engine_settings.debounce_ms", 100)
	v.SetDefault("engine_settings.max_debounce_ms", 1000)
	v.SetDefault("engine_settings.max_file_size_bytes", 10*1024*1024)
	v.SetDefault("engine_settings.regex_timeout_ms", 1000)
	v.SetDefault("engine_settings.action_timeout_seconds", 30)
	// action <= dispatch <= event, so each inner deadline can fire
	v.SetDefault("engine_settings.dispatch_timeout_seconds", 120)
	v.SetDefault("engine_settings.event_timeout_seconds", 300)
	v.SetDefault("engine_settings.shutdown_grace_seconds", 10)
	v.SetDefault("engine_settings.health_host", "127.0.0.1")
	v.SetDefault("engine_settings.health_port", 9090)

	v.SetDefault("security.allowed_commands", []string{})
	v.SetDefault("security.restricted_paths", []string{".git", ".scribe"})
	v.SetDefault("security.allowed_env_vars", []string{})
	v.SetDefault("security.policy_file", "")
	v.SetDefault("security.audit_log", "")

	v.SetDefault("plugins.directories", []string{})
	v.SetDefault("plugins.auto_reload", true)
	v.SetDefault("plugins.load_order", []string{})
	v.SetDefault("plugins.poll_interval_seconds", 2)
}

// Breaker defaults
const (
	DefaultFailureThreshold  = 5
	DefaultRecoveryTimeout   = 60
	DefaultSuccessThreshold  = 3
	DefaultHalfOpenMaxProbes = 1
)
